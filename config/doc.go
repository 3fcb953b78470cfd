// Package config provides application configuration management.
//
// The config package loads configuration from YAML files and CODEQUEUE_*
// environment variables, fills in defaults and validates the result. It
// covers the REST and MCP façades, Redis, the job queue, the worker pool,
// the result store, sandbox resource limits, the language catalogue and the
// dead-letter sink.
//
// Usage:
//
//	cfg, err := config.Load("/etc/codequeue/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
