// Package sandbox provides the isolation backends used to run untrusted code.
//
// The Runtime interface exposes the container lifecycle the execution engine
// needs: create, attach, start, wait, kill, inspect and remove. DockerRuntime
// talks to the Docker Engine API and, through its compatible API service, to
// Podman. Every sandbox is created with networking disabled, a read-only root
// filesystem, a writable tmpfs at /tmp, dropped capabilities, a memory
// ceiling, a process-count limit and CPU-time ulimits. LocalRuntime runs
// plain host processes for development only.
//
// Usage:
//
//	rt, err := sandbox.NewRuntime(logger, cfg)
//	h, err := rt.Create(ctx, sandbox.ContainerSpec{
//	    Image:  "python:3.9-alpine",
//	    Cmd:    []string{"python3", "/job/Main.py"},
//	    Mounts: []sandbox.Mount{{HostPath: dir, ContainerPath: "/job", ReadOnly: true}},
//	    Limits: sandbox.LimitsFromConfig(cfg.Sandbox),
//	})
package sandbox
