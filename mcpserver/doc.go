// Package mcpserver exposes job submission over the Model Context Protocol.
//
// Two tools are registered with the mark3labs/mcp-go server:
// submit_code_job queues code and returns its job id, and get_job_status
// reports queued, running, failed or the completed result. Both delegate to
// the same submission service as the REST API.
//
// The server supports stdio and streamable HTTP transports as configured by
// the mcp section of the configuration.
//
// Usage:
//
//	srv, err := mcpserver.New(cfg, logger, submitService)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = srv.Serve()
package mcpserver
