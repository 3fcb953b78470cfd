package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/codequeue/apperr"
	"github.com/isdmx/codequeue/config"
	"github.com/isdmx/codequeue/submit"
)

// JobService is the submission surface exposed as MCP tools.
type JobService interface {
	Submit(ctx context.Context, sub submit.Submission) (submit.Receipt, error)
	Status(ctx context.Context, jobID string) (submit.Status, error)
	Languages() []string
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     config.MCPConfig
	logger     *zap.Logger
	svc        JobService
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, svc JobService) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg.MCP,
		logger: logger.Named("mcp"),
		svc:    svc,
	}

	s.logger.Info("mcp server configured",
		zap.String("transport", cfg.MCP.Transport),
		zap.Int("http_port", cfg.MCP.HTTPPort),
		zap.Strings("languages", svc.Languages()))

	s.mcpServer = server.NewMCPServer("codequeue", "Queued sandboxed code execution")
	s.registerSubmitTool()
	s.registerStatusTool()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

func (s *MCPServer) registerSubmitTool() {
	tool := mcp.Tool{
		Name:        "submit_code_job",
		Description: "Queue untrusted code for sandboxed execution and return its job id",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to run",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Runtime language",
					"enum":        s.svc.Languages(),
				},
				"priority": map[string]any{
					"type":        "integer",
					"description": "Queue priority, lower runs earlier (default 10)",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Execution budget in milliseconds (default 3000)",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Data written to the program's standard input",
				},
				"metadata": map[string]any{
					"type":        "object",
					"description": "Opaque data stored with the job",
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleSubmit)
}

func (s *MCPServer) registerStatusTool() {
	tool := mcp.Tool{
		Name:        "get_job_status",
		Description: "Return the status, or the result once completed, of a submitted job",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"job_id": map[string]any{
					"type":        "string",
					"description": "Id returned by submit_code_job",
				},
			},
			Required: []string{"job_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleStatus)
}

func (s *MCPServer) handleSubmit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError("code parameter is required"), nil
	}
	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError("language parameter is required"), nil
	}

	priority, err := optionalInt(request, "priority")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var metadata map[string]any
	if raw, ok := request.GetArguments()["metadata"]; ok && raw != nil {
		if metadata, ok = raw.(map[string]any); !ok {
			return mcp.NewToolResultError("metadata must be an object"), nil
		}
	}

	receipt, err := s.svc.Submit(ctx, submit.Submission{
		Code:      code,
		Language:  language,
		Priority:  priority,
		TimeoutMS: request.GetInt("timeout_ms", 0),
		Stdin:     request.GetString("stdin", ""),
		Metadata:  metadata,
	})
	if err != nil {
		return s.errorResult(err), nil
	}
	return jsonResult(receipt)
}

// optionalInt distinguishes an absent argument from an explicit zero.
func optionalInt(request mcp.CallToolRequest, key string) (*int, error) {
	if _, ok := request.GetArguments()[key]; !ok {
		return nil, nil
	}
	v, err := request.RequireInt(key)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	return &v, nil
}

func (s *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	st, err := s.svc.Status(ctx, jobID)
	if err != nil {
		return s.errorResult(err), nil
	}
	if st.Status == submit.StatusNotFound {
		return mcp.NewToolResultError(apperr.JobNotFound.Message()), nil
	}
	return jsonResult(st)
}

func (s *MCPServer) errorResult(err error) *mcp.CallToolResult {
	if apperr.GetCode(err).HTTPStatus() >= 500 {
		s.logger.Error("tool call failed", zap.Error(err))
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP and blocks until it is shut down.
func (s *MCPServer) ServeHTTP() error {
	port := s.config.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Serve starts the configured transport.
func (s *MCPServer) Serve() error {
	if s.config.Transport == "stdio" {
		return s.ServeStdio()
	}
	return s.ServeHTTP()
}

// Shutdown stops the HTTP transport.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.config.Transport == "stdio" {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
