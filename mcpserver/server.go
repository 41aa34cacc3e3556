// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes
// tools for code execution. It uses the mark3labs/mcp-go library to
// handle the protocol details and provides the execute_code tool as the
// primary interface for sandboxed code execution.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/sandbox"
)

// Executor is the execution facade the server dispatches to.
// *sandbox.Tool implements it.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) (sandbox.ExecutionResult, error)
	Defaults() sandbox.Defaults
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  Executor
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor Executor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.Int("server.metrics_port", s.config.Server.MetricsPort),
		zap.String("executor.backend", s.config.Executor.Backend),
		zap.String("executor.image", s.config.Executor.Image),
		zap.Int("executor.default_timeout_sec", s.config.Executor.DefaultTimeoutSec),
		zap.Int("executor.default_memory_mb", s.config.Executor.DefaultMemoryMB),
		zap.Float64("executor.default_cpu_fraction", s.config.Executor.DefaultCPUFraction),
		zap.Bool("executor.default_isolated", s.config.Executor.DefaultIsolated),
		zap.Int("executor.max_concurrent", s.config.Executor.MaxConcurrent),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("runbox-executor", "A sandboxed code execution server")

	// Register the execute_code tool
	s.registerExecuteCodeTool()

	return s, nil
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: "Execute Python code in an isolated environment with resource limits",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code to execute",
				},
				"timeout_seconds": map[string]any{
					"type":        "integer",
					"description": "Execution deadline in seconds (optional)",
					"minimum":     config.MinTimeoutSec,
					"maximum":     config.MaxTimeoutSec,
				},
				"memory_limit_mb": map[string]any{
					"type":        "integer",
					"description": "Memory ceiling in megabytes (optional)",
					"minimum":     config.MinMemoryMB,
					"maximum":     config.MaxMemoryMB,
				},
				"cpu_fraction": map[string]any{
					"type":        "number",
					"description": "CPU share of one core, in (0.0, 1.0] (optional)",
				},
				"isolated": map[string]any{
					"type":        "boolean",
					"description": "Run inside an isolated environment; direct host execution when false (optional)",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// executeResponse is the JSON payload returned in the tool result.
type executeResponse struct {
	Success       bool           `json:"success"`
	Output        string         `json:"output"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ElapsedMs     int64          `json:"elapsed_ms"`
	ResourceUsage *resourceUsage `json:"resource_usage,omitempty"`
}

type resourceUsage struct {
	PeakMemoryMB  float64 `json:"peak_memory_mb"`
	AvgCPUPercent float64 `json:"avg_cpu_percent"`
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.logger.Info("code execution requested")

	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	timeoutSec := request.GetInt("timeout_seconds", 0)
	if timeoutSec != 0 && (timeoutSec < config.MinTimeoutSec || timeoutSec > config.MaxTimeoutSec) {
		return nil, fmt.Errorf("invalid timeout_seconds: %d, must be in [%d, %d]",
			timeoutSec, config.MinTimeoutSec, config.MaxTimeoutSec)
	}

	memoryMB := request.GetInt("memory_limit_mb", 0)
	if memoryMB != 0 && (memoryMB < config.MinMemoryMB || memoryMB > config.MaxMemoryMB) {
		return nil, fmt.Errorf("invalid memory_limit_mb: %d, must be in [%d, %d]",
			memoryMB, config.MinMemoryMB, config.MaxMemoryMB)
	}

	cpuFraction := request.GetFloat("cpu_fraction", 0)
	isolated := request.GetBool("isolated", s.executor.Defaults().Isolated)

	req := sandbox.ExecutionRequest{
		Code:          code,
		Timeout:       time.Duration(timeoutSec) * time.Second,
		MemoryLimitMB: memoryMB,
		CPUFraction:   cpuFraction,
		Isolated:      isolated,
	}

	s.logger.Info("executing code",
		zap.Bool("isolated", isolated),
		zap.Int("code_bytes", len(code)))

	result, err := s.executor.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, sandbox.ErrTooManyRequests) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					mcp.TextContent{
						Type: "text",
						Text: "Execution rejected: too many concurrent executions, retry later",
					},
				},
				IsError: true,
			}, nil
		}
		s.logger.Error("execution rejected", zap.Error(err))
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf("Execution failed: %v", err),
				},
			},
			IsError: true,
		}, nil
	}

	s.logger.Info("code execution completed",
		zap.Bool("success", result.Success),
		zap.String("error_kind", string(result.ErrorKind)),
		zap.Duration("elapsed", result.Elapsed))

	response := executeResponse{
		Success:      result.Success,
		Output:       result.Output,
		ErrorKind:    string(result.ErrorKind),
		ErrorMessage: result.ErrorMessage,
		ElapsedMs:    result.Elapsed.Milliseconds(),
	}
	if result.Usage != nil {
		response.ResourceUsage = &resourceUsage{
			PeakMemoryMB:  result.Usage.PeakMemoryMB,
			AvgCPUPercent: result.Usage.AvgCPUPercent,
		}
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(payload),
			},
		},
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
