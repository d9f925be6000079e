// Package mcp exposes task control over the Model Context Protocol, so an
// MCP client can start runs, watch their progress and answer the input
// requests they raise, the same operations the viewer page performs over
// HTTP.
package mcp

import (
	"context"
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hibiki/internal/inputgate"
	"github.com/ashita-ai/hibiki/internal/registry"
)

// TaskStarter starts a run for a key, or attaches to the live one.
type TaskStarter interface {
	Start(ctx context.Context, key string) (bool, error)
}

// Server wraps the mcp-go server with the task registry and input gate.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *registry.Registry
	starter   TaskStarter
	gate      *inputgate.Gate
	logger    *slog.Logger
}

// New creates and configures an MCP server with all tools, resources and
// prompts registered.
func New(reg *registry.Registry, starter TaskStarter, gate *inputgate.Gate, logger *slog.Logger, version string) *Server {
	s := &Server{
		registry: reg,
		starter:  starter,
		gate:     gate,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hibiki",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Hibiki runs one task per key and streams its progress.

Start a run with hibiki_run_task, poll hibiki_task_status for its log, and
when the status is "waiting_for_input" answer the pending prompt with
hibiki_submit_input before the request times out. A run that is not
answered in time receives the configured fallback value.`
