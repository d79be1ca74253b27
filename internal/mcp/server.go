// Package mcp exposes the run driver as MCP tools, so an assistant can
// start a run, answer the approval gate and read the result.
//
// Tools:
//   - run_start   start a new run on a fresh session
//   - run_decide  answer the approval gate (approve, retry or reject)
//   - run_cancel  abort the operation in flight
//   - run_status  current view, with recent log entries
//   - run_reset   abandon the session
//
// Every tool returns the run view as structured content.
package mcp

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/gatekeeper/internal/logger"
	"github.com/HyphaGroup/gatekeeper/internal/run"
)

// DefaultStatusLogs is how many log entries run_status includes by default.
const DefaultStatusLogs = 10

// Server wraps the MCP server around one run driver.
type Server struct {
	driver    *run.Driver
	mcpServer *mcp_sdk.Server
}

// NewServer creates the MCP server and registers the run tools.
func NewServer(driver *run.Driver, version string) *Server {
	s := &Server{driver: driver}
	s.mcpServer = mcp_sdk.NewServer(&mcp_sdk.Implementation{
		Name:    "gatekeeper",
		Version: version,
	}, &mcp_sdk.ServerOptions{
		HasTools: true,
		Logger:   logger.Slog(),
	})
	s.registerTools()
	return s
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp_sdk.Server {
	return s.mcpServer
}

// Run serves the tools on t until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context, t mcp_sdk.Transport) error {
	if err := s.mcpServer.Run(ctx, t); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	mcp_sdk.AddTool(s.mcpServer, &mcp_sdk.Tool{
		Name: "run_start",
		Description: `Start a new analysis run on a fresh session.

Any run in flight is superseded. Blocks until the run pauses at the
approval gate or finishes. When paused, the result carries the question,
the options and a preview of the work so far; answer with run_decide.`,
	}, instrument("run_start", s.handleStart))

	mcp_sdk.AddTool(s.mcpServer, &mcp_sdk.Tool{
		Name: "run_decide",
		Description: `Answer the approval gate of the paused run.

  approve  generate the final report
  retry    redo the analysis and ask again
  reject   end the run without a report

Allowed while awaiting approval, and after a failed or cancelled decision.`,
		InputSchema: decideSchema(),
	}, instrument("run_decide", s.handleDecide))

	mcp_sdk.AddTool(s.mcpServer, &mcp_sdk.Tool{
		Name:        "run_cancel",
		Description: "Abort the start or decision in flight. The paused session, if any, stays resumable.",
	}, instrument("run_cancel", s.handleCancel))

	mcp_sdk.AddTool(s.mcpServer, &mcp_sdk.Tool{
		Name:        "run_status",
		Description: "Show the current run: phase, pending action, step, approval question and preview, report, and recent activity.",
	}, instrument("run_status", s.handleStatus))

	mcp_sdk.AddTool(s.mcpServer, &mcp_sdk.Tool{
		Name:        "run_reset",
		Description: "Abandon the current session and clear its history.",
	}, instrument("run_reset", s.handleReset))
}

// decideSchema restricts decision to the three accepted words.
func decideSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"decision": {
				Type:        "string",
				Description: "approve, retry or reject",
				Enum:        []any{string(run.DecisionApprove), string(run.DecisionRetry), string(run.DecisionReject)},
			},
		},
		Required: []string{"decision"},
	}
}
