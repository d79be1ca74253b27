package mcp

import (
	"context"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/gatekeeper/internal/logger"
	"github.com/HyphaGroup/gatekeeper/internal/metrics"
	"github.com/HyphaGroup/gatekeeper/internal/run"
)

// StartInput is the input of run_start.
type StartInput struct {
	Theme string `json:"theme,omitempty" jsonschema:"business idea to analyse; a default theme is used when empty"`
}

// DecideInput is the input of run_decide.
type DecideInput struct {
	Decision string `json:"decision"`
}

// StatusInput is the input of run_status.
type StatusInput struct {
	Logs *int `json:"logs,omitempty" jsonschema:"number of recent log entries to include (default 10, 0 for none)"`
}

// EmptyInput is the input of tools that take no arguments.
type EmptyInput struct{}

// instrument tags the call for logging and counts it by outcome.
func instrument[In any](tool string, h mcp_sdk.ToolHandlerFor[In, run.View]) mcp_sdk.ToolHandlerFor[In, run.View] {
	return func(ctx context.Context, req *mcp_sdk.CallToolRequest, in In) (*mcp_sdk.CallToolResult, run.View, error) {
		ctx = logger.WithRun(ctx, "", tool)
		res, view, err := h(ctx, req, in)

		status := "ok"
		if err != nil || (res != nil && res.IsError) {
			status = "error"
		}
		metrics.RecordToolCall(tool, status)
		return res, view, err
	}
}

func (s *Server) handleStart(ctx context.Context, req *mcp_sdk.CallToolRequest, input StartInput) (*mcp_sdk.CallToolResult, run.View, error) {
	_, err := s.driver.Start(ctx, input.Theme)
	return s.result(ctx, err, "run_start")
}

func (s *Server) handleDecide(ctx context.Context, req *mcp_sdk.CallToolRequest, input DecideInput) (*mcp_sdk.CallToolResult, run.View, error) {
	decision, err := run.ParseDecision(input.Decision)
	if err != nil {
		return nil, run.View{}, err
	}
	_, err = s.driver.Submit(ctx, decision)
	return s.result(ctx, err, "run_decide")
}

func (s *Server) handleCancel(ctx context.Context, req *mcp_sdk.CallToolRequest, input EmptyInput) (*mcp_sdk.CallToolResult, run.View, error) {
	if err := s.driver.Cancel(); err != nil {
		return nil, run.View{}, SanitizeError(ctx, err, "run_cancel")
	}
	return nil, trimLogs(s.driver.Snapshot(), DefaultStatusLogs), nil
}

func (s *Server) handleStatus(ctx context.Context, req *mcp_sdk.CallToolRequest, input StatusInput) (*mcp_sdk.CallToolResult, run.View, error) {
	n := DefaultStatusLogs
	if input.Logs != nil {
		n = *input.Logs
	}
	return nil, trimLogs(s.driver.Snapshot(), n), nil
}

func (s *Server) handleReset(ctx context.Context, req *mcp_sdk.CallToolRequest, input EmptyInput) (*mcp_sdk.CallToolResult, run.View, error) {
	if err := s.driver.Reset(); err != nil {
		return nil, run.View{}, SanitizeError(ctx, err, "run_reset")
	}
	return nil, s.driver.Snapshot(), nil
}

// result reports the view after a start or decision. A failure the driver
// recorded in the state (error phase, cancellation) is returned as an error
// result that still carries the view; anything else is a plain tool error.
func (s *Server) result(ctx context.Context, err error, operation string) (*mcp_sdk.CallToolResult, run.View, error) {
	view := trimLogs(s.driver.Snapshot(), DefaultStatusLogs)
	if err == nil {
		return nil, view, nil
	}
	safe := SanitizeError(ctx, err, operation)
	if view.Phase == run.PhaseError || view.Cancelled {
		view.Error = safe.Error()
		return errorResult(safe.Error()), view, nil
	}
	return nil, run.View{}, safe
}

// trimLogs keeps the n newest log entries.
func trimLogs(v run.View, n int) run.View {
	if n < 0 {
		n = 0
	}
	if len(v.Logs) > n {
		v.Logs = v.Logs[:n]
	}
	if len(v.Logs) == 0 {
		v.Logs = nil
	}
	return v
}

// errorResult is a tool error whose text is shown to the assistant.
func errorResult(msg string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		IsError: true,
		Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: msg}},
	}
}
