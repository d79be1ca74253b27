// Package transport talks to the remote graph server.
//
// types.go - Transport contract and wire types
//
// This file contains:
// - Transport, the interface the run driver depends on
// - RunRequest and the run/resume request bodies
// - Snapshot, the polled thread state
//
// Two implementations exist: HTTPClient for the streaming deployment and
// InvokeClient for the blocking /agent/invoke deployment. Both present a
// run as a Stream of SSE frames so the driver never knows which one it has.

package transport

import (
	"context"
	"strings"

	"github.com/HyphaGroup/gatekeeper/internal/events"
)

// Transport opens sessions, runs and snapshots against one server.
//
// At most one stream is open per Transport. OpenRun cancels any open stream
// with AbortSuperseded before starting the new one.
type Transport interface {
	CreateSession(ctx context.Context) (string, error)
	OpenRun(ctx context.Context, sessionID string, req RunRequest) (*Stream, error)
	FetchSnapshot(ctx context.Context, sessionID string) (*Snapshot, error)
	Cancel(reason AbortReason)
}

// RunRequest selects between a fresh run and a resume. Exactly one of Theme
// and Decision is set; Decision is a protocol token (y, retry or n).
type RunRequest struct {
	Theme    string
	Decision string
}

// IsResume reports whether the request continues a paused run.
func (r RunRequest) IsResume() bool {
	return r.Decision != ""
}

// StreamModes requested for every run.
var StreamModes = []string{"updates", "values"}

type runInput struct {
	ResearchMessages []chatMessage `json:"research_messages"`
	AnalysisMessages []chatMessage `json:"analysis_messages"`
	LoopCount        int           `json:"loop_count"`
	CurrentStep      string        `json:"current_step"`
	ApprovalDecision string        `json:"approval_decision"`
	FinalReport      string        `json:"final_report"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type resumeCommand struct {
	Resume string `json:"resume"`
}

type runBody struct {
	AssistantID  string         `json:"assistant_id"`
	Input        *runInput      `json:"input,omitempty"`
	Command      *resumeCommand `json:"command,omitempty"`
	StreamMode   []string       `json:"stream_mode"`
	OnDisconnect string         `json:"on_disconnect"`
}

func newRunBody(assistantID string, req RunRequest) runBody {
	body := runBody{
		AssistantID:  assistantID,
		StreamMode:   StreamModes,
		OnDisconnect: "cancel",
	}
	if req.IsResume() {
		body.Command = &resumeCommand{Resume: req.Decision}
		return body
	}
	body.Input = &runInput{
		ResearchMessages: []chatMessage{{Role: "user", Content: "Theme: " + req.Theme}},
		AnalysisMessages: []chatMessage{},
		CurrentStep:      "start",
	}
	return body
}

// Snapshot is the server's view of a thread at one point in time.
type Snapshot struct {
	ThreadID string
	Status   string
	Values   map[string]any
	// Raw is the full decoded response, searched for interrupt descriptors.
	Raw map[string]any
}

// NewSnapshot wraps a decoded thread state response.
func NewSnapshot(raw map[string]any) *Snapshot {
	s := &Snapshot{Raw: raw}
	s.ThreadID, _ = raw["thread_id"].(string)
	s.Status, _ = raw[events.KeyStatus].(string)
	s.Values, _ = raw[events.KeyValues].(map[string]any)
	if s.Values == nil {
		s.Values = map[string]any{}
	}
	return s
}

// CurrentStep returns values.current_step, or "".
func (s *Snapshot) CurrentStep() string {
	step, _ := s.Values[events.KeyCurrentStep].(string)
	return step
}

// FinalReport returns a non-blank values.final_report, or "".
func (s *Snapshot) FinalReport() string {
	report, _ := s.Values[events.KeyFinalReport].(string)
	if strings.TrimSpace(report) == "" {
		return ""
	}
	return report
}

// Interrupt returns the pending approval request, if the thread is paused.
func (s *Snapshot) Interrupt() *events.Interrupt {
	return events.ExtractInterrupt(s.Raw)
}
