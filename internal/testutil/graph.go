// Package testutil provides test doubles shared by package tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// GraphServer is a test double for the thread endpoints of a graph server.
// Every start and retry pauses at the approval gate; approve finishes with
// a report and reject finishes without one. It records the runs it serves.
type GraphServer struct {
	*httptest.Server

	mu sync.Mutex

	// Configurable responses
	ThreadIDs []string // handed out in order; the last one repeats
	Question  string
	Options   []string
	Preview   string
	Report    string
	// CreateStatus, when non-zero, fails thread creation with that status.
	CreateStatus int

	// Call tracking
	Creates int
	Runs    []RunCall

	// Thread state
	phase map[string]string
}

// RunCall records one POST /threads/{id}/runs/stream.
type RunCall struct {
	ThreadID string
	Theme    string // research message of a start, "" for a resume
	Resume   string // resume token, "" for a start
}

// GraphOption configures a GraphServer.
type GraphOption func(*GraphServer)

// WithThreadIDs sets the ids handed out by POST /threads.
func WithThreadIDs(ids ...string) GraphOption {
	return func(g *GraphServer) {
		g.ThreadIDs = ids
	}
}

// WithReport sets the report an approval produces.
func WithReport(report string) GraphOption {
	return func(g *GraphServer) {
		g.Report = report
	}
}

// WithCreateStatus makes thread creation fail with status.
func WithCreateStatus(status int) GraphOption {
	return func(g *GraphServer) {
		g.CreateStatus = status
	}
}

// NewGraphServer starts a graph server double that is closed with t.
func NewGraphServer(t *testing.T, opts ...GraphOption) *GraphServer {
	t.Helper()
	g := &GraphServer{
		ThreadIDs: []string{"t1"},
		Question:  "Approve?",
		Options:   []string{"y", "retry", "n"},
		Preview:   "SWOT",
		Report:    "# Report",
		phase:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads", g.handleCreate)
	mux.HandleFunc("POST /threads/{id}/runs/stream", g.handleRun)
	mux.HandleFunc("GET /threads/{id}", g.handleGet)
	g.Server = httptest.NewServer(mux)
	t.Cleanup(g.Close)
	return g
}

func (g *GraphServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.CreateStatus != 0 {
		http.Error(w, "thread creation failed", g.CreateStatus)
		return
	}
	id := g.ThreadIDs[min(g.Creates, len(g.ThreadIDs)-1)]
	g.Creates++
	g.phase[id] = "new"
	writeJSON(w, map[string]any{"thread_id": id})
}

func (g *GraphServer) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Input struct {
			ResearchMessages []struct {
				Content string `json:"content"`
			} `json:"research_messages"`
		} `json:"input"`
		Command struct {
			Resume string `json:"resume"`
		} `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	g.mu.Lock()
	if _, ok := g.phase[id]; !ok {
		g.mu.Unlock()
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}
	call := RunCall{ThreadID: id, Resume: body.Command.Resume}
	if len(body.Input.ResearchMessages) > 0 {
		call.Theme = strings.TrimPrefix(body.Input.ResearchMessages[0].Content, "Theme: ")
	}
	g.Runs = append(g.Runs, call)

	var frame string
	switch call.Resume {
	case "y":
		g.phase[id] = "approved"
		frame = sseFrame("values", map[string]any{"current_step": "report", "final_report": g.Report})
	case "n":
		g.phase[id] = "rejected"
		frame = sseFrame("values", map[string]any{"current_step": "end"})
	default:
		g.phase[id] = "paused"
		frame = sseFrame("values", map[string]any{
			"current_step":  "human_approval",
			"__interrupt__": []any{map[string]any{"value": g.interruptValue()}},
		})
	}
	g.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	_, _ = fmt.Fprint(w, sseFrame("metadata", map[string]any{"run_id": "run-" + id}), frame)
}

func (g *GraphServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g.mu.Lock()
	defer g.mu.Unlock()

	phase, ok := g.phase[id]
	if !ok {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}
	switch phase {
	case "paused":
		writeJSON(w, map[string]any{
			"thread_id":  id,
			"status":     "interrupted",
			"values":     map[string]any{"current_step": "human_approval"},
			"interrupts": map[string]any{"task-1": []any{map[string]any{"value": g.interruptValue()}}},
		})
	case "approved":
		writeJSON(w, map[string]any{"thread_id": id, "status": "idle", "values": map[string]any{"final_report": g.Report}})
	default:
		writeJSON(w, map[string]any{"thread_id": id, "status": "idle", "values": map[string]any{}})
	}
}

// interruptValue is the approval request payload. Caller holds mu.
func (g *GraphServer) interruptValue() map[string]any {
	return map[string]any{
		"kind":             "approval_request",
		"question":         g.Question,
		"options":          g.Options,
		"analysis_preview": []any{map[string]any{"type": "AIMessage", "content": g.Preview}},
	}
}

// RunCalls returns a copy of the recorded runs.
func (g *GraphServer) RunCalls() []RunCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]RunCall(nil), g.Runs...)
}

// AssertResumed asserts the last run on threadID resumed with token.
func (g *GraphServer) AssertResumed(t *testing.T, threadID, token string) {
	t.Helper()
	calls := g.RunCalls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].ThreadID != threadID {
			continue
		}
		if calls[i].Resume != token {
			t.Errorf("last run on %s resumed with %q, want %q", threadID, calls[i].Resume, token)
		}
		return
	}
	t.Errorf("no run on thread %s, calls: %v", threadID, calls)
}

// AssertStarted asserts a run was started on threadID with theme.
func (g *GraphServer) AssertStarted(t *testing.T, threadID, theme string) {
	t.Helper()
	calls := g.RunCalls()
	for _, c := range calls {
		if c.ThreadID == threadID && c.Resume == "" && c.Theme == theme {
			return
		}
	}
	t.Errorf("no start on thread %s with theme %q, calls: %v", threadID, theme, calls)
}

func sseFrame(event string, data any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return "event: " + event + "\ndata: " + string(raw) + "\n\n"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
