package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/google/uuid"
)

func TestInvokeClient_CreateSessionIsLocal(t *testing.T) {
	c := NewInvokeClient(Options{BaseURL: "http://unused.invalid"}, nil)

	a, err := c.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	b, _ := c.CreateSession(context.Background())
	if a == b {
		t.Errorf("two sessions share id %q", a)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("id %q is not a UUID: %v", a, err)
	}
}

func TestInvokeClient_Interrupted(t *testing.T) {
	f, srv := newFakeServer(t)
	f.mux.HandleFunc("POST /agent/invoke", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"output":{
			"thread_id": "t1",
			"status": "interrupted",
			"interrupt": {
				"kind": "approval_request",
				"question": "Approve the work so far and generate the final report?",
				"options": ["y", "retry", "n"],
				"analysis_preview": [{"type": "AIMessage", "content": "SWOT"}]
			}
		}}`)
	})

	c := NewInvokeClient(Options{BaseURL: srv.URL}, nil)
	s, err := c.OpenRun(context.Background(), "t1", RunRequest{Theme: "Orbital refuelling"})
	if err != nil {
		t.Fatalf("OpenRun() error = %v", err)
	}
	frames := collect(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if len(frames) != 1 || frames[0].Event != "values" {
		t.Fatalf("frames = %+v, want one values frame", frames)
	}

	input := f.lastBody("/agent/invoke")["input"].(map[string]any)
	if input["action"] != "start" || input["thread_id"] != "t1" || input["theme"] != "Orbital refuelling" {
		t.Errorf("input = %v", input)
	}
	if _, ok := input["decision"]; ok {
		t.Error("start input must not carry a decision")
	}

	snap, err := c.FetchSnapshot(context.Background(), "t1")
	if err != nil {
		t.Fatalf("FetchSnapshot() error = %v", err)
	}
	if snap.Status != "interrupted" || snap.CurrentStep() != "human_approval" {
		t.Errorf("snapshot = %+v", snap)
	}
	in := snap.Interrupt()
	if in == nil || len(in.Preview) != 1 || in.Preview[0].Content != "SWOT" {
		t.Errorf("Interrupt() = %+v", in)
	}
}

func TestInvokeClient_CompletedWithCache(t *testing.T) {
	f, srv := newFakeServer(t)
	f.mux.HandleFunc("POST /agent/invoke", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"output":{"thread_id":"t1","status":"completed","report":"Final plan"}}`)
	})

	cache := &memoryCache{}
	c := NewInvokeClient(Options{BaseURL: srv.URL}, cache)
	s, err := c.OpenRun(context.Background(), "t1", RunRequest{Decision: "y"})
	if err != nil {
		t.Fatalf("OpenRun() error = %v", err)
	}
	collect(t, s)

	input := f.lastBody("/agent/invoke")["input"].(map[string]any)
	if input["action"] != "resume" || input["decision"] != "y" {
		t.Errorf("input = %v", input)
	}

	// A second client over the same cache sees the result.
	other := NewInvokeClient(Options{BaseURL: srv.URL}, cache)
	snap, err := other.FetchSnapshot(context.Background(), "t1")
	if err != nil {
		t.Fatalf("FetchSnapshot() error = %v", err)
	}
	if snap.FinalReport() != "Final plan" || snap.Interrupt() != nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestInvokeClient_UnknownThreadIsIdle(t *testing.T) {
	c := NewInvokeClient(Options{BaseURL: "http://unused.invalid"}, nil)
	snap, err := c.FetchSnapshot(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("FetchSnapshot() error = %v", err)
	}
	if snap.Status != "idle" || snap.Interrupt() != nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestInvokeClient_MissingStatus(t *testing.T) {
	f, srv := newFakeServer(t)
	f.mux.HandleFunc("POST /agent/invoke", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"output":{"thread_id":"t1"}}`)
	})

	_, err := NewInvokeClient(Options{BaseURL: srv.URL}, nil).OpenRun(context.Background(), "t1", RunRequest{Theme: "x"})
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) || malformed.Field != "output.status" {
		t.Errorf("error = %v, want MalformedResponseError{output.status}", err)
	}
}
