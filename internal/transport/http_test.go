package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/gatekeeper/internal/sse"
)

// fakeServer records request bodies and serves scripted responses.
type fakeServer struct {
	t      *testing.T
	mu     sync.Mutex
	bodies map[string][]map[string]any
	mux    *http.ServeMux
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{t: t, bodies: make(map[string][]map[string]any), mux: http.NewServeMux()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			var body map[string]any
			if len(data) > 0 {
				_ = json.Unmarshal(data, &body)
			}
			f.mu.Lock()
			f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
			f.mu.Unlock()
		}
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) lastBody(path string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.bodies[path]
	if len(list) == 0 {
		f.t.Fatalf("no request recorded for %s", path)
	}
	return list[len(list)-1]
}

// writeChunks streams body in small pieces with a flush after each.
func writeChunks(w http.ResponseWriter, body string, size int) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for len(body) > 0 {
		n := size
		if n > len(body) {
			n = len(body)
		}
		_, _ = io.WriteString(w, body[:n])
		flusher.Flush()
		body = body[n:]
	}
}

// holdOpen sends headers and blocks until the client goes away.
func holdOpen(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	w.(http.Flusher).Flush()
	<-r.Context().Done()
}

func collect(t *testing.T, s *Stream) []sse.Frame {
	t.Helper()
	var frames []sse.Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func TestCreateSession(t *testing.T) {
	f, srv := newFakeServer(t)
	f.mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"thread_id":"t-123","created_at":"now"}`)
	})

	c := NewHTTPClient(Options{BaseURL: srv.URL + "/"})
	id, err := c.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if id != "t-123" {
		t.Errorf("id = %q, want t-123", id)
	}
}

func TestCreateSession_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "missing thread id",
			status: http.StatusOK,
			body:   `{"metadata":{}}`,
			check: func(t *testing.T, err error) {
				var malformed *MalformedResponseError
				if !errors.As(err, &malformed) || malformed.Field != "thread_id" {
					t.Errorf("error = %v, want MalformedResponseError{thread_id}", err)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   "boom",
			check: func(t *testing.T, err error) {
				var te *TransportError
				if !errors.As(err, &te) {
					t.Fatalf("error = %v, want TransportError", err)
				}
				if te.Status != 500 || te.Body != "boom" {
					t.Errorf("TransportError = %+v", te)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeServer(t)
			f.mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := NewHTTPClient(Options{BaseURL: srv.URL}).CreateSession(context.Background())
			tt.check(t, err)
		})
	}
}

const streamBody = "event: metadata\r\ndata: {\"run_id\":\"r1\"}\r\n\r\n" +
	"event: updates\r\ndata: {\"research_start\":{\"current_step\":\"research_agent\"}}\r\n\r\n" +
	": keepalive\n\n" +
	"event: values\ndata: {\"current_step\":\"research_agent\"}"

func TestOpenRun_Start(t *testing.T) {
	f, srv := newFakeServer(t)
	f.mux.HandleFunc("POST /threads/t1/runs/stream", func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, streamBody, 7)
	})

	c := NewHTTPClient(Options{BaseURL: srv.URL, AssistantID: "agent"})
	s, err := c.OpenRun(context.Background(), "t1", RunRequest{Theme: "Lunar mining"})
	if err != nil {
		t.Fatalf("OpenRun() error = %v", err)
	}

	frames := collect(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
	wantEvents := []string{"metadata", "updates", "values"}
	if len(frames) != len(wantEvents) {
		t.Fatalf("got %d frames, want %d", len(frames), len(wantEvents))
	}
	for i, want := range wantEvents {
		if frames[i].Event != want {
			t.Errorf("frames[%d].Event = %q, want %q", i, frames[i].Event, want)
		}
	}
	if s.FrameCount() != 3 {
		t.Errorf("FrameCount() = %d, want 3", s.FrameCount())
	}

	body := f.lastBody("/threads/t1/runs/stream")
	if body["assistant_id"] != "agent" || body["on_disconnect"] != "cancel" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["command"]; ok {
		t.Error("start request must not carry a command")
	}
	input := body["input"].(map[string]any)
	msgs := input["research_messages"].([]any)
	first := msgs[0].(map[string]any)
	if first["role"] != "user" || first["content"] != "Theme: Lunar mining" {
		t.Errorf("research_messages[0] = %v", first)
	}
	if input["current_step"] != "start" || input["loop_count"] != float64(0) {
		t.Errorf("input = %v", input)
	}
	modes := body["stream_mode"].([]any)
	if len(modes) != 2 || modes[0] != "updates" || modes[1] != "values" {
		t.Errorf("stream_mode = %v", modes)
	}
}

func TestOpenRun_Resume(t *testing.T) {
	f, srv := newFakeServer(t)
	f.mux.HandleFunc("POST /threads/t1/runs/stream", func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "event: end\ndata: null\n\n", 64)
	})

	c := NewHTTPClient(Options{BaseURL: srv.URL, AssistantID: "agent"})
	s, err := c.OpenRun(context.Background(), "t1", RunRequest{Decision: "retry"})
	if err != nil {
		t.Fatalf("OpenRun() error = %v", err)
	}
	collect(t, s)

	body := f.lastBody("/threads/t1/runs/stream")
	if _, ok := body["input"]; ok {
		t.Error("resume request must not carry an input")
	}
	cmd, _ := body["command"].(map[string]any)
	if cmd["resume"] != "retry" {
		t.Errorf("command = %v, want resume=retry", body["command"])
	}
}

func TestOpenRun_HTTPError(t *testing.T) {
	f, srv := newFakeServer(t)
	f.mux.HandleFunc("POST /threads/gone/runs/stream", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"Thread not found"}`, http.StatusNotFound)
	})

	_, err := NewHTTPClient(Options{BaseURL: srv.URL}).OpenRun(context.Background(), "gone", RunRequest{Theme: "x"})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want TransportError", err)
	}
	if te.Status != http.StatusNotFound || !strings.Contains(te.Body, "Thread not found") {
		t.Errorf("TransportError = %+v", te)
	}
}

func TestOpenRun_SupersedesOpenStream(t *testing.T) {
	f, srv := newFakeServer(t)
	f.mux.HandleFunc("POST /threads/a/runs/stream", holdOpen)
	f.mux.HandleFunc("POST /threads/b/runs/stream", func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "event: values\ndata: {}\n\n", 64)
	})

	c := NewHTTPClient(Options{BaseURL: srv.URL})
	first, err := c.OpenRun(context.Background(), "a", RunRequest{Theme: "x"})
	if err != nil {
		t.Fatalf("first OpenRun() error = %v", err)
	}
	second, err := c.OpenRun(context.Background(), "b", RunRequest{Theme: "y"})
	if err != nil {
		t.Fatalf("second OpenRun() error = %v", err)
	}

	collect(t, first)
	if reason, ok := AbortReasonOf(first.Err()); !ok || reason != AbortSuperseded {
		t.Errorf("first.Err() = %v, want superseded abort", first.Err())
	}
	collect(t, second)
	if err := second.Err(); err != nil {
		t.Errorf("second.Err() = %v, want nil", err)
	}
}

func TestCancel(t *testing.T) {
	f, srv := newFakeServer(t)
	f.mux.HandleFunc("POST /threads/a/runs/stream", holdOpen)

	c := NewHTTPClient(Options{BaseURL: srv.URL})
	s, err := c.OpenRun(context.Background(), "a", RunRequest{Theme: "x"})
	if err != nil {
		t.Fatalf("OpenRun() error = %v", err)
	}

	c.Cancel(AbortUser)
	collect(t, s)
	if reason, ok := AbortReasonOf(s.Err()); !ok || reason != AbortUser {
		t.Errorf("Err() = %v, want user abort", s.Err())
	}

	// Cancelling with nothing open is a no-op.
	c.Cancel(AbortUser)
}

func TestStreamTimeout(t *testing.T) {
	f, srv := newFakeServer(t)
	f.mux.HandleFunc("POST /threads/a/runs/stream", holdOpen)

	c := NewHTTPClient(Options{BaseURL: srv.URL, StreamTimeout: 50 * time.Millisecond})
	s, err := c.OpenRun(context.Background(), "a", RunRequest{Theme: "x"})
	if err != nil {
		t.Fatalf("OpenRun() error = %v", err)
	}
	collect(t, s)
	if reason, ok := AbortReasonOf(s.Err()); !ok || reason != AbortTimeout {
		t.Errorf("Err() = %v, want timeout abort", s.Err())
	}
}

func TestFetchSnapshot(t *testing.T) {
	f, srv := newFakeServer(t)
	f.mux.HandleFunc("GET /threads/t1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{
			"thread_id": "t1",
			"status": "interrupted",
			"values": {"current_step": "human_approval", "final_report": "  "},
			"interrupts": {"task-1": [{"value": {"kind": "approval_request", "question": "Proceed?"}}]}
		}`)
	})

	snap, err := NewHTTPClient(Options{BaseURL: srv.URL}).FetchSnapshot(context.Background(), "t1")
	if err != nil {
		t.Fatalf("FetchSnapshot() error = %v", err)
	}
	if snap.ThreadID != "t1" || snap.Status != "interrupted" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.CurrentStep() != "human_approval" {
		t.Errorf("CurrentStep() = %q", snap.CurrentStep())
	}
	if snap.FinalReport() != "" {
		t.Errorf("FinalReport() = %q, want blank report ignored", snap.FinalReport())
	}
	in := snap.Interrupt()
	if in == nil || in.Question != "Proceed?" {
		t.Errorf("Interrupt() = %+v", in)
	}
}

func TestRateLimitedRequestHonorsContext(t *testing.T) {
	f, srv := newFakeServer(t)
	f.mux.HandleFunc("GET /threads/t1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"idle","values":{}}`)
	})

	c := NewHTTPClient(Options{BaseURL: srv.URL, RequestsPerSecond: 0.001, Burst: 1})
	if _, err := c.FetchSnapshot(context.Background(), "t1"); err != nil {
		t.Fatalf("first FetchSnapshot() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.FetchSnapshot(ctx, "t1"); err == nil {
		t.Error("expected the paced request to fail once its context expires")
	}
}
