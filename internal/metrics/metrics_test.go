package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/threads", "/threads"},
		{"/threads/0b6c/runs/stream", "/threads/{id}/runs/stream"},
		{"/threads/0b6c", "/threads/{id}"},
		{"/agent/invoke", "/agent/invoke"},
		{"/api/v1/threads/abc/runs/stream", "/threads/{id}/runs/stream"},
		{"/healthz", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestInstrumentTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	counter := RequestsTotal.WithLabelValues(http.MethodGet, "/threads/{id}", "404")
	before := testutil.ToFloat64(counter)

	client := &http.Client{Transport: InstrumentTransport(nil)}
	resp, err := client.Get(srv.URL + "/threads/t-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = resp.Body.Close()

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("requests counted = %v, want 1", got)
	}
}

func TestRecordFrame_StripsNamespace(t *testing.T) {
	counter := FramesTotal.WithLabelValues("updates")
	before := testutil.ToFloat64(counter)

	RecordFrame("updates|research_agent:3f2a")
	RecordFrame("updates")

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("frames counted = %v, want 2", got)
	}
}

func TestHandler(t *testing.T) {
	RecordTransition("idle", "starting")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "gatekeeper_phase_transitions_total") {
		t.Error("metrics output missing gatekeeper_phase_transitions_total")
	}
}
