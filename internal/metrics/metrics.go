package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts outbound requests to the graph server
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_requests_total",
			Help: "Total number of requests sent to the graph server",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks time to response headers
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_request_duration_seconds",
			Help:    "Time until response headers in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// FramesTotal counts decoded SSE frames by event name
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_frames_total",
			Help: "Total number of SSE frames decoded",
		},
		[]string{"event"},
	)

	// FactsTotal counts classifier output by kind
	FactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_facts_total",
			Help: "Total number of facts derived from frames",
		},
		[]string{"kind"},
	)

	// PhaseTransitions counts run phase changes
	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_phase_transitions_total",
			Help: "Total number of run phase transitions",
		},
		[]string{"from", "to"},
	)

	// TransportErrors counts failed exchanges by operation
	TransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_transport_errors_total",
			Help: "Total number of transport and malformed-response errors",
		},
		[]string{"op"},
	)

	// StreamAborts counts torn-down streams by reason
	StreamAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_stream_aborts_total",
			Help: "Total number of aborted streams",
		},
		[]string{"reason"},
	)

	// StreamDuration tracks how long run streams stay open
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_stream_duration_seconds",
			Help:    "Run stream duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"outcome"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// roundTripper wraps an http.RoundTripper to record request metrics
type roundTripper struct {
	next http.RoundTripper
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := rt.next.RoundTrip(req)

	path := normalizePath(req.URL.Path)
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	RequestsTotal.WithLabelValues(req.Method, path, status).Inc()
	RequestDuration.WithLabelValues(req.Method, path).Observe(time.Since(start).Seconds())
	return resp, err
}

// InstrumentTransport returns a RoundTripper that records request metrics.
// A nil next uses http.DefaultTransport.
func InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &roundTripper{next: next}
}

// normalizePath replaces thread ids so label cardinality stays bounded.
// A base URL path prefix is ignored.
func normalizePath(path string) string {
	switch {
	case strings.HasSuffix(path, "/agent/invoke"):
		return "/agent/invoke"
	case strings.HasSuffix(path, "/threads"):
		return "/threads"
	case strings.Contains(path, "/threads/") && strings.HasSuffix(path, "/runs/stream"):
		return "/threads/{id}/runs/stream"
	case strings.Contains(path, "/threads/"):
		return "/threads/{id}"
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFrame records one decoded frame
func RecordFrame(event string) {
	if i := strings.IndexByte(event, '|'); i >= 0 {
		event = event[:i]
	}
	FramesTotal.WithLabelValues(event).Inc()
}

// RecordFact records one classifier fact
func RecordFact(kind string) {
	FactsTotal.WithLabelValues(kind).Inc()
}

// RecordTransition records a phase change
func RecordTransition(from, to string) {
	PhaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordTransportError records a failed exchange
func RecordTransportError(op string) {
	TransportErrors.WithLabelValues(op).Inc()
}

// RecordStreamEnd records how a stream finished and how long it ran.
// outcome is "eof", "error" or an abort reason.
func RecordStreamEnd(outcome string, durationSeconds float64) {
	StreamDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordAbort records a torn-down stream
func RecordAbort(reason string) {
	StreamAborts.WithLabelValues(reason).Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}
