package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/HyphaGroup/gatekeeper/internal/metrics"
)

// maxErrorBody bounds how much of a failed response is kept for messages.
const maxErrorBody = 4096

// Options configures a transport.
type Options struct {
	BaseURL     string
	AssistantID string

	// StreamTimeout aborts a run stream with AbortTimeout after this long.
	// Zero disables the timeout.
	StreamTimeout time.Duration

	// RequestsPerSecond paces outbound requests. Zero or less disables pacing.
	RequestsPerSecond float64
	Burst             int

	// HTTPClient overrides the client used for requests. Its Timeout must
	// be zero for streaming to work.
	HTTPClient *http.Client
}

// active is the handle of the one open stream. It exists before the HTTP
// exchange completes so a cancel that races the open still takes effect.
type active struct {
	cancel context.CancelCauseFunc
}

// base carries what both transports share: the HTTP client, request pacing
// and the single open-stream slot.
type base struct {
	opts    Options
	client  *http.Client
	limiter *rate.Limiter

	mu     sync.Mutex
	stream *active
}

func newBase(opts Options) *base {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Transport: metrics.InstrumentTransport(nil)}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &base{
		opts:    opts,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Cancel aborts the open stream, if any.
func (b *base) Cancel(reason AbortReason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream != nil {
		b.stream.cancel(&AbortError{Reason: reason})
		b.stream = nil
	}
}

// beginStream supersedes any open stream and registers a new one. The
// returned release clears the slot only if it still belongs to this stream.
func (b *base) beginStream(parent context.Context) (context.Context, context.CancelCauseFunc, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stream != nil {
		b.stream.cancel(&AbortError{Reason: AbortSuperseded})
	}

	ctx, cancel := context.WithCancelCause(parent)
	if b.opts.StreamTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, b.opts.StreamTimeout, &AbortError{Reason: AbortTimeout})
		outer := cancel
		cancel = func(cause error) {
			outer(cause)
			stop()
		}
	}

	handle := &active{cancel: cancel}
	b.stream = handle
	release := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.stream == handle {
			b.stream = nil
		}
	}
	return ctx, cancel, release
}

// do sends a JSON request and returns the response for any status.
func (b *base) do(ctx context.Context, op, method, path string, body any) (*http.Response, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		if cause := abortCause(ctx); cause != nil {
			return nil, cause
		}
		return nil, &TransportError{Op: op, Err: err}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.opts.BaseURL+path, reader)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	slog.DebugContext(ctx, "sending request", "op", op, "method", method, "path", path)
	resp, err := b.client.Do(req)
	if err != nil {
		if cause := abortCause(ctx); cause != nil {
			return nil, cause
		}
		metrics.RecordTransportError(op)
		return nil, &TransportError{Op: op, Err: err}
	}
	return resp, nil
}

// doJSON sends a request and decodes a 2xx JSON object response.
func (b *base) doJSON(ctx context.Context, op, method, path string, body any) (map[string]any, error) {
	resp, err := b.do(ctx, op, method, path, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(op, resp); err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.RecordTransportError(op)
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if out == nil {
		return nil, &MalformedResponseError{Op: op, Field: "body"}
	}
	return out, nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	metrics.RecordTransportError(op)
	return &TransportError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

// HTTPClient is the transport for the streaming graph server deployment.
type HTTPClient struct {
	*base
}

var _ Transport = (*HTTPClient)(nil)

// NewHTTPClient creates a streaming transport.
func NewHTTPClient(opts Options) *HTTPClient {
	return &HTTPClient{base: newBase(opts)}
}

// CreateSession allocates a new thread on the server.
func (c *HTTPClient) CreateSession(ctx context.Context) (string, error) {
	out, err := c.doJSON(ctx, "create session", http.MethodPost, "/threads", map[string]any{})
	if err != nil {
		return "", err
	}
	id, _ := out["thread_id"].(string)
	if id == "" {
		metrics.RecordTransportError("create session")
		return "", &MalformedResponseError{Op: "create session", Field: "thread_id"}
	}
	return id, nil
}

// OpenRun starts or resumes a run and returns its frame stream.
func (c *HTTPClient) OpenRun(ctx context.Context, sessionID string, req RunRequest) (*Stream, error) {
	op := "open run"
	if req.IsResume() {
		op = "resume run"
	}

	streamCtx, cancel, release := c.beginStream(ctx)
	path := "/threads/" + url.PathEscape(sessionID) + "/runs/stream"
	resp, err := c.do(streamCtx, op, http.MethodPost, path, newRunBody(c.opts.AssistantID, req))
	if err != nil {
		cancel(nil)
		release()
		return nil, err
	}
	if err := checkStatus(op, resp); err != nil {
		_ = resp.Body.Close()
		cancel(nil)
		release()
		return nil, err
	}
	return newStream(streamCtx, cancel, resp.Body, release), nil
}

// FetchSnapshot polls the current thread state.
func (c *HTTPClient) FetchSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	out, err := c.doJSON(ctx, "fetch snapshot", http.MethodGet, "/threads/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(out), nil
}
