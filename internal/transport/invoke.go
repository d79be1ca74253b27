package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/HyphaGroup/gatekeeper/internal/events"
)

// SnapshotCache keeps the last invoke output per thread. The invoke
// deployment has no thread-state endpoint, so this is what FetchSnapshot
// reads. LoadSnapshot returns nil data when nothing is cached.
type SnapshotCache interface {
	SaveSnapshot(threadID string, data []byte) error
	LoadSnapshot(threadID string) ([]byte, error)
}

// memoryCache is the SnapshotCache used when none is configured.
type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryCache) SaveSnapshot(threadID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[threadID] = data
	return nil
}

func (m *memoryCache) LoadSnapshot(threadID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[threadID], nil
}

// InvokeClient is the transport for the blocking deployment that exposes
// the pipeline as POST /agent/invoke. Thread ids are allocated locally and
// each call's result is presented as a single "values" frame.
type InvokeClient struct {
	*base
	cache SnapshotCache
}

var _ Transport = (*InvokeClient)(nil)

// NewInvokeClient creates an invoke transport. A nil cache keeps snapshots
// in memory only.
func NewInvokeClient(opts Options, cache SnapshotCache) *InvokeClient {
	if cache == nil {
		cache = &memoryCache{}
	}
	return &InvokeClient{base: newBase(opts), cache: cache}
}

type invokeInput struct {
	Action   string `json:"action"`
	ThreadID string `json:"thread_id"`
	Theme    string `json:"theme,omitempty"`
	Decision string `json:"decision,omitempty"`
}

// CreateSession allocates a thread id without contacting the server.
func (c *InvokeClient) CreateSession(ctx context.Context) (string, error) {
	return uuid.NewString(), nil
}

// OpenRun performs the blocking invoke and returns its result as a stream.
func (c *InvokeClient) OpenRun(ctx context.Context, sessionID string, req RunRequest) (*Stream, error) {
	op := "invoke start"
	input := invokeInput{Action: "start", ThreadID: sessionID, Theme: req.Theme}
	if req.IsResume() {
		op = "invoke resume"
		input = invokeInput{Action: "resume", ThreadID: sessionID, Decision: req.Decision}
	}

	streamCtx, cancel, release := c.beginStream(ctx)
	fail := func(err error) (*Stream, error) {
		cancel(nil)
		release()
		return nil, err
	}

	out, err := c.doJSON(streamCtx, op, http.MethodPost, "/agent/invoke", map[string]any{"input": input})
	if err != nil {
		return fail(err)
	}
	raw, err := normalizeInvokeOutput(op, sessionID, out)
	if err != nil {
		return fail(err)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fail(fmt.Errorf("%s: failed to encode snapshot: %w", op, err))
	}
	if err := c.cache.SaveSnapshot(sessionID, data); err != nil {
		return fail(fmt.Errorf("%s: failed to cache snapshot: %w", op, err))
	}

	frame, err := valuesFrame(raw)
	if err != nil {
		return fail(fmt.Errorf("%s: failed to encode frame: %w", op, err))
	}
	return newStream(streamCtx, cancel, io.NopCloser(bytes.NewReader(frame)), release), nil
}

// FetchSnapshot returns the cached result of the last invoke on the thread.
// A thread with no cached result reads as idle.
func (c *InvokeClient) FetchSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	data, err := c.cache.LoadSnapshot(sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	if data == nil {
		return NewSnapshot(map[string]any{
			"thread_id":      sessionID,
			events.KeyStatus: "idle",
			events.KeyValues: map[string]any{},
		}), nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MalformedResponseError{Op: "fetch snapshot", Field: "cached snapshot"}
	}
	return NewSnapshot(raw), nil
}

// normalizeInvokeOutput maps {output:{status, interrupt?, report?}} onto the
// thread snapshot shape: status, __interrupt__ and values.
func normalizeInvokeOutput(op, sessionID string, out map[string]any) (map[string]any, error) {
	output, ok := out["output"].(map[string]any)
	if !ok {
		return nil, &MalformedResponseError{Op: op, Field: "output"}
	}
	status, _ := output["status"].(string)
	if status == "" {
		return nil, &MalformedResponseError{Op: op, Field: "output.status"}
	}
	if id, _ := output["thread_id"].(string); id != "" {
		sessionID = id
	}

	values := map[string]any{}
	raw := map[string]any{
		"thread_id":      sessionID,
		events.KeyValues: values,
	}

	switch status {
	case events.StatusInterrupted:
		raw[events.KeyStatus] = events.StatusInterrupted
		values[events.KeyCurrentStep] = events.StageHumanApproval
		if payload, ok := output["interrupt"]; ok && payload != nil {
			raw["__interrupt__"] = []any{map[string]any{"value": payload}}
		}
	case "completed":
		raw[events.KeyStatus] = "idle"
		values[events.KeyCurrentStep] = events.StageReport
		if report, _ := output["report"].(string); report != "" {
			values[events.KeyFinalReport] = report
		}
	default:
		raw[events.KeyStatus] = status
	}
	return raw, nil
}

// valuesFrame renders the snapshot as one SSE "values" frame. The values
// object is sent at top level with the interrupt alongside it.
func valuesFrame(raw map[string]any) ([]byte, error) {
	payload := map[string]any{}
	if values, ok := raw[events.KeyValues].(map[string]any); ok {
		for k, v := range values {
			payload[k] = v
		}
	}
	if in, ok := raw["__interrupt__"]; ok {
		payload["__interrupt__"] = in
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("event: " + events.EventValues + "\n")
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}
