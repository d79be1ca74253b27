// Package audit records the operations that change a run, one JSON line
// per operation, separate from the diagnostic log.
package audit

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpRunStart   Operation = "run.start"
	OpRunResume  Operation = "run.resume"
	OpRunCancel  Operation = "run.cancel"
	OpRunReset   Operation = "run.reset"
	OpRunRestore Operation = "run.restore"
)

// Event represents an audit log entry
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Operation Operation `json:"operation"`
	ThreadID  string    `json:"thread_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Decision  string    `json:"decision,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	enabled bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger. It writes to stderr so stdout
// stays free for command output and the MCP stdio transport.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stderr, true)
	})
	return defaultLogger
}

// New creates a new audit logger writing JSON records to w
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: enabled,
	}
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	if !l.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.Time("at", event.Timestamp),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.ThreadID != "" {
		attrs = append(attrs, slog.String("thread_id", event.ThreadID))
	}
	if event.RunID != "" {
		attrs = append(attrs, slog.String("run_id", event.RunID))
	}
	if event.Decision != "" {
		attrs = append(attrs, slog.String("decision", event.Decision))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record logs op for a thread, successful when err is nil
func (l *Logger) Record(op Operation, threadID, runID string, err error) {
	event := &Event{
		Operation: op,
		ThreadID:  threadID,
		RunID:     runID,
		Success:   err == nil,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}
