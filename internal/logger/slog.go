package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	slogger  *slog.Logger
	logFile  *os.File
	levelVar = new(slog.LevelVar)
)

// InitSlog initializes the slog-based logger.
// Records go to a daily file in logDir and, if console is non-nil, to
// console as well. If jsonOutput is true, logs are formatted as JSON.
func InitSlog(logDir string, jsonOutput bool, console io.Writer) error {
	// Create log directory if it doesn't exist
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	// Create log file with timestamp
	logFileName := "gatekeeper-" + time.Now().Format("2006-01-02") + ".log"
	logFilePath := filepath.Join(logDir, logFileName)

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	var writer io.Writer = logFile
	if console != nil {
		writer = io.MultiWriter(console, logFile)
	}

	slogger = slog.New(newHandler(writer, jsonOutput))
	slog.SetDefault(slogger)

	return nil
}

// InitWriter points the logger at w only. Used when no data directory is
// available and by tests.
func InitWriter(w io.Writer, jsonOutput bool) {
	slogger = slog.New(newHandler(w, jsonOutput))
	slog.SetDefault(slogger)
}

func newHandler(w io.Writer, jsonOutput bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: levelVar}
	if jsonOutput {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetDebug enables or disables debug level logging
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// CloseSlog closes the slog log file
func CloseSlog() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()

	// Extract common fields from context if available
	if threadID := ctx.Value(ContextKeyThreadID); threadID != nil {
		logger = logger.With("thread_id", threadID)
	}
	if runID := ctx.Value(ContextKeyRunID); runID != nil {
		logger = logger.With("run_id", runID)
	}
	if op := ctx.Value(ContextKeyOperation); op != nil {
		logger = logger.With("operation", op)
	}

	return logger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyThreadID  contextKey = "thread_id"
	ContextKeyRunID     contextKey = "run_id"
	ContextKeyOperation contextKey = "operation"
)

// WithThreadID tags ctx with the session's thread id
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ContextKeyThreadID, threadID)
}

// WithRun tags ctx with a run id and the operation driving it. An empty
// runID tags the operation only.
func WithRun(ctx context.Context, runID, operation string) context.Context {
	if runID != "" {
		ctx = context.WithValue(ctx, ContextKeyRunID, runID)
	}
	return context.WithValue(ctx, ContextKeyOperation, operation)
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
