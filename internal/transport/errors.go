package transport

import (
	"context"
	"errors"
	"fmt"
)

// AbortReason says why an open stream was torn down.
type AbortReason string

const (
	// AbortUser is an explicit cancel from the person driving the run.
	AbortUser AbortReason = "user"
	// AbortSuperseded means a newer operation replaced the stream.
	AbortSuperseded AbortReason = "superseded"
	// AbortTimeout means the per-stream deadline elapsed.
	AbortTimeout AbortReason = "timeout"
)

// AbortError is the cancellation cause attached to a stream's context.
type AbortError struct {
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("stream aborted: %s", e.Reason)
}

// AbortReasonOf reports the abort reason carried by err, if any.
func AbortReasonOf(err error) (AbortReason, bool) {
	var abort *AbortError
	if errors.As(err, &abort) {
		return abort.Reason, true
	}
	return "", false
}

// abortCause converts a finished context into the error a stream reports.
// A context cancelled without an AbortError cause counts as a user abort.
func abortCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		return nil
	}
	var abort *AbortError
	if errors.As(cause, &abort) {
		return abort
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return &AbortError{Reason: AbortTimeout}
	}
	return &AbortError{Reason: AbortUser}
}

// TransportError is a non-success HTTP response or a failed exchange.
type TransportError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.Status, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("%s: server returned %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": transport failure"
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedResponseError means a success response lacked a required field.
type MalformedResponseError struct {
	Op    string
	Field string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: missing %s", e.Op, e.Field)
}

// ProtocolWarning is a recoverable oddity in the stream. It never changes the
// run phase.
type ProtocolWarning struct {
	Message string
}

func (w *ProtocolWarning) Error() string {
	return "protocol warning: " + w.Message
}
