package transport

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestStream_NoFramesAfterAbort(t *testing.T) {
	body := strings.Repeat("event: updates\ndata: {\"research_agent\": {}}\n\n", 8)

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancelCause(context.Background())
		cancel(&AbortError{Reason: AbortUser})

		s := NewStream(ctx, io.NopCloser(strings.NewReader(body)))
		for f := range s.Frames() {
			t.Fatalf("frame %q delivered after abort", f.Event)
		}
		if reason, ok := AbortReasonOf(s.Err()); !ok || reason != AbortUser {
			t.Fatalf("Err() = %v, want user abort", s.Err())
		}
		if n := s.FrameCount(); n != 0 {
			t.Fatalf("FrameCount() = %d, want 0", n)
		}
	}
}

func TestStream_EmptyBody(t *testing.T) {
	s := NewStream(context.Background(), io.NopCloser(strings.NewReader("")))
	for range s.Frames() {
		t.Fatal("frame from an empty body")
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if n := s.FrameCount(); n != 0 {
		t.Errorf("FrameCount() = %d, want 0", n)
	}
}
