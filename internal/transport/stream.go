package transport

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/HyphaGroup/gatekeeper/internal/metrics"
	"github.com/HyphaGroup/gatekeeper/internal/sse"
)

const readChunkSize = 4096

// Stream is one open run. Frames are produced by a single goroutine that
// reads the body and feeds the decoder; the stream is single-pass and
// cannot be restarted.
type Stream struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	body   io.ReadCloser

	framesCh chan sse.Frame
	doneCh   chan struct{}
	count    atomic.Int64
	err      error
	started  time.Time

	// release runs once the stream is finished, e.g. to clear it as the
	// owning client's active stream.
	release func()
}

func newStream(ctx context.Context, cancel context.CancelCauseFunc, body io.ReadCloser, release func()) *Stream {
	s := &Stream{
		ctx:      ctx,
		cancel:   cancel,
		body:     body,
		framesCh: make(chan sse.Frame, 64),
		doneCh:   make(chan struct{}),
		started:  time.Now(),
		release:  release,
	}
	// Closing the body unblocks a pending Read when the stream is aborted.
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	go s.pump(stop)
	return s
}

// NewStream wraps an SSE body read under ctx. It is for Transport
// implementations outside this package, such as replaying a recorded run.
func NewStream(ctx context.Context, body io.ReadCloser) *Stream {
	ctx, cancel := context.WithCancelCause(ctx)
	return newStream(ctx, cancel, body, nil)
}

// Frames returns the channel of decoded frames. It is closed when the body
// ends, fails, or the stream is aborted.
func (s *Stream) Frames() <-chan sse.Frame {
	return s.framesCh
}

// Done returns a channel that closes when the stream has finished.
func (s *Stream) Done() <-chan struct{} {
	return s.doneCh
}

// Err blocks until the stream finishes and returns why it ended: nil on a
// clean end of body, *AbortError on cancellation, *TransportError on a read
// failure.
func (s *Stream) Err() error {
	<-s.doneCh
	return s.err
}

// FrameCount reports how many frames have been produced so far.
func (s *Stream) FrameCount() int {
	return int(s.count.Load())
}

// Close aborts the stream if it is still open and waits for it to finish.
func (s *Stream) Close() error {
	s.cancel(&AbortError{Reason: AbortUser})
	<-s.doneCh
	return nil
}

func (s *Stream) pump(stop func() bool) {
	defer func() {
		stop()
		_ = s.body.Close()
		s.cancel(nil)
		if s.release != nil {
			s.release()
		}
		close(s.framesCh)
		close(s.doneCh)
	}()

	dec := sse.NewDecoder()
	buf := make([]byte, readChunkSize)
	for {
		n, readErr := s.body.Read(buf)
		if n > 0 {
			if !s.emit(dec.Feed(buf[:n])) {
				s.finish(abortCause(s.ctx))
				return
			}
		}
		if readErr == nil {
			continue
		}

		// An aborted context wins over whatever error the closed body gave.
		if s.ctx.Err() != nil {
			s.finish(abortCause(s.ctx))
			return
		}
		if errors.Is(readErr, io.EOF) {
			if !s.emit(dec.Flush()) {
				s.finish(abortCause(s.ctx))
				return
			}
			s.finish(nil)
			return
		}
		s.finish(&TransportError{Op: "read stream", Err: readErr})
		return
	}
}

// emit delivers frames in order. It returns false if the stream was aborted
// while waiting on the reader.
func (s *Stream) emit(frames []sse.Frame) bool {
	for _, f := range frames {
		// select picks at random when both cases are ready.
		if s.ctx.Err() != nil {
			return false
		}
		select {
		case s.framesCh <- f:
			s.count.Add(1)
			metrics.RecordFrame(f.Event)
		case <-s.ctx.Done():
			return false
		}
	}
	return true
}

func (s *Stream) finish(err error) {
	s.err = err
	outcome := "eof"
	if reason, ok := AbortReasonOf(err); ok {
		outcome = string(reason)
		metrics.RecordAbort(outcome)
	} else if err != nil {
		outcome = "error"
		metrics.RecordTransportError("read stream")
	}
	metrics.RecordStreamEnd(outcome, time.Since(s.started).Seconds())
}
