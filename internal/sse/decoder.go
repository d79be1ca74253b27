// Package sse decodes Server-Sent Events framing from a byte stream.
//
// decoder.go - incremental frame decoder
//
// This file contains:
// - Frame, one decoded event block
// - Decoder, an append-only buffer that yields complete frames per chunk
//
// The decoder is fed whatever chunk sizes the network delivers. A chunk may
// end mid-line, mid-field or between the two bytes of a CRLF pair; the
// decoder holds partial input until the blank-line delimiter arrives, so
// the frames produced never depend on where the chunks were split.

package sse

import (
	"encoding/json"
	"strings"
)

// DefaultEvent is the event name used when a block carries data but no
// "event:" field.
const DefaultEvent = "message"

// Frame is one decoded SSE block.
type Frame struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event"`
	// Data is the decoded JSON value of the joined data lines, or the raw
	// string when they are not valid JSON.
	Data any `json:"data"`
	// Raw is the joined data text before JSON decoding.
	Raw string `json:"-"`
}

// Object returns Data as a JSON object, if it is one.
func (f Frame) Object() (map[string]any, bool) {
	obj, ok := f.Data.(map[string]any)
	return obj, ok
}

// Decoder turns arbitrary chunks into frames. It is not safe for
// concurrent use; one decoder belongs to one stream reader.
type Decoder struct {
	buf       strings.Builder
	pendingCR bool
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk and returns every frame completed by it, in order.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if len(chunk) == 0 {
		return nil
	}
	s := string(chunk)
	if d.pendingCR {
		s = "\r" + s
		d.pendingCR = false
	}
	// A trailing CR may be the first half of a CRLF split across chunks.
	if strings.HasSuffix(s, "\r") {
		s = s[:len(s)-1]
		d.pendingCR = true
	}
	d.buf.WriteString(normalizeNewlines(s))
	return d.drain()
}

// Flush returns the final block when the stream closed without a trailing
// blank line, and resets the decoder.
func (d *Decoder) Flush() []Frame {
	rest := d.buf.String()
	if d.pendingCR {
		rest += "\n"
		d.pendingCR = false
	}
	d.buf.Reset()

	var frames []Frame
	for _, block := range strings.Split(rest, "\n\n") {
		if f, ok := parseBlock(block); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

// Buffered reports how many bytes of an incomplete block are held.
func (d *Decoder) Buffered() int {
	n := d.buf.Len()
	if d.pendingCR {
		n++
	}
	return n
}

func (d *Decoder) drain() []Frame {
	pending := d.buf.String()
	var frames []Frame
	for {
		idx := strings.Index(pending, "\n\n")
		if idx < 0 {
			break
		}
		block := pending[:idx]
		pending = pending[idx+2:]
		if f, ok := parseBlock(block); ok {
			frames = append(frames, f)
		}
	}
	d.buf.Reset()
	d.buf.WriteString(pending)
	return frames
}

func normalizeNewlines(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// parseBlock decodes one delimited block. Blocks holding only comments or
// nothing at all are dropped.
func parseBlock(block string) (Frame, bool) {
	var (
		frame     Frame
		dataLines []string
		seen      bool
	)
	for _, line := range strings.Split(block, "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			frame.Event = value
			seen = true
		case "data":
			dataLines = append(dataLines, value)
			seen = true
		case "id":
			frame.ID = value
			seen = true
		}
	}
	if !seen {
		return Frame{}, false
	}
	if frame.Event == "" {
		frame.Event = DefaultEvent
	}

	frame.Raw = strings.Join(dataLines, "\n")
	var v any
	if frame.Raw != "" && json.Unmarshal([]byte(frame.Raw), &v) == nil {
		frame.Data = v
	} else {
		frame.Data = frame.Raw
	}
	return frame, true
}
