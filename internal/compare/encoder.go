package compare

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrClientGone is returned by ResponseWriter after the first failed write.
var ErrClientGone = errors.New("client connection closed")

var (
	framePrefix = []byte("data: ")
	frameSuffix = []byte("\n\n")
)

// Encode frames an event as a single SSE message: "data: <json>\n\n".
func Encode(ev Event) ([]byte, error) {
	payload, err := MarshalEvent(ev)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(framePrefix)+len(payload)+len(frameSuffix))
	frame = append(frame, framePrefix...)
	frame = append(frame, payload...)
	frame = append(frame, frameSuffix...)
	return frame, nil
}

// Decode parses one frame produced by Encode.
func Decode(frame []byte) (Event, error) {
	data, ok := bytes.CutPrefix(bytes.TrimRight(frame, "\n"), framePrefix)
	if !ok {
		return nil, fmt.Errorf("frame missing data prefix")
	}
	return UnmarshalEvent(data)
}

// ReadFrames splits an SSE body into events, calling fn for each.
// Lines other than "data:" are ignored.
func ReadFrames(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		ev, err := UnmarshalEvent([]byte(data))
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ResponseWriter writes frames to an HTTP response and flushes each one.
// After the first write error every call is a no-op returning ErrClientGone.
type ResponseWriter struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	failed bool
}

// NewResponseWriter sets the event-stream headers on w.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &ResponseWriter{w: w, rc: http.NewResponseController(w)}
}

// WriteFrame writes one encoded frame and flushes it.
func (s *ResponseWriter) WriteFrame(frame []byte) error {
	if s.failed {
		return ErrClientGone
	}
	if _, err := s.w.Write(frame); err != nil {
		s.failed = true
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.failed = true
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return nil
}

// WriteEvent encodes and writes a single event.
func (s *ResponseWriter) WriteEvent(ev Event) error {
	frame, err := Encode(ev)
	if err != nil {
		return err
	}
	return s.WriteFrame(frame)
}

// Failed reports whether the client went away.
func (s *ResponseWriter) Failed() bool {
	return s.failed
}
