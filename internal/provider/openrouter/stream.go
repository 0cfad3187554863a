package openrouter

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/leapstack-labs/leapcompare/internal/provider"
	"github.com/leapstack-labs/leapcompare/pkg/core"
)

const maxLineSize = 1 << 20

// sseStream turns an OpenRouter SSE body into provider events.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	pending []provider.Event
	usage   *core.Usage
	done    bool
	err     error
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &sseStream{body: body, scanner: scanner}
}

// Recv returns the next event. After KindDone or KindError it returns io.EOF.
func (s *sseStream) Recv() (provider.Event, error) {
	for len(s.pending) == 0 {
		if s.err != nil {
			return provider.Event{}, s.err
		}
		if s.done {
			return provider.Event{}, io.EOF
		}
		s.readLine()
	}

	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *sseStream) readLine() {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			s.err = err
			return
		}
		// body ended without [DONE]
		s.err = &ClassifiedError{Type: ErrMalformedResponse, Message: "stream ended before completion"}
		return
	}

	line := s.scanner.Text()
	if !strings.HasPrefix(line, "data:") {
		// comments (": OPENROUTER PROCESSING"), event names and blank separators
		return
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

	if data == "[DONE]" {
		s.finish()
		return
	}

	var c chunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		s.err = &ClassifiedError{Type: ErrMalformedResponse, Message: fmt.Sprintf("parse chunk: %v", err)}
		return
	}

	if c.Error != nil {
		msg := c.Error.Message
		if msg == "" {
			msg = "upstream error"
		}
		s.pending = append(s.pending, provider.Event{Kind: provider.KindError, Err: errors.New(msg)})
		s.done = true
		return
	}

	for _, choice := range c.Choices {
		if choice.Delta.Reasoning != "" {
			s.pending = append(s.pending, provider.Event{Kind: provider.KindReasoning, Text: choice.Delta.Reasoning})
		}
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, provider.Event{Kind: provider.KindText, Text: choice.Delta.Content})
		}
		if choice.FinishReason != nil && *choice.FinishReason == "error" {
			s.pending = append(s.pending, provider.Event{Kind: provider.KindError, Err: errors.New("upstream finished with error")})
			s.done = true
			return
		}
	}

	if c.Usage != nil {
		s.usage = &core.Usage{InputTokens: c.Usage.PromptTokens, OutputTokens: c.Usage.CompletionTokens}
		s.pending = append(s.pending, provider.Event{Kind: provider.KindUsage, Usage: s.usage})
	}
}

func (s *sseStream) finish() {
	s.pending = append(s.pending, provider.Event{Kind: provider.KindDone, Usage: s.usage})
	s.done = true
}

// Close releases the response body.
func (s *sseStream) Close() error {
	return s.body.Close()
}
