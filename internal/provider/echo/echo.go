// Package echo is a local adapter that streams the prompt back word by word.
// It needs no credentials and is used for development and demos.
package echo

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/leapstack-labs/leapcompare/internal/provider"
	"github.com/leapstack-labs/leapcompare/pkg/core"
)

// Adapter echoes the last user message.
type Adapter struct {
	// Delay is the pause before each chunk.
	Delay time.Duration
	// Reasoning emits a short reasoning preamble before the text.
	Reasoning bool
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates an echo adapter with the given per-chunk delay.
func New(delay time.Duration, reasoning bool) *Adapter {
	return &Adapter{Delay: delay, Reasoning: reasoning}
}

// Stream returns a stream over the words of the last user message.
func (a *Adapter) Stream(ctx context.Context, modelID string, messages []provider.Message) (provider.Stream, error) {
	prompt := lastUserMessage(messages)

	var events []provider.Event
	if a.Reasoning {
		events = append(events, provider.Event{Kind: provider.KindReasoning, Text: modelID + " is echoing the prompt."})
	}
	words := strings.SplitAfter(prompt, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		events = append(events, provider.Event{Kind: provider.KindText, Text: w})
	}
	events = append(events, provider.Event{
		Kind:  provider.KindDone,
		Usage: &core.Usage{InputTokens: countWords(messages), OutputTokens: len(words)},
	})

	return &stream{ctx: ctx, delay: a.Delay, events: events}, nil
}

type stream struct {
	ctx    context.Context
	delay  time.Duration
	events []provider.Event
}

func (s *stream) Recv() (provider.Event, error) {
	if len(s.events) == 0 {
		return provider.Event{}, io.EOF
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return provider.Event{}, s.ctx.Err()
		case <-t.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return provider.Event{}, err
	}

	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *stream) Close() error {
	s.events = nil
	return nil
}

func lastUserMessage(messages []provider.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == provider.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func countWords(messages []provider.Message) int {
	n := 0
	for _, m := range messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}
