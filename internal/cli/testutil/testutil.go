// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/leapstack-labs/leapcompare/internal/cli/output"
	"github.com/leapstack-labs/leapcompare/pkg/core"
)

// TestRenderer wraps a Renderer with captured output buffers.
type TestRenderer struct {
	*output.Renderer
	Out    *bytes.Buffer
	ErrOut *bytes.Buffer
}

// NewTestRenderer creates a renderer writing to buffers.
func NewTestRenderer(mode output.OutputMode, isTTY bool) *TestRenderer {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &TestRenderer{
		Renderer: output.NewRendererWithTTY(out, errOut, isTTY, mode),
		Out:      out,
		ErrOut:   errOut,
	}
}

// NewTestRendererText creates a text-mode renderer on a fake TTY.
func NewTestRendererText() *TestRenderer {
	return NewTestRenderer(output.ModeText, true)
}

// NewTestRendererMarkdown creates a markdown-mode renderer.
func NewTestRendererMarkdown() *TestRenderer {
	return NewTestRenderer(output.ModeMarkdown, false)
}

// NewTestRendererJSON creates a JSON-mode renderer.
func NewTestRendererJSON() *TestRenderer {
	return NewTestRenderer(output.ModeJSON, false)
}

// Output returns captured stdout.
func (tr *TestRenderer) Output() string {
	return tr.Out.String()
}

// ErrorOutput returns captured stderr.
func (tr *TestRenderer) ErrorOutput() string {
	return tr.ErrOut.String()
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// AssertNoANSI fails if s contains ANSI escape codes.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	if ansiPattern.MatchString(s) {
		t.Errorf("output contains ANSI codes: %q", s)
	}
}

// StripANSI removes ANSI escape codes.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// AssertValidMarkdown checks that md starts with a header and has no ANSI codes.
func AssertValidMarkdown(t *testing.T, md string) {
	t.Helper()
	AssertNoANSI(t, md)
	if !strings.HasPrefix(strings.TrimSpace(md), "#") {
		t.Errorf("markdown should start with a header, got: %q", md)
	}
}

// SampleSnapshot returns a finished run with one completed and one failed model.
func SampleSnapshot() *core.RunSnapshot {
	ms := int64(1250)
	return &core.RunSnapshot{
		Run: &core.CompareRun{
			ID:       "run-1",
			ChatID:   "chat-1",
			UserID:   "user-1",
			Prompt:   "What is a monad?",
			ModelIDs: []string{"alpha", "beta"},
			Status:   core.RunStatusCompleted,
		},
		Results: []*core.CompareResult{
			{
				RunID:           "run-1",
				ModelID:         "alpha",
				Status:          core.ResultStatusCompleted,
				Content:         "A monoid in the category of endofunctors.",
				Reasoning:       "Recall the joke.",
				Usage:           &core.Usage{InputTokens: 5, OutputTokens: 8},
				InferenceTimeMS: &ms,
			},
			{
				RunID:   "run-1",
				ModelID: "beta",
				Status:  core.ResultStatusFailed,
				Content: "A mon",
				Error:   "connection reset",
			},
		},
	}
}
