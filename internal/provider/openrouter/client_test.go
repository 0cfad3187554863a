package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leapstack-labs/leapcompare/internal/provider"
	"github.com/leapstack-labs/leapcompare/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(_ context.Context, _ time.Duration) {}

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-key",
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithSleepFunc(noSleep),
		WithLogger(testutil.NewTestLogger(t)),
	)
}

func writeSSE(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		_, _ = fmt.Fprintf(w, "%s\n\n", line)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func collect(t *testing.T, s provider.Stream) ([]provider.Event, error) {
	t.Helper()
	var events []provider.Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestClient_Stream(t *testing.T) {
	var got chatRequest
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		writeSSE(w,
			": OPENROUTER PROCESSING",
			`data: {"id":"1","choices":[{"delta":{"role":"assistant","reasoning":"hmm"}}]}`,
			`data: {"id":"1","choices":[{"delta":{"content":"Hel"}}]}`,
			`data: {"id":"1","choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`data: {"id":"1","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2}}`,
			"data: [DONE]",
		)
	})

	s, err := client.Stream(context.Background(), "openai/gpt-4o", []provider.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	defer s.Close()

	events, err := collect(t, s)
	require.NoError(t, err)

	assert.True(t, got.Stream)
	assert.Equal(t, "openai/gpt-4o", got.Model)
	require.NotNil(t, got.Usage)
	assert.True(t, got.Usage.Include)

	require.Len(t, events, 5)
	assert.Equal(t, provider.Event{Kind: provider.KindReasoning, Text: "hmm"}, events[0])
	assert.Equal(t, provider.Event{Kind: provider.KindText, Text: "Hel"}, events[1])
	assert.Equal(t, provider.Event{Kind: provider.KindText, Text: "lo"}, events[2])
	assert.Equal(t, provider.KindUsage, events[3].Kind)
	assert.Equal(t, 7, events[3].Usage.InputTokens)
	assert.Equal(t, provider.KindDone, events[4].Kind)
	require.NotNil(t, events[4].Usage)
	assert.Equal(t, 2, events[4].Usage.OutputTokens)
}

func TestClient_Stream_InBandError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w,
			`data: {"choices":[{"delta":{"content":"partial"}}]}`,
			`data: {"error":{"message":"model overloaded","code":502}}`,
		)
	})

	s, err := client.Stream(context.Background(), "m", nil)
	require.NoError(t, err)
	defer s.Close()

	events, err := collect(t, s)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, provider.KindText, events[0].Kind)
	assert.Equal(t, provider.KindError, events[1].Kind)
	assert.EqualError(t, events[1].Err, "model overloaded")
}

func TestClient_Stream_TruncatedBody(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeSSE(w, `data: {"choices":[{"delta":{"content":"cut"}}]}`)
	})

	s, err := client.Stream(context.Background(), "m", nil)
	require.NoError(t, err)
	defer s.Close()

	events, err := collect(t, s)
	require.Error(t, err)
	require.Len(t, events, 1)

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrMalformedResponse, ce.Type)
}

func TestClient_Stream_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		writeSSE(w, `data: {"choices":[{"delta":{"content":"ok"}}]}`, "data: [DONE]")
	})

	s, err := client.Stream(context.Background(), "m", nil)
	require.NoError(t, err)
	defer s.Close()

	events, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "ok", events[0].Text)
}

func TestClient_Stream_HTTPErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantType  ErrorType
		wantCalls int32
	}{
		{"auth is not retried", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, ErrAuth, 1},
		{"context length is not retried", http.StatusBadRequest, `{"error":{"message":"maximum context length is 8192"}}`, ErrContextTooLong, 1},
		{"content filter", http.StatusBadRequest, `{"error":{"message":"flagged","code":"content_filter"}}`, ErrContentFiltered, 1},
		{"overloaded is retried", http.StatusServiceUnavailable, ``, ErrProviderOverloaded, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Stream(context.Background(), "m", nil)
			require.Error(t, err)

			var ce *ClassifiedError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantType, ce.Type)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestClient_Stream_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	client := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	for range 3 {
		_, err := client.Stream(context.Background(), "flaky", nil)
		require.Error(t, err)
	}
	before := calls.Load()

	_, err := client.Stream(context.Background(), "flaky", nil)
	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrProviderOverloaded, ce.Type)
	assert.Contains(t, ce.Message, "circuit breaker open")
	assert.Equal(t, before, calls.Load(), "open breaker short-circuits the request")

	// other models are isolated
	_, err = client.Stream(context.Background(), "other", nil)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrUnknown, ce.Type)
}

func TestClient_Stream_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `data: {"choices":[{"delta":{"content":"a"}}]}`)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := client.Stream(ctx, "m", nil)
	require.NoError(t, err)
	defer s.Close()

	ev, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Text)

	cancel()
	_, err = s.Recv()
	assert.Error(t, err)
}

func TestClassifyHTTPError_RetryAfter(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"3"}},
		Body:       io.NopCloser(strings.NewReader("")),
	}
	ce := classifyHTTPError(resp)
	assert.Equal(t, ErrRateLimit, ce.Type)
	assert.Equal(t, 3*time.Second, ce.RetryAfter)
	assert.Equal(t, "Too Many Requests", ce.Message)
	assert.True(t, ce.Retryable())
}

func TestRetryDelay(t *testing.T) {
	d := retryDelay(&ClassifiedError{Type: ErrProviderOverloaded}, 10)
	assert.LessOrEqual(t, d, 12*time.Second)
	assert.GreaterOrEqual(t, d, 4*time.Second)
}
