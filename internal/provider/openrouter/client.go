// Package openrouter streams chat completions from the OpenRouter API.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/leapstack-labs/leapcompare/internal/provider"
	gobreaker "github.com/sony/gobreaker/v2"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Client opens streaming chat completions. Opening a stream is retried with
// exponential backoff and jitter, behind a circuit breaker per model.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	referer    string
	title      string
	logger     *slog.Logger
	sleepFn    func(context.Context, time.Duration)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

var _ provider.Adapter = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithBaseURL overrides the default OpenRouter base URL.
func WithBaseURL(url string) Option {
	return func(cl *Client) {
		cl.baseURL = url
	}
}

// WithLogger sets a structured logger for the client.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// WithAppInfo sets the attribution headers OpenRouter shows in its dashboard.
func WithAppInfo(referer, title string) Option {
	return func(cl *Client) {
		cl.referer = referer
		cl.title = title
	}
}

// WithSleepFunc overrides the retry sleep function.
func WithSleepFunc(fn func(context.Context, time.Duration)) Option {
	return func(cl *Client) {
		cl.sleepFn = fn
	}
}

func defaultSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// NewClient creates an OpenRouter client with the given API key and options.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		// no overall timeout: streams stay open as long as the model writes
		httpClient: &http.Client{},
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		logger:     slog.New(slog.DiscardHandler),
		sleepFn:    defaultSleep,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream opens a streaming completion for model. The returned stream reads
// until the upstream sends [DONE] or ctx is canceled.
func (c *Client) Stream(ctx context.Context, model string, messages []provider.Message) (provider.Stream, error) {
	req := chatRequest{
		Model:     model,
		Messages:  messages,
		Stream:    true,
		Usage:     &usageOption{Include: true},
		Reasoning: &reasoningOption{Exclude: false},
	}

	cb := c.breaker(model)
	resp, err := cb.Execute(func() (*http.Response, error) {
		return c.openWithRetry(ctx, req)
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			return nil, &ClassifiedError{
				Type:    ErrProviderOverloaded,
				Message: fmt.Sprintf("circuit breaker open for model %s", model),
			}
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, &ClassifiedError{
				Type:    ErrRateLimit,
				Message: fmt.Sprintf("circuit breaker half-open, too many probes for model %s", model),
			}
		}
		return nil, err
	}

	c.logger.Debug("openrouter stream opened", "model", model)
	return newSSEStream(resp.Body), nil
}

func (c *Client) openWithRetry(ctx context.Context, req chatRequest) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.open(ctx, req)
		if err == nil {
			return resp, nil
		}

		var classified *ClassifiedError
		if !errors.As(err, &classified) {
			return nil, err
		}
		if !classified.Retryable() || attempt >= classified.MaxRetries() {
			return nil, classified
		}

		delay := retryDelay(classified, attempt)
		c.logger.Warn("retrying OpenRouter stream",
			"model", req.Model,
			"error_type", classified.Type.String(),
			"attempt", attempt+1,
			"delay", delay,
		)

		c.sleepFn(ctx, delay)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// open performs one request and returns the response once the status is 200.
func (c *Client) open(ctx context.Context, req chatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		httpReq.Header.Set("X-Title", c.title)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ClassifiedError{Type: ErrTimeout, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, classifyHTTPError(resp)
	}
	return resp, nil
}

// retryDelay is exponential backoff with jitter, honoring Retry-After for rate limits.
func retryDelay(err *ClassifiedError, attempt int) time.Duration {
	if err.Type == ErrRateLimit && err.RetryAfter > 0 {
		return jitter(err.RetryAfter)
	}
	base := time.Second * time.Duration(1<<uint(attempt))
	if base > 8*time.Second {
		base = 8 * time.Second
	}
	return jitter(base)
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.5 + rand.Float64()))
}

func (c *Client) breaker(model string) *gobreaker.CircuitBreaker[*http.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[model]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "openrouter-" + model,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			var classified *ClassifiedError
			if errors.As(err, &classified) {
				return !classified.countsAsFailure()
			}
			return false
		},
	})
	c.breakers[model] = cb
	return cb
}
