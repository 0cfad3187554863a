package openrouter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorType classifies OpenRouter failures for retry and breaker decisions.
type ErrorType int

// Error types.
const (
	ErrRateLimit          ErrorType = iota // HTTP 429
	ErrProviderOverloaded                  // HTTP 502, 503, 504 or open breaker
	ErrContextTooLong                      // HTTP 400 + context_length_exceeded
	ErrContentFiltered                     // HTTP 400 + content_filter
	ErrAuth                                // HTTP 401, 402, 403
	ErrMalformedResponse                   // unparseable stream
	ErrTimeout                             // transport failure before the stream opened
	ErrUnknown
)

// String returns the wire name of the error type.
func (e ErrorType) String() string {
	switch e {
	case ErrRateLimit:
		return "rate_limit"
	case ErrProviderOverloaded:
		return "provider_overloaded"
	case ErrContextTooLong:
		return "context_length_exceeded"
	case ErrContentFiltered:
		return "content_filter"
	case ErrAuth:
		return "auth_error"
	case ErrMalformedResponse:
		return "malformed_response"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ClassifiedError is an OpenRouter failure with its classification.
type ClassifiedError struct {
	Type       ErrorType
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *ClassifiedError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("openrouter %s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("openrouter %s (HTTP %d): %s", e.Type, e.StatusCode, e.Message)
}

// Retryable reports whether opening the stream again may succeed.
func (e *ClassifiedError) Retryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrProviderOverloaded, ErrTimeout:
		return true
	default:
		return false
	}
}

// MaxRetries bounds the reconnect attempts for this error type.
func (e *ClassifiedError) MaxRetries() int {
	switch e.Type {
	case ErrRateLimit, ErrProviderOverloaded:
		return 3
	case ErrTimeout:
		return 1
	default:
		return 0
	}
}

// countsAsFailure reports whether the breaker should count the error against the model.
func (e *ClassifiedError) countsAsFailure() bool {
	switch e.Type {
	case ErrAuth, ErrContentFiltered, ErrContextTooLong:
		return false
	default:
		return true
	}
}

type errorBody struct {
	Error *apiError `json:"error"`
}

// apiError is the error object OpenRouter returns in bodies and in-band stream chunks.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (e *apiError) code() string {
	if e == nil || e.Code == nil {
		return ""
	}
	return fmt.Sprint(e.Code)
}

// classifyHTTPError reads a non-200 response into a ClassifiedError.
func classifyHTTPError(resp *http.Response) *ClassifiedError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var parsed errorBody
	_ = json.Unmarshal(body, &parsed)

	msg := ""
	if parsed.Error != nil {
		msg = parsed.Error.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	ce := &ClassifiedError{StatusCode: resp.StatusCode, Message: msg}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		ce.Type = ErrRateLimit
		ce.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		ce.Type = ErrProviderOverloaded
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden:
		ce.Type = ErrAuth
	case http.StatusBadRequest:
		ce.Type = classifyBadRequest(msg, parsed.Error)
	default:
		ce.Type = ErrUnknown
	}
	return ce
}

func classifyBadRequest(msg string, e *apiError) ErrorType {
	combined := strings.ToLower(msg)
	if e != nil {
		combined += " " + strings.ToLower(e.code()+" "+e.Type)
	}

	switch {
	case strings.Contains(combined, "context_length_exceeded"),
		strings.Contains(combined, "maximum context length"),
		strings.Contains(combined, "too many tokens"):
		return ErrContextTooLong
	case strings.Contains(combined, "content_filter"),
		strings.Contains(combined, "content_policy"),
		strings.Contains(combined, "flagged"):
		return ErrContentFiltered
	default:
		return ErrUnknown
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}
