package compare

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAdmitted wraps a Gate rejection.
	ErrNotAdmitted = errors.New("request not admitted")
	// ErrNotResumable is returned by Resume when no resumable store is configured.
	ErrNotResumable = errors.New("resumable streams are disabled")
	// ErrStreamUnavailable is returned by Resume when the run's frames are no longer kept.
	ErrStreamUnavailable = errors.New("stream no longer available")
	// ErrShuttingDown is returned by StartRun after Close began.
	ErrShuttingDown = errors.New("service is shutting down")
)

// ValidationError is a request-level error found before any run is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
