package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/leapstack-labs/leapcompare/internal/compare"
	"github.com/leapstack-labs/leapcompare/pkg/core"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: typ, Code: code}})
}

// writeServiceError maps engine errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		verr   *compare.ValidationError
		tooBig *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid_"+verr.Field, verr.Error())
	case errors.As(err, &tooBig):
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "body_too_large", "request body too large")
	case errors.Is(err, core.ErrInvalidCursor):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid_cursor", err.Error())
	case errors.Is(err, core.ErrModelNotInRun):
		writeError(w, http.StatusBadRequest, "invalid_request", "model_not_in_run", err.Error())
	case errors.Is(err, core.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "not_found", "run_not_found", err.Error())
	case errors.Is(err, compare.ErrNotAdmitted):
		writeError(w, http.StatusForbidden, "forbidden", "not_admitted", err.Error())
	case errors.Is(err, compare.ErrNotResumable):
		writeError(w, http.StatusConflict, "conflict", "not_resumable", err.Error())
	case errors.Is(err, compare.ErrStreamUnavailable):
		writeError(w, http.StatusGone, "gone", "stream_unavailable", err.Error())
	case errors.Is(err, compare.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "shutting_down", err.Error())
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal_error", "internal server error")
	}
}
