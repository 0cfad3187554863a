package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/leapstack-labs/leapcompare/internal/catalog"
	"github.com/leapstack-labs/leapcompare/internal/compare"
	"github.com/leapstack-labs/leapcompare/internal/notifier"
	"github.com/leapstack-labs/leapcompare/internal/provider"
	"github.com/leapstack-labs/leapcompare/pkg/core"
	"github.com/starfederation/datastar-go/datastar"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Handlers provides the compare HTTP handlers.
type Handlers struct {
	svc      *compare.Service
	catalog  *catalog.Catalog
	notifier *notifier.Notifier
	logger   *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc *compare.Service, cat *catalog.Catalog, notify *notifier.Notifier, logger *slog.Logger) *Handlers {
	return &Handlers{
		svc:      svc,
		catalog:  cat,
		notifier: notify,
		logger:   logger,
	}
}

type startRunRequest struct {
	ChatID   string             `json:"chatId"`
	Prompt   string             `json:"prompt"`
	ModelIDs []string           `json:"modelIds"`
	History  []provider.Message `json:"history,omitempty"`
}

type cancelRequest struct {
	RunID   string `json:"runId"`
	ModelID string `json:"modelId,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return &compare.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

// StartRun validates the request, starts a run and streams its events.
// Request-level errors are answered with JSON before the stream opens.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	var body startRunRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	rs, err := h.svc.StartRun(r.Context(), compare.StartRequest{
		ChatID:   body.ChatID,
		UserID:   UserFromContext(r.Context()),
		Prompt:   body.Prompt,
		ModelIDs: body.ModelIDs,
		History:  body.History,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.Header().Set("X-Run-ID", rs.RunID)
	h.pipe(w, r, rs.Frames)
}

// pipe copies frames to the client until the channel closes or the client leaves.
func (h *Handlers) pipe(w http.ResponseWriter, r *http.Request, frames <-chan []byte) {
	sw := compare.NewResponseWriter(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := sw.WriteFrame(frame); err != nil {
				h.logger.Debug("stream client gone", "error", err)
				return
			}
		}
	}
}

// ResumeRun replays a run's frames from ?offset= and follows it live.
func (h *Handlers) ResumeRun(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid_offset", "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	runID := chi.URLParam(r, "runID")
	frames, err := h.svc.Resume(r.Context(), UserFromContext(r.Context()), runID, offset)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.Header().Set("X-Run-ID", runID)
	h.pipe(w, r, frames)
}

// Cancel cancels one model, or the whole run when modelId is omitted.
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if strings.TrimSpace(body.RunID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid_runId", "runId is required")
		return
	}

	userID := UserFromContext(r.Context())
	var err error
	if body.ModelID != "" {
		err = h.svc.CancelModel(r.Context(), userID, body.RunID, body.ModelID)
	} else {
		err = h.svc.CancelAll(r.Context(), userID, body.RunID)
	}
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetRun returns a run snapshot.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetRun(r.Context(), UserFromContext(r.Context()), chi.URLParam(r, "runID"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListRuns returns a page of a chat's runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := core.ListRunsParams{
		ChatID: q.Get("chatId"),
		Cursor: q.Get("cursor"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid_limit", "limit must be a positive integer")
			return
		}
		params.Limit = n
	}

	page, err := h.svc.ListRuns(r.Context(), UserFromContext(r.Context()), params)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// DeleteChatRuns removes every run of a chat.
func (h *Handlers) DeleteChatRuns(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.DeleteChatRuns(r.Context(), UserFromContext(r.Context()), chi.URLParam(r, "chatID"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// ListModels returns the selectable models and the per-run limit.
func (h *Handlers) ListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models":    h.catalog.List(),
		"maxModels": h.svc.MaxModels(),
	})
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"activeRuns": h.svc.Active(),
		"resumable":  h.svc.Resumable(),
	})
}

// WatchRun is a datastar SSE endpoint patching the run snapshot into the
// "compare" signal on every change, until the run is terminal.
func (h *Handlers) WatchRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserFromContext(ctx)
	runID := chi.URLParam(r, "runID")

	// subscribe before the first read so no change is missed
	updates := h.notifier.Subscribe(runID)
	defer h.notifier.Unsubscribe(runID, updates)

	snap, err := h.svc.GetRun(ctx, userID, runID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	sse := datastar.NewSSE(w, r)
	for {
		if err := sse.MarshalAndPatchSignals(map[string]any{"compare": snap}); err != nil {
			h.logger.Debug("watch client gone", "run_id", runID, "error", err)
			return
		}
		if snap.Run.Status.IsTerminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-updates:
		}

		snap, err = h.svc.GetRun(ctx, userID, runID)
		if err != nil {
			_ = sse.ConsoleError(fmt.Errorf("failed to load run: %w", err))
			return
		}
	}
}
