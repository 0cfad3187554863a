package compare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/leapstack-labs/leapcompare/internal/provider"
	"github.com/leapstack-labs/leapcompare/pkg/core"
)

var (
	// errCanceled is the cause attached to a worker context by a cancel request.
	errCanceled = errors.New("canceled by request")
	// errModelTimeout is the cause attached when the per-model deadline expires.
	errModelTimeout = errors.New("model timed out")
)

// workerMsg travels from a worker to the coordinator. A worker sends any
// number of events followed by exactly one result.
type workerMsg struct {
	modelID string
	event   Event
	result  *core.CompareResult
}

// worker drives one model's stream to a terminal state.
type worker struct {
	runID    string
	modelID  string
	messages []provider.Message
	adapter  provider.Adapter
	store    core.CompareStore
	out      chan<- workerMsg
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	content   strings.Builder
	reasoning strings.Builder
	usage     *core.Usage
	startedAt *time.Time
	finished  bool
}

func (w *worker) emit(ev Event) {
	w.out <- workerMsg{modelID: w.modelID, event: ev}
}

// run streams until completion, failure or cancellation. It always ends by
// sending the terminal result, even if the adapter panics.
func (w *worker) run(ctx context.Context) {
	// persistence outlives cancellation so the terminal state is always written
	pctx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("model adapter panicked", "model_id", w.modelID, "panic", r)
			if !w.finished {
				w.fail(pctx, fmt.Sprintf("internal error: %v", r))
			}
		}
	}()

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, w.timeout, errModelTimeout)
		defer cancel()
	}

	if ctx.Err() != nil {
		w.interrupted(ctx, pctx)
		return
	}

	started := w.now()
	w.startedAt = &started
	if err := w.store.MarkResultStarted(pctx, w.runID, w.modelID, started); err != nil {
		w.logger.Warn("failed to persist model start", "model_id", w.modelID, "error", err)
	}
	w.emit(ModelStart{ModelID: w.modelID, ServerStartedAt: started})

	stream, err := w.adapter.Stream(ctx, w.modelID, w.messages)
	if err != nil {
		if ctx.Err() != nil {
			w.interrupted(ctx, pctx)
			return
		}
		w.fail(pctx, err.Error())
		return
	}
	defer func() { _ = stream.Close() }()

	for {
		ev, err := stream.Recv()

		// cancellation is observed after each provider event; the event is dropped
		if ctx.Err() != nil {
			w.interrupted(ctx, pctx)
			return
		}

		if errors.Is(err, io.EOF) {
			w.complete(pctx)
			return
		}
		if err != nil {
			w.fail(pctx, err.Error())
			return
		}

		switch ev.Kind {
		case provider.KindText:
			if ev.Text == "" {
				continue
			}
			w.content.WriteString(ev.Text)
			w.emit(Delta{ModelID: w.modelID, TextDelta: ev.Text})
			w.appendDelta(pctx, ev.Text, "")

		case provider.KindReasoning:
			if ev.Text == "" {
				continue
			}
			w.reasoning.WriteString(ev.Text)
			w.emit(ReasoningDelta{ModelID: w.modelID, ReasoningDelta: ev.Text})
			w.appendDelta(pctx, "", ev.Text)

		case provider.KindUsage:
			w.usage = ev.Usage

		case provider.KindDone:
			if ev.Usage != nil {
				w.usage = ev.Usage
			}
			w.complete(pctx)
			return

		case provider.KindError:
			msg := "model stream failed"
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			w.fail(pctx, msg)
			return
		}
	}
}

func (w *worker) appendDelta(ctx context.Context, text, reasoning string) {
	if err := w.store.AppendResultDelta(ctx, w.runID, w.modelID, text, reasoning); err != nil {
		// the final write carries the full accumulator, so a missed append heals
		w.logger.Warn("failed to persist delta", "model_id", w.modelID, "error", err)
	}
}

func (w *worker) complete(ctx context.Context) {
	completed := w.now()
	result := w.finalize(ctx, core.ResultStatusCompleted, "", completed)

	w.emit(ModelEnd{
		ModelID:           w.modelID,
		Usage:             w.usage,
		ServerStartedAt:   *w.startedAt,
		ServerCompletedAt: completed,
		InferenceTimeMS:   *result.InferenceTimeMS,
	})
	w.out <- workerMsg{modelID: w.modelID, result: result}
}

func (w *worker) fail(ctx context.Context, msg string) {
	result := w.finalize(ctx, core.ResultStatusFailed, msg, w.now())
	w.emit(ModelError{ModelID: w.modelID, Error: msg})
	w.out <- workerMsg{modelID: w.modelID, result: result}
}

// interrupted handles a done worker context: a cancel request ends as
// canceled without an event, an expired deadline ends as failed.
func (w *worker) interrupted(ctx, pctx context.Context) {
	if errors.Is(context.Cause(ctx), errModelTimeout) {
		w.fail(pctx, fmt.Sprintf("model timed out after %s", w.timeout))
		return
	}

	w.logger.Debug("model canceled", "model_id", w.modelID)
	result := w.finalize(pctx, core.ResultStatusCanceled, "", w.now())
	w.out <- workerMsg{modelID: w.modelID, result: result}
}

func (w *worker) finalize(ctx context.Context, status core.ResultStatus, errMsg string, completedAt time.Time) *core.CompareResult {
	w.finished = true
	result := &core.CompareResult{
		RunID:       w.runID,
		ModelID:     w.modelID,
		Status:      status,
		Content:     w.content.String(),
		Reasoning:   w.reasoning.String(),
		Usage:       w.usage,
		Error:       errMsg,
		StartedAt:   w.startedAt,
		CompletedAt: &completedAt,
	}
	if status == core.ResultStatusCompleted && w.startedAt != nil {
		ms := completedAt.Sub(*w.startedAt).Milliseconds()
		result.InferenceTimeMS = &ms
	}

	err := w.store.FinalizeResult(ctx, w.runID, w.modelID, core.ResultFinal{
		Status:      status,
		Content:     result.Content,
		Reasoning:   result.Reasoning,
		Usage:       result.Usage,
		Error:       errMsg,
		StartedAt:   w.startedAt,
		CompletedAt: completedAt,
	})
	if err != nil {
		w.logger.Error("failed to persist result", "model_id", w.modelID, "status", status, "error", err)
	}

	w.logger.Debug("model finished", "model_id", w.modelID, "status", status)
	return result
}
