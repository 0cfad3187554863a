package compare

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/leapstack-labs/leapcompare/pkg/core"
)

// Controller routes cancel requests to live coordinators. Runs with no live
// coordinator in this process are canceled directly in storage.
type Controller struct {
	store  core.CompareStore
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]*Coordinator
}

// NewController creates a cancellation controller.
func NewController(store core.CompareStore, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		store:  store,
		logger: logger,
		active: make(map[string]*Coordinator),
	}
}

// Register tracks a coordinator until its run finishes.
func (c *Controller) Register(coord *Coordinator) {
	c.mu.Lock()
	c.active[coord.RunID()] = coord
	c.mu.Unlock()

	go func() {
		<-coord.Done()
		c.mu.Lock()
		delete(c.active, coord.RunID())
		c.mu.Unlock()
	}()
}

// Lookup returns the live coordinator of a run.
func (c *Controller) Lookup(runID string) (*Coordinator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coord, ok := c.active[runID]
	return coord, ok
}

// Active returns the number of live runs.
func (c *Controller) Active() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active)
}

// CancelModel cancels one model of a run. Canceling a terminal model is a no-op.
func (c *Controller) CancelModel(ctx context.Context, runID, modelID string) error {
	if coord, ok := c.Lookup(runID); ok {
		if !slices.Contains(coord.cfg.Run.ModelIDs, modelID) {
			return fmt.Errorf("%w: %s", core.ErrModelNotInRun, modelID)
		}
		coord.CancelModel(modelID)
		return nil
	}

	snap, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !slices.Contains(snap.Run.ModelIDs, modelID) {
		return fmt.Errorf("%w: %s", core.ErrModelNotInRun, modelID)
	}
	return c.cancelStored(ctx, snap, modelID)
}

// CancelAll cancels every non-terminal model of a run and marks it canceled.
func (c *Controller) CancelAll(ctx context.Context, runID string) error {
	if coord, ok := c.Lookup(runID); ok {
		coord.CancelAll()
		return nil
	}

	snap, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return c.cancelStored(ctx, snap, "")
}

// cancelStored cancels a run that no coordinator in this process owns,
// typically one orphaned by a restart.
func (c *Controller) cancelStored(ctx context.Context, snap *core.RunSnapshot, modelID string) error {
	if snap.Run.Status.IsTerminal() {
		return nil
	}

	c.logger.Info("canceling run without live coordinator", "run_id", snap.Run.ID, "model_id", modelID)
	return settleStored(ctx, c.store, snap, modelID == "", func(r *core.CompareResult) (core.ResultStatus, string, bool) {
		if modelID != "" && r.ModelID != modelID {
			return "", "", false
		}
		return core.ResultStatusCanceled, "", true
	})
}

// settleStored finalizes stored results chosen by pick and completes the run
// once every result is terminal.
func settleStored(
	ctx context.Context,
	store core.CompareStore,
	snap *core.RunSnapshot,
	wholeRunCanceled bool,
	pick func(*core.CompareResult) (core.ResultStatus, string, bool),
) error {
	now := time.Now().UTC()
	statuses := make([]core.ResultStatus, 0, len(snap.Results))

	for _, r := range snap.Results {
		if !r.Status.IsTerminal() {
			if status, msg, ok := pick(r); ok {
				err := store.FinalizeResult(ctx, r.RunID, r.ModelID, core.ResultFinal{
					Status:      status,
					Content:     r.Content,
					Reasoning:   r.Reasoning,
					Usage:       r.Usage,
					Error:       msg,
					StartedAt:   r.StartedAt,
					CompletedAt: now,
				})
				if err != nil {
					return fmt.Errorf("failed to finalize %s: %w", r.ModelID, err)
				}
				r.Status = status
			}
		}
		statuses = append(statuses, r.Status)
	}

	for _, s := range statuses {
		if !s.IsTerminal() {
			return nil
		}
	}
	return store.CompleteRun(ctx, snap.Run.ID, DeriveRunStatus(statuses, wholeRunCanceled))
}
