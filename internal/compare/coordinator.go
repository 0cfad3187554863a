package compare

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/leapstack-labs/leapcompare/internal/provider"
	"github.com/leapstack-labs/leapcompare/pkg/core"
)

// DefaultHeartbeatInterval is the keep-alive period during silent gaps.
const DefaultHeartbeatInterval = 15 * time.Second

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Run      *core.CompareRun
	Messages []provider.Message
	Adapter  provider.Adapter
	Store    core.CompareStore
	// Emit receives every output event in order, from a single goroutine
	// that is not the reducer. A slow Emit never delays workers or cancels.
	Emit func(Event)
	// OnResult is called when a model reaches a terminal state.
	OnResult          func(*core.CompareResult)
	HeartbeatInterval time.Duration
	ModelTimeout      time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

type controlMsg struct {
	modelID string // empty cancels the whole run
}

// Coordinator owns one run: it starts a worker per model, merges their
// events into a single ordered stream and decides the run's final status.
// All cross-worker state is owned by the Run goroutine.
type Coordinator struct {
	cfg     CoordinatorConfig
	control chan controlMsg
	settled chan struct{}
	done    chan struct{}
	final   *core.RunSnapshot
}

// NewCoordinator creates a coordinator for a run that is already persisted.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Emit == nil {
		cfg.Emit = func(Event) {}
	}
	if cfg.OnResult == nil {
		cfg.OnResult = func(*core.CompareResult) {}
	}
	return &Coordinator{
		cfg:     cfg,
		control: make(chan controlMsg),
		settled: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// RunID returns the id of the coordinated run.
func (c *Coordinator) RunID() string {
	return c.cfg.Run.ID
}

// UserID returns the owner of the coordinated run.
func (c *Coordinator) UserID() string {
	return c.cfg.Run.UserID
}

// Settled is closed once every result and the run status are persisted.
// Output may still be draining to a slow consumer.
func (c *Coordinator) Settled() <-chan struct{} {
	return c.settled
}

// Done is closed once run_end has been emitted.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Snapshot returns the final run state after Settled is closed, nil before.
func (c *Coordinator) Snapshot() *core.RunSnapshot {
	select {
	case <-c.settled:
		return c.final
	default:
		return nil
	}
}

// CancelModel asks the worker for modelID to stop. It is a no-op for
// terminal models and for a finished run.
func (c *Coordinator) CancelModel(modelID string) {
	c.send(controlMsg{modelID: modelID})
}

// CancelAll cancels every non-terminal model and marks the run canceled.
func (c *Coordinator) CancelAll() {
	c.send(controlMsg{})
}

func (c *Coordinator) send(msg controlMsg) {
	select {
	case c.control <- msg:
	case <-c.settled:
	}
}

// Run drives the run to completion. Workers derive their contexts from ctx;
// canceling it cancels every model still running.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)

	run := c.cfg.Run
	logger := c.cfg.Logger.With("run_id", run.ID)
	logger.Info("starting compare run", "models", len(run.ModelIDs))

	queue := newEventQueue()
	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		queue.run(c.cfg.Emit)
	}()
	defer func() {
		queue.close()
		<-emitted
	}()

	queue.push(RunStart{RunID: run.ID})

	msgs := make(chan workerMsg, len(run.ModelIDs)*32)
	cancels := make(map[string]context.CancelCauseFunc, len(run.ModelIDs))
	results := make(map[string]*core.CompareResult, len(run.ModelIDs))

	var wg sync.WaitGroup
	for _, modelID := range run.ModelIDs {
		wctx, cancel := context.WithCancelCause(ctx)
		cancels[modelID] = cancel

		w := &worker{
			runID:    run.ID,
			modelID:  modelID,
			messages: c.cfg.Messages,
			adapter:  c.cfg.Adapter,
			store:    c.cfg.Store,
			out:      msgs,
			timeout:  c.cfg.ModelTimeout,
			now:      c.cfg.Now,
			logger:   logger,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(wctx)
		}()
	}

	exited := make(chan struct{})
	go func() {
		wg.Wait()
		close(exited)
	}()

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	wholeRunCanceled := false
	pending := len(run.ModelIDs)

	for pending > 0 {
		select {
		case m := <-msgs:
			if m.event != nil {
				queue.push(m.event)
				heartbeat.Reset(c.cfg.HeartbeatInterval)
			}
			if m.result != nil {
				results[m.modelID] = m.result
				pending--
				cancels[m.modelID](nil)
				c.cfg.OnResult(m.result)
			}

		case ctl := <-c.control:
			if ctl.modelID == "" {
				wholeRunCanceled = true
				logger.Info("canceling run")
				for id, cancel := range cancels {
					if _, terminal := results[id]; !terminal {
						cancel(errCanceled)
					}
				}
				continue
			}
			if _, terminal := results[ctl.modelID]; terminal {
				continue
			}
			if cancel, ok := cancels[ctl.modelID]; ok {
				logger.Info("canceling model", "model_id", ctl.modelID)
				cancel(errCanceled)
			}

		case <-heartbeat.C:
			queue.push(Heartbeat{})

		case <-exited:
			// every worker returned; drain what they sent before giving up on the rest
			pending = c.drain(queue, msgs, results, cancels, pending)
			if pending > 0 {
				c.abandon(logger, results)
				pending = 0
			}
		}
	}

	ordered := make([]*core.CompareResult, len(run.ModelIDs))
	statuses := make([]core.ResultStatus, len(run.ModelIDs))
	for i, id := range run.ModelIDs {
		ordered[i] = results[id]
		statuses[i] = results[id].Status
	}

	status := DeriveRunStatus(statuses, wholeRunCanceled)
	if err := c.cfg.Store.CompleteRun(context.WithoutCancel(ctx), run.ID, status); err != nil {
		logger.Error("failed to persist run status", "status", status, "error", err)
	}

	finished := *run
	finished.Status = status
	finished.UpdatedAt = c.cfg.Now()
	c.final = &core.RunSnapshot{Run: &finished, Results: ordered}

	queue.push(RunEnd{RunID: run.ID, Status: status, Results: ordered})
	close(c.settled)
	logger.Info("compare run finished", "status", status)
}

func (c *Coordinator) drain(queue *eventQueue, msgs chan workerMsg, results map[string]*core.CompareResult, cancels map[string]context.CancelCauseFunc, pending int) int {
	for {
		select {
		case m := <-msgs:
			if m.event != nil {
				queue.push(m.event)
			}
			if m.result != nil {
				results[m.modelID] = m.result
				cancels[m.modelID](nil)
				c.cfg.OnResult(m.result)
				pending--
			}
		default:
			return pending
		}
	}
}

// abandon fails models whose worker exited without reporting a result.
func (c *Coordinator) abandon(logger *slog.Logger, results map[string]*core.CompareResult) {
	run := c.cfg.Run
	now := c.cfg.Now()
	for _, id := range run.ModelIDs {
		if _, ok := results[id]; ok {
			continue
		}
		logger.Error("worker exited without a result", "model_id", id)
		r := &core.CompareResult{
			RunID:       run.ID,
			ModelID:     id,
			Status:      core.ResultStatusFailed,
			Error:       "worker exited unexpectedly",
			CompletedAt: &now,
		}
		err := c.cfg.Store.FinalizeResult(context.Background(), run.ID, id, core.ResultFinal{
			Status:      r.Status,
			Error:       r.Error,
			CompletedAt: now,
		})
		if err != nil {
			logger.Error("failed to persist result", "model_id", id, "error", err)
		}
		results[id] = r
		c.cfg.OnResult(r)
	}
}
