// Package compare runs one prompt against several models concurrently and
// streams their merged output as a single ordered event stream.
package compare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leapstack-labs/leapcompare/internal/catalog"
	"github.com/leapstack-labs/leapcompare/internal/notifier"
	"github.com/leapstack-labs/leapcompare/internal/provider"
	"github.com/leapstack-labs/leapcompare/internal/resumable"
	"github.com/leapstack-labs/leapcompare/pkg/core"
)

// Defaults for request limits.
const (
	DefaultMaxModels      = 4
	DefaultMaxPromptBytes = 32 << 10
	livePipeBuffer        = 256
)

// Gate admits or rejects a start request before any run is created,
// for example to enforce entitlements or quotas.
type Gate interface {
	Admit(ctx context.Context, userID string, modelIDs []string) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, userID string, modelIDs []string) error

// Admit calls f.
func (f GateFunc) Admit(ctx context.Context, userID string, modelIDs []string) error {
	return f(ctx, userID, modelIDs)
}

// Config holds the collaborators and limits of a Service.
type Config struct {
	Store   core.CompareStore
	Adapter provider.Adapter
	Catalog *catalog.Catalog
	// Streams enables resumable streams. Nil runs in non-resumable mode.
	Streams resumable.Store
	// Notifier receives a ping on the run id topic whenever a run changes.
	Notifier          *notifier.Notifier
	Gate              Gate
	Logger            *slog.Logger
	MaxModels         int
	MaxPromptBytes    int
	HeartbeatInterval time.Duration
	// ModelTimeout fails a model that has not finished in time. Zero disables it.
	ModelTimeout time.Duration
}

// Service is the entry point of the compare engine.
type Service struct {
	cfg        Config
	logger     *slog.Logger
	controller *Controller

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

// NewService creates a service. Runs it starts live until Close.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("compare: store is required")
	}
	if cfg.Adapter == nil {
		return nil, errors.New("compare: adapter is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("compare: catalog is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxModels <= 0 {
		cfg.MaxModels = DefaultMaxModels
	}
	if cfg.MaxPromptBytes <= 0 {
		cfg.MaxPromptBytes = DefaultMaxPromptBytes
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	// runs outlive the requests that start them
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		logger:     cfg.Logger,
		controller: NewController(cfg.Store, cfg.Logger),
		baseCtx:    base,
		cancelBase: cancel,
	}, nil
}

// Resumable reports whether runs can be re-attached after a disconnect.
func (s *Service) Resumable() bool {
	return s.cfg.Streams != nil
}

// MaxModels returns the per-run model limit.
func (s *Service) MaxModels() int {
	return s.cfg.MaxModels
}

// StartRequest is the input of StartRun.
type StartRequest struct {
	ChatID   string
	UserID   string
	Prompt   string
	ModelIDs []string
	// History is prior conversation, oldest first. The prompt is appended as the last user turn.
	History []provider.Message
}

// RunStream is the live output of a run as encoded frames.
type RunStream struct {
	RunID  string
	Frames <-chan []byte
}

// Validate checks a start request against the limits and the catalog.
func (s *Service) Validate(req StartRequest) error {
	if strings.TrimSpace(req.ChatID) == "" {
		return invalid("chatId", "is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return invalid("prompt", "is required")
	}
	if len(req.Prompt) > s.cfg.MaxPromptBytes {
		return invalid("prompt", "exceeds %d bytes", s.cfg.MaxPromptBytes)
	}
	if n := len(req.ModelIDs); n < 1 || n > s.cfg.MaxModels {
		return invalid("modelIds", "must list between 1 and %d models, got %d", s.cfg.MaxModels, n)
	}
	if err := s.cfg.Catalog.Validate(req.ModelIDs); err != nil {
		return invalid("modelIds", "%v", err)
	}
	for i, m := range req.History {
		switch m.Role {
		case provider.RoleSystem, provider.RoleUser, provider.RoleAssistant:
		default:
			return invalid("history", "message %d has unknown role %q", i, m.Role)
		}
	}
	return nil
}

// StartRun validates and persists a run, then streams it in the background.
// The returned frames follow the run until run_end or until ctx is done;
// the run itself continues either way.
func (s *Service) StartRun(ctx context.Context, req StartRequest) (*RunStream, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	if s.cfg.Gate != nil {
		if err := s.cfg.Gate.Admit(ctx, req.UserID, req.ModelIDs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotAdmitted, err)
		}
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	stream, err := s.start(ctx, req)
	if err != nil {
		s.wg.Done()
		return nil, err
	}
	return stream, nil
}

func (s *Service) start(ctx context.Context, req StartRequest) (*RunStream, error) {
	run := &core.CompareRun{
		ID:       newRunID(),
		ChatID:   req.ChatID,
		UserID:   req.UserID,
		Prompt:   req.Prompt,
		ModelIDs: req.ModelIDs,
	}
	if err := s.cfg.Store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	emit, frames, finish, err := s.output(ctx, run.ID)
	if err != nil {
		s.abort(context.WithoutCancel(ctx), run, err)
		return nil, err
	}

	messages := make([]provider.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: req.Prompt})

	coord := NewCoordinator(CoordinatorConfig{
		Run:               run,
		Messages:          messages,
		Adapter:           s.cfg.Adapter,
		Store:             s.cfg.Store,
		Emit:              emit,
		OnResult:          func(r *core.CompareResult) { s.notify(r.RunID) },
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		ModelTimeout:      s.cfg.ModelTimeout,
		Logger:            s.logger,
	})
	s.controller.Register(coord)

	go func() {
		defer s.wg.Done()
		defer finish()
		coord.Run(s.baseCtx)
	}()

	return &RunStream{RunID: run.ID, Frames: frames}, nil
}

// output wires the coordinator's events to the resumable store or to a live pipe.
func (s *Service) output(ctx context.Context, runID string) (func(Event), <-chan []byte, func(), error) {
	encode := func(ev Event) []byte {
		frame, err := Encode(ev)
		if err != nil {
			s.logger.Error("failed to encode event", "run_id", runID, "type", ev.Type(), "error", err)
			return nil
		}
		return frame
	}

	if s.cfg.Streams == nil {
		pipe := newLivePipe(ctx, livePipeBuffer)
		// a client that stops reading must not hold up shutdown
		stop := context.AfterFunc(s.baseCtx, pipe.release)
		emit := func(ev Event) {
			if frame := encode(ev); frame != nil {
				pipe.write(frame)
			}
			s.notifyEvent(runID, ev)
		}
		finish := func() {
			stop()
			pipe.close()
		}
		return emit, pipe.frames, finish, nil
	}

	if err := s.cfg.Streams.Create(runID); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create stream: %w", err)
	}
	frames, err := s.cfg.Streams.Subscribe(ctx, runID, 0)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to subscribe to stream: %w", err)
	}
	emit := func(ev Event) {
		if frame := encode(ev); frame != nil {
			if err := s.cfg.Streams.Append(runID, frame); err != nil {
				s.logger.Warn("failed to append frame", "run_id", runID, "error", err)
			}
		}
		s.notifyEvent(runID, ev)
	}
	finish := func() {
		if err := s.cfg.Streams.Finish(runID); err != nil {
			s.logger.Warn("failed to finish stream", "run_id", runID, "error", err)
		}
	}
	return emit, frames, finish, nil
}

func (s *Service) notifyEvent(runID string, ev Event) {
	switch ev.(type) {
	case Heartbeat:
	default:
		s.notify(runID)
	}
}

func (s *Service) notify(runID string) {
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.Broadcast(runID)
	}
}

// abort fails a persisted run that could not be started.
func (s *Service) abort(ctx context.Context, run *core.CompareRun, cause error) {
	snap := &core.RunSnapshot{Run: run}
	for _, id := range run.ModelIDs {
		snap.Results = append(snap.Results, &core.CompareResult{RunID: run.ID, ModelID: id, Status: core.ResultStatusRunning})
	}
	err := settleStored(ctx, s.cfg.Store, snap, false, func(*core.CompareResult) (core.ResultStatus, string, bool) {
		return core.ResultStatusFailed, cause.Error(), true
	})
	if err != nil {
		s.logger.Error("failed to abort run", "run_id", run.ID, "error", err)
	}
}

// Resume re-attaches to a run's frames from offset.
func (s *Service) Resume(ctx context.Context, userID, runID string, offset int) (<-chan []byte, error) {
	if s.cfg.Streams == nil {
		return nil, ErrNotResumable
	}
	if err := s.authorize(ctx, userID, runID); err != nil {
		return nil, err
	}

	frames, err := s.cfg.Streams.Subscribe(ctx, runID, offset)
	if errors.Is(err, resumable.ErrStreamNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrStreamUnavailable, runID)
	}
	return frames, err
}

// GetRun returns the persisted snapshot of a run owned by userID.
func (s *Service) GetRun(ctx context.Context, userID, runID string) (*core.RunSnapshot, error) {
	snap, err := s.cfg.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if userID != "" && snap.Run.UserID != userID {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	return snap, nil
}

// ListRuns returns a page of a chat's runs owned by userID, oldest first.
func (s *Service) ListRuns(ctx context.Context, userID string, params core.ListRunsParams) (*core.RunPage, error) {
	if strings.TrimSpace(params.ChatID) == "" {
		return nil, invalid("chatId", "is required")
	}
	params.UserID = userID
	return s.cfg.Store.ListRuns(ctx, params)
}

// CancelModel cancels one model of a run. Terminal targets are a no-op.
func (s *Service) CancelModel(ctx context.Context, userID, runID, modelID string) error {
	if err := s.authorize(ctx, userID, runID); err != nil {
		return err
	}
	if err := s.controller.CancelModel(ctx, runID, modelID); err != nil {
		return err
	}
	s.notify(runID)
	return nil
}

// CancelAll cancels a whole run. A terminal run is a no-op.
func (s *Service) CancelAll(ctx context.Context, userID, runID string) error {
	if err := s.authorize(ctx, userID, runID); err != nil {
		return err
	}
	if err := s.controller.CancelAll(ctx, runID); err != nil {
		return err
	}
	s.notify(runID)
	return nil
}

// DeleteChatRuns removes a chat's runs, canceling any still live. Every run
// of the chat must be owned by userID; an empty userID skips the check.
func (s *Service) DeleteChatRuns(ctx context.Context, userID, chatID string) (int64, error) {
	var live []*Coordinator
	for cursor := ""; ; {
		page, err := s.cfg.Store.ListRuns(ctx, core.ListRunsParams{ChatID: chatID, Cursor: cursor, Limit: 100})
		if err != nil {
			return 0, err
		}
		for _, item := range page.Items {
			if userID != "" && item.Run.UserID != userID {
				return 0, fmt.Errorf("%w: chat %s", core.ErrRunNotFound, chatID)
			}
			if coord, ok := s.controller.Lookup(item.Run.ID); ok {
				live = append(live, coord)
			}
		}
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	for _, coord := range live {
		coord.CancelAll()
		select {
		case <-coord.Settled():
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return s.cfg.Store.DeleteChatRuns(ctx, chatID)
}

// RecoverInterrupted fails the unfinished results of runs left running by a
// previous process and settles their status. It returns the number of runs fixed.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	runs, err := s.cfg.Store.ListRunningRuns(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, run := range runs {
		if _, live := s.controller.Lookup(run.ID); live {
			continue
		}
		snap, err := s.cfg.Store.GetRun(ctx, run.ID)
		if err != nil {
			return n, err
		}
		err = settleStored(ctx, s.cfg.Store, snap, false, func(*core.CompareResult) (core.ResultStatus, string, bool) {
			return core.ResultStatusFailed, "interrupted by server restart", true
		})
		if err != nil {
			return n, err
		}
		s.logger.Info("recovered interrupted run", "run_id", run.ID)
		n++
	}
	return n, nil
}

// authorize checks that userID owns the run. An empty userID skips the check.
func (s *Service) authorize(ctx context.Context, userID, runID string) error {
	if coord, ok := s.controller.Lookup(runID); ok {
		if userID != "" && coord.UserID() != userID {
			return fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
		}
		return nil
	}
	_, err := s.GetRun(ctx, userID, runID)
	return err
}

// Active returns the number of runs in flight.
func (s *Service) Active() int {
	return s.controller.Active()
}

// Close stops accepting runs and waits for in-flight runs to finish. When ctx
// ends first, remaining models are canceled and their state persisted.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		s.logger.Warn("canceling in-flight runs", "active", s.controller.Active())
		s.cancelBase()
		<-done
		return ctx.Err()
	}
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
