package compare

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/leapstack-labs/leapcompare/internal/provider"
	"github.com/leapstack-labs/leapcompare/internal/state"
	"github.com/leapstack-labs/leapcompare/internal/testutil"
	"github.com/leapstack-labs/leapcompare/pkg/core"
	"github.com/stretchr/testify/require"
)

// step is one scripted Recv result.
type step struct {
	ev    provider.Event
	err   error
	wait  <-chan struct{}
	panic string
}

func text(s string) step      { return step{ev: provider.Event{Kind: provider.KindText, Text: s}} }
func reasoning(s string) step { return step{ev: provider.Event{Kind: provider.KindReasoning, Text: s}} }
func errEvent(msg string) step {
	return step{ev: provider.Event{Kind: provider.KindError, Err: errors.New(msg)}}
}
func recvErr(msg string) step { return step{err: errors.New(msg)} }
func eof() step               { return step{err: io.EOF} }
func done(in, out int) step {
	return step{ev: provider.Event{Kind: provider.KindDone, Usage: &core.Usage{InputTokens: in, OutputTokens: out}}}
}
func waitFor(ch <-chan struct{}) step { return step{wait: ch} }

// fakeAdapter replays scripts per model. A stream whose script is exhausted
// blocks until its context is canceled.
type fakeAdapter struct {
	mu       sync.Mutex
	scripts  map[string][]step
	openErr  map[string]error
	messages map[string][]provider.Message
}

func newFakeAdapter(scripts map[string][]step) *fakeAdapter {
	return &fakeAdapter{
		scripts:  scripts,
		openErr:  map[string]error{},
		messages: map[string][]provider.Message{},
	}
}

func (f *fakeAdapter) Stream(ctx context.Context, modelID string, messages []provider.Message) (provider.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[modelID] = messages
	if err := f.openErr[modelID]; err != nil {
		return nil, err
	}
	return &fakeStream{ctx: ctx, steps: f.scripts[modelID]}, nil
}

type fakeStream struct {
	ctx   context.Context
	steps []step
}

func (s *fakeStream) Recv() (provider.Event, error) {
	if len(s.steps) == 0 {
		<-s.ctx.Done()
		return provider.Event{}, s.ctx.Err()
	}
	st := s.steps[0]
	s.steps = s.steps[1:]

	if st.wait != nil {
		select {
		case <-st.wait:
		case <-s.ctx.Done():
			return provider.Event{}, s.ctx.Err()
		}
		return s.Recv()
	}
	if st.panic != "" {
		panic(st.panic)
	}
	return st.ev, st.err
}

func (s *fakeStream) Close() error { return nil }

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) has(pred func(Event) bool) bool {
	for _, ev := range r.all() {
		if pred(ev) {
			return true
		}
	}
	return false
}

func (r *recorder) count(typ EventType, modelID string) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type() == typ && ModelIDOf(ev) == modelID {
			n++
		}
	}
	return n
}

func setupStore(t *testing.T) *state.SQLStore {
	t.Helper()
	store, err := state.Open(context.Background(), state.DialectSQLite, ":memory:", testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type harness struct {
	coord *Coordinator
	store *state.SQLStore
	rec   *recorder
	run   *core.CompareRun
}

func newHarness(t *testing.T, adapter provider.Adapter, opts func(*CoordinatorConfig), models ...string) *harness {
	t.Helper()
	store := setupStore(t)
	run := &core.CompareRun{ChatID: "chat-1", UserID: "user-1", Prompt: "hi", ModelIDs: models}
	require.NoError(t, store.CreateRun(context.Background(), run))

	rec := &recorder{}
	cfg := CoordinatorConfig{
		Run:               run,
		Messages:          []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Adapter:           adapter,
		Store:             store,
		Emit:              rec.emit,
		HeartbeatInterval: time.Hour,
		Logger:            testutil.NewTestLogger(t),
	}
	if opts != nil {
		opts(&cfg)
	}
	return &harness{coord: NewCoordinator(cfg), store: store, rec: rec, run: run}
}

// start runs the coordinator in the background.
func (h *harness) start(t *testing.T) {
	t.Helper()
	go h.coord.Run(context.Background())
}

func (h *harness) wait(t *testing.T) *core.RunSnapshot {
	t.Helper()
	select {
	case <-h.coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	return h.coord.Snapshot()
}

func (h *harness) persisted(t *testing.T) *core.RunSnapshot {
	t.Helper()
	snap, err := h.store.GetRun(context.Background(), h.run.ID)
	require.NoError(t, err)
	return snap
}

func resultFor(snap *core.RunSnapshot, modelID string) *core.CompareResult {
	for _, r := range snap.Results {
		if r.ModelID == modelID {
			return r
		}
	}
	return nil
}
