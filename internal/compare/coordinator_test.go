package compare

import (
	"strings"
	"testing"
	"time"

	"github.com/leapstack-labs/leapcompare/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_AllComplete(t *testing.T) {
	adapter := newFakeAdapter(map[string][]step{
		"a": {reasoning("think "), text("Hello "), text("from a"), done(5, 3)},
		"b": {text("Hi"), eof()},
		"c": {text("Yo"), done(1, 1)},
	})
	h := newHarness(t, adapter, nil, "a", "b", "c")
	h.start(t)
	final := h.wait(t)

	assert.Equal(t, core.RunStatusCompleted, final.Run.Status)
	require.Len(t, final.Results, 3)

	snap := h.persisted(t)
	assert.Equal(t, core.RunStatusCompleted, snap.Run.Status)
	for _, r := range snap.Results {
		assert.Equal(t, core.ResultStatusCompleted, r.Status, r.ModelID)
		assert.NotNil(t, r.InferenceTimeMS, r.ModelID)
	}

	a := resultFor(snap, "a")
	assert.Equal(t, "Hello from a", a.Content)
	assert.Equal(t, "think ", a.Reasoning)
	require.NotNil(t, a.Usage)
	assert.Equal(t, 5, a.Usage.InputTokens)
	assert.Equal(t, 3, a.Usage.OutputTokens)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, h.rec.count(TypeModelStart, id))
		assert.Equal(t, 1, h.rec.count(TypeModelEnd, id))
		assert.Equal(t, 0, h.rec.count(TypeModelError, id))
	}
}

func TestCoordinator_EventOrdering(t *testing.T) {
	adapter := newFakeAdapter(map[string][]step{
		"a": {text("1"), text("2"), text("3"), done(0, 0)},
		"b": {text("x"), errEvent("boom")},
	})
	h := newHarness(t, adapter, nil, "a", "b")
	h.start(t)
	h.wait(t)

	events := h.rec.all()
	require.NotEmpty(t, events)
	assert.Equal(t, RunStart{RunID: h.run.ID}, events[0])
	assert.Equal(t, TypeRunEnd, events[len(events)-1].Type())

	// per model: model_start first, terminal event last, deltas in order
	for _, id := range []string{"a", "b"} {
		var seq []EventType
		var body strings.Builder
		for _, ev := range events {
			if ModelIDOf(ev) != id {
				continue
			}
			seq = append(seq, ev.Type())
			if d, ok := ev.(Delta); ok {
				body.WriteString(d.TextDelta)
			}
		}
		require.NotEmpty(t, seq, id)
		assert.Equal(t, TypeModelStart, seq[0], id)
		last := seq[len(seq)-1]
		assert.True(t, last == TypeModelEnd || last == TypeModelError, id)
		if id == "a" {
			assert.Equal(t, "123", body.String())
		}
	}

	assert.Equal(t, 1, h.rec.count(TypeRunEnd, ""))
}

func TestCoordinator_PartialSuccessIsCompleted(t *testing.T) {
	adapter := newFakeAdapter(map[string][]step{
		"m1": {text("one"), done(1, 1)},
		"m2": {text("partial"), errEvent("rate limited")},
		"m3": {text("three"), done(1, 1)},
	})
	h := newHarness(t, adapter, nil, "m1", "m2", "m3")
	h.start(t)
	h.wait(t)

	events := h.rec.all()
	end, ok := events[len(events)-1].(RunEnd)
	require.True(t, ok)
	assert.Equal(t, core.RunStatusCompleted, end.Status)
	require.Len(t, end.Results, 3)
	assert.Equal(t, core.ResultStatusCompleted, end.Results[0].Status)
	assert.Equal(t, core.ResultStatusFailed, end.Results[1].Status)
	assert.Equal(t, "rate limited", end.Results[1].Error)
	assert.Equal(t, core.ResultStatusCompleted, end.Results[2].Status)

	assert.True(t, h.rec.has(func(ev Event) bool {
		e, ok := ev.(ModelError)
		return ok && e.ModelID == "m2" && e.Error == "rate limited"
	}))
	assert.Equal(t, core.RunStatusCompleted, h.persisted(t).Run.Status)
}

func TestCoordinator_FailureAfterDeltasKeepsContent(t *testing.T) {
	tests := []struct {
		name    string
		failure step
		wantErr string
	}{
		{"error chunk", errEvent("provider exploded"), "provider exploded"},
		{"connection drop", recvErr("connection reset by peer"), "connection reset by peer"},
		{"adapter panic", step{panic: "nil map"}, "internal error: nil map"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newFakeAdapter(map[string][]step{
				"a": {text("one "), text("two "), text("three"), tt.failure},
			})
			h := newHarness(t, adapter, nil, "a")
			h.start(t)
			h.wait(t)

			r := h.persisted(t).Results[0]
			assert.Equal(t, core.ResultStatusFailed, r.Status)
			assert.Equal(t, "one two three", r.Content)
			assert.Equal(t, tt.wantErr, r.Error)
			assert.Nil(t, r.InferenceTimeMS)
			assert.Equal(t, core.RunStatusFailed, h.persisted(t).Run.Status)
		})
	}
}

func TestCoordinator_OpenErrorIsModelError(t *testing.T) {
	adapter := newFakeAdapter(map[string][]step{"b": {text("ok"), done(0, 0)}})
	adapter.openErr["a"] = assert.AnError
	h := newHarness(t, adapter, nil, "a", "b")
	h.start(t)
	h.wait(t)

	snap := h.persisted(t)
	assert.Equal(t, core.ResultStatusFailed, resultFor(snap, "a").Status)
	assert.Equal(t, assert.AnError.Error(), resultFor(snap, "a").Error)
	assert.Equal(t, core.ResultStatusCompleted, resultFor(snap, "b").Status)
	assert.Equal(t, 1, h.rec.count(TypeModelStart, "a"))
	assert.Equal(t, 1, h.rec.count(TypeModelError, "a"))
}

func TestCoordinator_CancelAll(t *testing.T) {
	adapter := newFakeAdapter(map[string][]step{
		"a": {text("done"), done(1, 1)},
		"b": {text("b1")},
		"c": {text("c1")},
	})
	h := newHarness(t, adapter, nil, "a", "b", "c")
	h.start(t)

	require.Eventually(t, func() bool {
		return h.rec.count(TypeModelEnd, "a") == 1 &&
			h.rec.count(TypeDelta, "b") == 1 &&
			h.rec.count(TypeDelta, "c") == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.coord.CancelAll()
	h.wait(t)

	snap := h.persisted(t)
	assert.Equal(t, core.RunStatusCanceled, snap.Run.Status)
	assert.Equal(t, core.ResultStatusCompleted, resultFor(snap, "a").Status)
	assert.Equal(t, core.ResultStatusCanceled, resultFor(snap, "b").Status)
	assert.Equal(t, core.ResultStatusCanceled, resultFor(snap, "c").Status)
	assert.Equal(t, "b1", resultFor(snap, "b").Content)
	assert.NotNil(t, resultFor(snap, "b").CompletedAt)

	// canceled models end silently
	for _, id := range []string{"b", "c"} {
		assert.Zero(t, h.rec.count(TypeModelEnd, id))
		assert.Zero(t, h.rec.count(TypeModelError, id))
	}

	// after the run ends cancel is a no-op
	h.coord.CancelAll()
	h.coord.CancelModel("b")
}

func TestCoordinator_CancelModelIsolated(t *testing.T) {
	release := make(chan struct{})
	adapter := newFakeAdapter(map[string][]step{
		"a": {text("a1")},
		"b": {text("b1"), waitFor(release), text("b2"), done(1, 2)},
	})
	h := newHarness(t, adapter, nil, "a", "b")
	h.start(t)

	require.Eventually(t, func() bool {
		return h.rec.count(TypeDelta, "a") == 1 && h.rec.count(TypeDelta, "b") == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.coord.CancelModel("a")
	h.coord.CancelModel("a")
	close(release)
	final := h.wait(t)

	assert.Equal(t, core.RunStatusCompleted, final.Run.Status)
	snap := h.persisted(t)
	assert.Equal(t, core.ResultStatusCanceled, resultFor(snap, "a").Status)
	assert.Equal(t, "a1", resultFor(snap, "a").Content)
	assert.Equal(t, core.ResultStatusCompleted, resultFor(snap, "b").Status)
	assert.Equal(t, "b1b2", resultFor(snap, "b").Content)
}

func TestCoordinator_AllCanceledIndividually(t *testing.T) {
	adapter := newFakeAdapter(map[string][]step{"a": {}, "b": {}})
	h := newHarness(t, adapter, nil, "a", "b")
	h.start(t)

	require.Eventually(t, func() bool {
		return h.rec.count(TypeModelStart, "a") == 1 && h.rec.count(TypeModelStart, "b") == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.coord.CancelModel("a")
	h.coord.CancelModel("b")
	final := h.wait(t)
	assert.Equal(t, core.RunStatusCanceled, final.Run.Status)
}

func TestCoordinator_Heartbeat(t *testing.T) {
	release := make(chan struct{})
	adapter := newFakeAdapter(map[string][]step{
		"slow": {waitFor(release), text("finally"), done(0, 0)},
	})
	h := newHarness(t, adapter, func(cfg *CoordinatorConfig) {
		cfg.HeartbeatInterval = 10 * time.Millisecond
	}, "slow")
	h.start(t)

	require.Eventually(t, func() bool {
		return h.rec.count(TypeHeartbeat, "") >= 2
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	h.wait(t)

	// heartbeats came during the silent gap, before the first delta
	events := h.rec.all()
	firstDelta := -1
	firstBeat := -1
	for i, ev := range events {
		if ev.Type() == TypeDelta && firstDelta < 0 {
			firstDelta = i
		}
		if ev.Type() == TypeHeartbeat && firstBeat < 0 {
			firstBeat = i
		}
	}
	assert.Less(t, firstBeat, firstDelta)
}

func TestCoordinator_ModelTimeout(t *testing.T) {
	adapter := newFakeAdapter(map[string][]step{
		"stuck": {text("partial")},
		"fast":  {text("ok"), done(0, 0)},
	})
	h := newHarness(t, adapter, func(cfg *CoordinatorConfig) {
		cfg.ModelTimeout = 30 * time.Millisecond
	}, "stuck", "fast")
	h.start(t)
	final := h.wait(t)

	assert.Equal(t, core.RunStatusCompleted, final.Run.Status)
	stuck := resultFor(h.persisted(t), "stuck")
	assert.Equal(t, core.ResultStatusFailed, stuck.Status)
	assert.Contains(t, stuck.Error, "timed out")
	assert.Equal(t, "partial", stuck.Content)
	assert.Equal(t, 1, h.rec.count(TypeModelError, "stuck"))
}

func TestCoordinator_RunEndOnlyWhenAllTerminal(t *testing.T) {
	release := make(chan struct{})
	adapter := newFakeAdapter(map[string][]step{
		"quick": {text("q"), done(0, 0)},
		"late":  {waitFor(release), text("l"), done(0, 0)},
	})
	h := newHarness(t, adapter, nil, "quick", "late")
	h.start(t)

	require.Eventually(t, func() bool {
		return h.rec.count(TypeModelEnd, "quick") == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.rec.count(TypeRunEnd, ""), "run_end must wait for every model")
	assert.Nil(t, h.coord.Snapshot())

	close(release)
	h.wait(t)
	assert.Equal(t, 1, h.rec.count(TypeRunEnd, ""))
}

func TestCoordinator_StreamMatchesPersisted(t *testing.T) {
	chunks := []string{"The ", "quick ", "brown ", "fox ", "jumps"}
	var script []step
	for _, c := range chunks {
		script = append(script, text(c), reasoning("."))
	}
	adapter := newFakeAdapter(map[string][]step{
		"a": append(script, done(0, 0)),
		"b": append(append([]step{}, script[:4]...), errEvent("cut")),
	})
	h := newHarness(t, adapter, nil, "a", "b")
	h.start(t)
	h.wait(t)

	streamed := map[string]*strings.Builder{"a": {}, "b": {}}
	thoughts := map[string]*strings.Builder{"a": {}, "b": {}}
	for _, ev := range h.rec.all() {
		switch e := ev.(type) {
		case Delta:
			streamed[e.ModelID].WriteString(e.TextDelta)
		case ReasoningDelta:
			thoughts[e.ModelID].WriteString(e.ReasoningDelta)
		}
	}

	snap := h.persisted(t)
	for _, id := range []string{"a", "b"} {
		r := resultFor(snap, id)
		assert.Equal(t, streamed[id].String(), r.Content, id)
		assert.Equal(t, thoughts[id].String(), r.Reasoning, id)
	}
	assert.Equal(t, "The quick brown fox jumps", resultFor(snap, "a").Content)
}

func textSteps(n int, s string) []step {
	steps := make([]step, n)
	for i := range steps {
		steps[i] = text(s)
	}
	return steps
}

func TestCoordinator_BlockedConsumerDoesNotStallRun(t *testing.T) {
	adapter := newFakeAdapter(map[string][]step{
		"a": textSteps(400, "x"),
		"b": textSteps(400, "y"),
	})
	release := make(chan struct{})
	h := newHarness(t, adapter, func(cfg *CoordinatorConfig) {
		next := cfg.Emit
		cfg.Emit = func(ev Event) {
			<-release
			next(ev)
		}
	}, "a", "b")
	h.start(t)

	// workers keep persisting while nothing is consumed
	require.Eventually(t, func() bool {
		snap := h.persisted(t)
		return len(resultFor(snap, "a").Content) == 400 && len(resultFor(snap, "b").Content) == 400
	}, 5*time.Second, 10*time.Millisecond)

	canceled := make(chan struct{})
	go func() {
		h.coord.CancelAll()
		close(canceled)
	}()
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("CancelAll blocked behind the consumer")
	}

	select {
	case <-h.coord.Settled():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not settle")
	}
	assert.Equal(t, core.RunStatusCanceled, h.persisted(t).Run.Status)
	assert.Equal(t, core.RunStatusCanceled, h.coord.Snapshot().Run.Status)

	select {
	case <-h.coord.Done():
		t.Fatal("done before run_end was emitted")
	default:
	}

	close(release)
	h.wait(t)
	events := h.rec.all()
	assert.Equal(t, TypeRunStart, events[0].Type())
	assert.Equal(t, TypeRunEnd, events[len(events)-1].Type())
	assert.Equal(t, 400, h.rec.count(TypeDelta, "a"))
}
