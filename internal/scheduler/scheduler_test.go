package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elasticwatch/sentinel/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	rules map[int64]model.Rule
}

func newFakeStore(rules ...model.Rule) *fakeStore {
	m := make(map[int64]model.Rule, len(rules))
	for _, r := range rules {
		m[r.ID] = r
	}
	return &fakeStore{rules: m}
}

func (f *fakeStore) ListEnabledRules(ctx context.Context) ([]model.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Rule
	for _, r := range f.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) GetRule(ctx context.Context, id int64) (model.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[id], nil
}

func (f *fakeStore) setEnabled(id int64, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rules[id]
	r.Enabled = enabled
	f.rules[id] = r
}

type countingExecutor struct {
	mu        sync.Mutex
	calls     int32
	inflight  int32
	maxInOnce int32
}

func (c *countingExecutor) Execute(ctx context.Context, rule model.Rule, force bool) Outcome {
	atomic.AddInt32(&c.calls, 1)
	n := atomic.AddInt32(&c.inflight, 1)
	defer atomic.AddInt32(&c.inflight, -1)

	c.mu.Lock()
	if n > c.maxInOnce {
		c.maxInOnce = n
	}
	c.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	return Outcome{Matched: true}
}

func noopLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestStartRunsImmediateForceExecution(t *testing.T) {
	rule := model.Rule{ID: 1, Enabled: true, IntervalSecs: 60}
	store := newFakeStore(rule)
	exec := &countingExecutor{}
	s := New(store, exec, Config{ReconcileInterval: 50 * time.Millisecond, MaxConcurrency: 5}, noopLogger())

	s.Start(t.Context())
	defer s.Stop(time.Second)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&exec.calls) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrencyCapIsRespected(t *testing.T) {
	rules := make([]model.Rule, 0, 5)
	for i := int64(1); i <= 5; i++ {
		rules = append(rules, model.Rule{ID: i, Enabled: true, IntervalSecs: 10})
	}
	store := newFakeStore(rules...)
	exec := &countingExecutor{}
	s := New(store, exec, Config{ReconcileInterval: time.Second, MaxConcurrency: 2}, noopLogger())

	s.Start(t.Context())
	defer s.Stop(time.Second)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&exec.calls) >= 5
	}, 2*time.Second, 10*time.Millisecond)

	exec.mu.Lock()
	maxSeen := exec.maxInOnce
	exec.mu.Unlock()
	require.LessOrEqual(t, maxSeen, int32(2))
}

func TestReconcileStopsDisabledRuleTask(t *testing.T) {
	rule := model.Rule{ID: 7, Enabled: true, IntervalSecs: 10}
	store := newFakeStore(rule)
	exec := &countingExecutor{}
	s := New(store, exec, Config{ReconcileInterval: 30 * time.Millisecond, MaxConcurrency: 5}, noopLogger())

	s.Start(t.Context())
	defer s.Stop(time.Second)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.running[7]
		return ok
	}, time.Second, 10*time.Millisecond)

	store.setEnabled(7, false)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.running[7]
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestTriggerRuleForcesIdleEnabledRule(t *testing.T) {
	rule := model.Rule{ID: 3, Enabled: true, IntervalSecs: 3600}
	store := newFakeStore(rule)
	exec := &countingExecutor{}
	s := New(store, exec, Config{ReconcileInterval: time.Hour, MaxConcurrency: 5}, noopLogger())

	// The reconcile loop is not started, so no per-rule task is running
	// for the rule. The trigger is handed to forceIfIdle exactly as the
	// loop's trigger branch does, simulating an edit arriving before the
	// rule's task exists.
	s.TriggerRule(3)
	s.forceIfIdle(t.Context(), <-s.trigger)

	require.EqualValues(t, 1, atomic.LoadInt32(&exec.calls))
}
