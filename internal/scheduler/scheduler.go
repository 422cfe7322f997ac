// Package scheduler owns rule lifetimes: a reconcile loop that tracks
// which rules should be running, one cooperative task per enabled rule,
// and the global concurrency semaphore that bounds simultaneous
// evaluations.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/elasticwatch/sentinel/internal/model"
)

// RuleLister is the storage surface the reconcile loop needs.
type RuleLister interface {
	ListEnabledRules(ctx context.Context) ([]model.Rule, error)
	GetRule(ctx context.Context, id int64) (model.Rule, error)
}

// Executor runs one rule tick. *evaluator.Evaluator is adapted to it by
// the root package's schedulerExecutor.
type Executor interface {
	Execute(ctx context.Context, rule model.Rule, force bool) Outcome
}

// Outcome mirrors evaluator.Outcome's shape without importing
// internal/evaluator, which would otherwise create an import cycle
// through shared test helpers. Concrete Evaluators are adapted by a
// wrapper type (the root package's schedulerExecutor) or an ExecutorFunc.
type Outcome struct {
	Skipped bool
	Matched bool
	Err     error
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, rule model.Rule, force bool) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, rule model.Rule, force bool) Outcome {
	return f(ctx, rule, force)
}

// Config holds the scheduler's tunables.
type Config struct {
	ReconcileInterval time.Duration // default 30s
	MaxConcurrency    int           // default 10, min 1
}

// Scheduler runs the reconcile loop and per-rule tasks.
type Scheduler struct {
	store RuleLister
	exec  Executor
	cfg   Config
	log   *slog.Logger

	sem chan struct{}

	rootCtx    context.Context
	cancelRoot context.CancelFunc

	mu      sync.Mutex // guards running
	running map[int64]context.CancelFunc

	trigger chan int64

	wg   sync.WaitGroup
	done chan struct{}
}

// New builds a Scheduler. Start must be called to begin running tasks.
func New(store RuleLister, exec Executor, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 10
	}
	return &Scheduler{
		store:   store,
		exec:    exec,
		cfg:     cfg,
		log:     log,
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		running: make(map[int64]context.CancelFunc),
		trigger: make(chan int64, 100),
		done:    make(chan struct{}),
	}
}

// Start begins the reconcile loop under ctx. Call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) {
	s.rootCtx, s.cancelRoot = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.reconcileLoop()
}

// Stop cancels all running tasks and blocks (up to drainTimeout) for
// them to finish.
func (s *Scheduler) Stop(drainTimeout time.Duration) {
	s.cancelRoot()

	wait := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(wait)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-wait:
	case <-timer.C:
		s.log.Warn("scheduler: drain timed out", "timeout", drainTimeout)
	}
}

// TriggerRule notifies the reconcile loop that ruleID's config changed
// (created, updated, enabled) and should be reconciled promptly. This is
// the capability object callers depend on instead of
// a package-level singleton.
func (s *Scheduler) TriggerRule(ruleID int64) {
	select {
	case s.trigger <- ruleID:
	default:
		// Buffer full: the trigger is a performance hint, not a
		// correctness mechanism. The next periodic reconcile recovers it.
		s.log.Debug("scheduler: trigger channel full, dropping", "rule_id", ruleID)
	}
}

func (s *Scheduler) reconcileLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	s.reconcile(s.rootCtx)

	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-ticker.C:
			s.reconcile(s.rootCtx)
		case ruleID := <-s.trigger:
			s.reconcile(s.rootCtx)
			s.forceIfIdle(s.rootCtx, ruleID)
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context) {
	rules, err := s.store.ListEnabledRules(ctx)
	if err != nil {
		s.log.Warn("scheduler: reconcile failed to list enabled rules", "error", err)
		return
	}

	enabled := make(map[int64]model.Rule, len(rules))
	for _, r := range rules {
		enabled[r.ID] = r
	}

	s.mu.Lock()
	var toStop []int64
	for id := range s.running {
		if _, ok := enabled[id]; !ok {
			toStop = append(toStop, id)
		}
	}
	for _, id := range toStop {
		s.running[id]()
		delete(s.running, id)
	}
	var toStart []model.Rule
	for id, r := range enabled {
		if _, ok := s.running[id]; !ok {
			toStart = append(toStart, r)
		}
	}
	s.mu.Unlock()

	for _, r := range toStart {
		s.startRuleTask(r)
	}
}

// forceIfIdle handles a trigger arriving for a rule that is enabled but
// not yet running (e.g. a disabled-then-enabled edit that raced the
// reconcile above): it runs one force-execution directly under the
// concurrency semaphore rather than waiting for the next tick.
func (s *Scheduler) forceIfIdle(ctx context.Context, ruleID int64) {
	s.mu.Lock()
	_, running := s.running[ruleID]
	s.mu.Unlock()
	if running {
		return
	}

	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil || !rule.Enabled {
		return
	}

	if !s.acquire(ctx) {
		return
	}
	defer s.release()
	s.exec.Execute(ctx, rule, true)
}

func (s *Scheduler) startRuleTask(rule model.Rule) {
	taskCtx, cancel := context.WithCancel(s.rootCtx)

	s.mu.Lock()
	s.running[rule.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runRuleTask(taskCtx, rule)
}

func (s *Scheduler) runRuleTask(ctx context.Context, rule model.Rule) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, rule.ID)
		s.mu.Unlock()
	}()

	// Immediate force-execution so newly enabled rules fire without
	// waiting for the first tick.
	s.runOnce(ctx, rule, true)

	interval := rule.ClampInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := s.store.GetRule(ctx, rule.ID)
			if err != nil {
				s.log.Warn("scheduler: reload rule failed", "rule_id", rule.ID, "error", err)
				continue
			}
			if newInterval := current.ClampInterval(); newInterval != interval {
				interval = newInterval
				ticker.Reset(interval)
			}
			s.runOnce(ctx, current, false)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, rule model.Rule, force bool) {
	if !s.acquire(ctx) {
		return
	}
	defer s.release()
	s.exec.Execute(ctx, rule, force)
}

func (s *Scheduler) acquire(ctx context.Context) bool {
	select {
	case s.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) release() {
	<-s.sem
}
