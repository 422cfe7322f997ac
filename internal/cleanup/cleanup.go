// Package cleanup implements the retention sweep: a daily, local-time
// scheduled deletion of alerts older than the configured retention
// window, plus a manual-trigger path shared with the scheduled one.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/elasticwatch/sentinel/internal/model"
)

// tickInterval is how often the worker checks whether the scheduled
// local time has arrived.
const tickInterval = 60 * time.Second

// RetentionStore is the storage surface the Worker needs.
type RetentionStore interface {
	GetRetentionConfig(ctx context.Context) (model.RetentionConfig, error)
	UpdateExecutionStatus(ctx context.Context, status model.ExecutionStatus, result string) error
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker runs the retention sweep.
type Worker struct {
	store RetentionStore
	log   *slog.Logger

	nextRun time.Time
}

// New builds a Worker.
func New(store RetentionStore, log *slog.Logger) *Worker {
	return &Worker{store: store, log: log}
}

// Run blocks, ticking every 60s, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx, time.Now())
		}
	}
}

func (w *Worker) tick(ctx context.Context, now time.Time) {
	cfg, err := w.store.GetRetentionConfig(ctx)
	if err != nil {
		w.log.Warn("cleanup: failed to load retention config", "error", err)
		return
	}
	if !cfg.Enabled {
		return
	}

	if w.nextRun.IsZero() {
		w.nextRun = cfg.NextRun(now)
	}

	if now.Before(w.nextRun) {
		return
	}

	w.sweep(ctx, cfg)
	w.nextRun = cfg.NextRun(now.Add(time.Minute))
}

// sweep performs one retention delete and records the outcome. Shared by
// the scheduled tick and TriggerNow — same delete operation, same
// status-update path, no coupling between them.
func (w *Worker) sweep(ctx context.Context, cfg model.RetentionConfig) {
	cutoff := time.Now().AddDate(0, 0, -cfg.RetentionDays)

	deleted, err := w.store.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		w.log.Error("cleanup: retention delete failed", "error", err)
		if uerr := w.store.UpdateExecutionStatus(ctx, model.ExecutionFailed, err.Error()); uerr != nil {
			w.log.Error("cleanup: failed to record failed execution status", "error", uerr)
		}
		return
	}

	result := model.FormatSweepResult(int(deleted))
	if err := w.store.UpdateExecutionStatus(ctx, model.ExecutionSuccess, result); err != nil {
		w.log.Error("cleanup: failed to record execution status", "error", err)
	}
	w.log.Info("cleanup: retention sweep complete", "deleted", deleted)
}

// TriggerNow runs the sweep immediately, independent of the scheduled
// local-time tick. Used by external callers invoking a manual cleanup.
func (w *Worker) TriggerNow(ctx context.Context) error {
	cfg, err := w.store.GetRetentionConfig(ctx)
	if err != nil {
		return err
	}
	w.sweep(ctx, cfg)
	return nil
}
