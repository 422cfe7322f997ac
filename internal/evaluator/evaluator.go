// Package evaluator implements the per-rule execution pipeline: window
// resolution, query dispatch, alert persistence, and notification.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elasticwatch/sentinel/internal/model"
	"github.com/elasticwatch/sentinel/internal/storage"
)

// defaultLookback is the window used on a rule's first-ever tick, when
// last_run_time is null.
const defaultLookback = 5 * time.Minute

// backOverlap widens every subsequent window by 2 seconds to guard
// against boundary-timestamp loss between ticks. Must not be removed.
const backOverlap = 2 * time.Second

// maxStoredSample and maxNotifySample are the storage and transmission
// caps on how many matched documents accompany an alert.
const (
	maxStoredSample = 50
	maxNotifySample = 10
)

// ESQuerier is the narrow capability the Evaluator needs from a
// data-source-bound client.
type ESQuerier interface {
	QueryLogs(ctx context.Context, rule model.Rule, from, to time.Time, batchSize int) (int, []model.LogDoc, error)
}

// ClientFactory builds an ESQuerier for a resolved data source.
type ClientFactory func(ds model.DataSource) (ESQuerier, error)

// Notifier is the narrow capability the Evaluator needs from the webhook
// dispatcher.
type Notifier interface {
	Send(ctx context.Context, rule model.Rule, sample []model.LogDoc, originalCount int, from, to time.Time, maxAttempts int) notifierResult
}

// notifierResult mirrors notifier.Result without importing that package
// directly into the interface signature, keeping Evaluator's dependency
// surface to data it actually needs. Implementations outside this
// package reach the Notifier interface through NotifierFunc below.
type notifierResult struct {
	Sent bool
	Err  error
}

// NotifierFunc adapts a plain (bool, error) send function to the Notifier
// interface — typically the root package's Notifier.Send, whose default
// implementation wraps internal/notifier.Notifier.Send.
type NotifierFunc func(ctx context.Context, rule model.Rule, sample []model.LogDoc, originalCount int, from, to time.Time, maxAttempts int) (bool, error)

func (f NotifierFunc) Send(ctx context.Context, rule model.Rule, sample []model.LogDoc, originalCount int, from, to time.Time, maxAttempts int) notifierResult {
	sent, err := f(ctx, rule, sample, originalCount, from, to, maxAttempts)
	return notifierResult{Sent: sent, Err: err}
}

// Config holds the evaluator's tunables.
type Config struct {
	BatchSize   int
	MaxAttempts int
	SendTimeout time.Duration

	// DefaultSourceID references a provisioned data_sources row to fall
	// back to when a rule has no data source of its own.
	DefaultSourceID *int64
	// DefaultSource, when set, is an env-constructed data source (see
	// config.Config.ESDefaultEndpoints) used as the same fallback
	// without requiring a provisioned DB row. Checked only when
	// DefaultSourceID is unset.
	DefaultSource *model.DataSource
}

// Store is the narrow persistence capability the Evaluator needs:
// committing the run cursor, persisting alerts, and resolving the rule's
// webhook channel and data source. *storage.DB satisfies this.
type Store interface {
	RecordRun(ctx context.Context, ruleID int64, at time.Time, matched bool) error
	CreateAlert(ctx context.Context, alert model.Alert) (model.Alert, error)
	GetChannel(ctx context.Context, id int64) (model.NotificationChannel, error)
	GetDataSource(ctx context.Context, id int64) (model.DataSource, error)
	MarkAlertStatus(ctx context.Context, alertID int64, status model.AlertStatus, errMsg string) error
	IncrementAlertCount(ctx context.Context, ruleID int64) error
}

// Evaluator runs one rule tick end to end.
type Evaluator struct {
	store  Store
	client ClientFactory
	notify Notifier
	cfg    Config
	logger *slog.Logger
}

// New builds an Evaluator.
func New(store Store, client ClientFactory, notify Notifier, cfg Config, logger *slog.Logger) *Evaluator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	return &Evaluator{store: store, client: client, notify: notify, cfg: cfg, logger: logger}
}

// Outcome describes what Execute did, for the caller's own logging and
// statistics.
type Outcome struct {
	Skipped bool
	Matched bool
	AlertID int64
	Err     error
}

// Execute runs one evaluation tick for rule. force bypasses the interval
// gate (used for newly-enabled rules and explicit triggers).
func (e *Evaluator) Execute(ctx context.Context, rule model.Rule, force bool) Outcome {
	now := time.Now()

	// 1. Gate.
	if !force && rule.LastRunTime != nil && now.Sub(*rule.LastRunTime) < rule.ClampInterval() {
		return Outcome{Skipped: true}
	}

	// 2. Resolve window.
	from, to := e.resolveWindow(rule, now)

	// 3. Resolve webhook.
	resolvedRule, err := e.resolveWebhook(ctx, rule)
	if err != nil {
		e.logger.Warn("evaluator: config error resolving webhook", "rule_id", rule.ID, "error", err)
		return Outcome{Err: err}
	}

	// 4. Resolve client.
	client, err := e.resolveClient(ctx, rule)
	if err != nil {
		e.logger.Warn("evaluator: config error resolving client", "rule_id", rule.ID, "error", err)
		return Outcome{Err: err}
	}

	// 5. Query.
	total, docs, err := client.QueryLogs(ctx, rule, from, to, e.cfg.BatchSize)
	if err != nil {
		qerr := newError(KindQueryFailed, fmt.Sprintf("rule %d", rule.ID), err)
		e.logger.Warn("evaluator: query failed", "rule_id", rule.ID, "error", qerr)
		return Outcome{Err: qerr}
	}

	// 6. Commit cursor — synchronous, unconditional on match count.
	if err := e.store.RecordRun(ctx, rule.ID, to, len(docs) > 0); err != nil {
		e.logger.Error("evaluator: failed to commit last_run_time", "rule_id", rule.ID, "error", err)
	}

	// 8. Early return on zero matches.
	if len(docs) == 0 {
		return Outcome{Skipped: false, Matched: false}
	}

	// 9. Persist alert.
	stored := docs
	if len(stored) > maxStoredSample {
		stored = stored[:maxStoredSample]
	}
	alert := model.Alert{
		RuleID:    rule.ID,
		IndexName: rule.IndexPattern,
		LogCount:  total,
		Logs:      stored,
		TimeRange: model.FormatTimeRange(from, to),
		Status:    model.AlertFailed, // updated to sent/failed after dispatch
	}
	created, perr := e.store.CreateAlert(ctx, alert)
	if perr != nil {
		e.logger.Error("evaluator: persist alert failed", "rule_id", rule.ID, "error", perr)
		return Outcome{Matched: true, Err: newError(KindPersistFailed, fmt.Sprintf("rule %d", rule.ID), perr)}
	}

	// 10. Dispatch notification (caller holds the concurrency slot through
	// this call, so notification failures don't free a concurrency slot early).
	e.dispatch(ctx, resolvedRule, created, docs, total, from, to)

	return Outcome{Matched: true, AlertID: created.ID}
}

func (e *Evaluator) resolveWindow(rule model.Rule, now time.Time) (time.Time, time.Time) {
	if rule.LastRunTime == nil {
		return now.Add(-defaultLookback), now
	}
	return rule.LastRunTime.Add(-backOverlap), now
}

func (e *Evaluator) resolveWebhook(ctx context.Context, rule model.Rule) (model.Rule, error) {
	if rule.NotificationChanID != nil {
		ch, err := e.store.GetChannel(ctx, *rule.NotificationChanID)
		if err == nil && ch.Enabled && ch.URL != "" {
			rule.WebhookURL = ch.URL
			return rule, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return rule, newError(KindConfigError, "load notification channel", err)
		}
	}
	if rule.WebhookURL == "" {
		return rule, newError(KindConfigError, "no webhook configured", nil)
	}
	return rule, nil
}

func (e *Evaluator) resolveClient(ctx context.Context, rule model.Rule) (ESQuerier, error) {
	dsID := rule.DataSourceID
	if dsID == nil {
		dsID = e.cfg.DefaultSourceID
	}

	var ds model.DataSource
	switch {
	case dsID != nil:
		var err error
		ds, err = e.store.GetDataSource(ctx, *dsID)
		if err != nil {
			return nil, newError(KindConfigError, "load data source", err)
		}
	case e.cfg.DefaultSource != nil:
		ds = *e.cfg.DefaultSource
	default:
		return nil, newError(KindConfigError, "no data source configured", nil)
	}

	if !ds.Enabled {
		return nil, newError(KindConfigError, fmt.Sprintf("data source %d disabled", ds.ID), nil)
	}

	client, err := e.client(ds)
	if err != nil {
		return nil, newError(KindConfigError, "build client", err)
	}
	return client, nil
}

// dispatch sends the notification and updates the alert's terminal
// status. It runs synchronously within Execute's caller-held concurrency
// slot — the detached-task framing belongs to the Scheduler, which
// invokes Execute itself inside a goroutine holding that slot.
func (e *Evaluator) dispatch(ctx context.Context, rule model.Rule, alert model.Alert, docs []model.LogDoc, total int, from, to time.Time) {
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()

	sample := docs
	if len(sample) > maxNotifySample {
		sample = sample[:maxNotifySample]
	}

	res := e.notify.Send(sendCtx, rule, sample, total, from, to, e.cfg.MaxAttempts)

	if res.Sent {
		alert.Status = model.AlertSent
		if err := e.store.MarkAlertStatus(ctx, alert.ID, model.AlertSent, ""); err != nil {
			e.logger.Error("evaluator: failed to mark alert sent", "alert_id", alert.ID, "error", err)
		}
		if err := e.store.IncrementAlertCount(ctx, rule.ID); err != nil {
			e.logger.Error("evaluator: failed to increment alert_count", "rule_id", rule.ID, "error", err)
		}
		return
	}

	msg := "unknown send failure"
	if res.Err != nil {
		msg = res.Err.Error()
	}
	if err := e.store.MarkAlertStatus(ctx, alert.ID, model.AlertFailed, msg); err != nil {
		e.logger.Error("evaluator: failed to mark alert failed", "alert_id", alert.ID, "error", err)
	}
}
