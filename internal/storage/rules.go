package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elasticwatch/sentinel/internal/model"
)

// ListEnabledRules returns every enabled rule, for the scheduler's
// reconcile pass.
func (db *DB) ListEnabledRules(ctx context.Context) ([]model.Rule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, description, index_pattern, conditions, interval_secs,
		        data_source_id, notification_channel_id, webhook_url, enabled,
		        last_run_time, run_count, alert_count, created_at, updated_at
		 FROM rules WHERE enabled = true ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled rules: %w", err)
	}
	defer rows.Close()

	var out []model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRule fetches a single rule by ID.
func (db *DB) GetRule(ctx context.Context, id int64) (model.Rule, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, name, description, index_pattern, conditions, interval_secs,
		        data_source_id, notification_channel_id, webhook_url, enabled,
		        last_run_time, run_count, alert_count, created_at, updated_at
		 FROM rules WHERE id = $1`,
		id,
	)
	r, err := scanRule(row)
	if err != nil {
		return model.Rule{}, fmt.Errorf("storage: get rule %d: %w", id, err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (model.Rule, error) {
	var r model.Rule
	var conditionsJSON []byte
	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &r.IndexPattern, &conditionsJSON, &r.IntervalSecs,
		&r.DataSourceID, &r.NotificationChanID, &r.WebhookURL, &r.Enabled,
		&r.LastRunTime, &r.RunCount, &r.AlertCount, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return model.Rule{}, ErrNotFound
		}
		return model.Rule{}, err
	}
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &r.Conditions); err != nil {
			return model.Rule{}, fmt.Errorf("storage: decode rule conditions: %w", err)
		}
	}
	return r, nil
}

// RecordRun sets last_run_time to at and increments run_count. matched
// is currently informational only — alert_count is incremented
// separately by IncrementAlertCount, only once a notification actually
// sends successfully, not merely on a match.
func (db *DB) RecordRun(ctx context.Context, ruleID int64, at time.Time, matched bool) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE rules SET last_run_time = $2, run_count = run_count + 1 WHERE id = $1`,
		ruleID, at,
	)
	if err != nil {
		return fmt.Errorf("storage: record run for rule %d: %w", ruleID, err)
	}
	return nil
}

// IncrementAlertCount bumps a rule's alert_count by 1. Called only after
// a notification is confirmed sent.
func (db *DB) IncrementAlertCount(ctx context.Context, ruleID int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE rules SET alert_count = alert_count + 1 WHERE id = $1`,
		ruleID,
	)
	if err != nil {
		return fmt.Errorf("storage: increment alert_count for rule %d: %w", ruleID, err)
	}
	return nil
}
