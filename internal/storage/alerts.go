package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elasticwatch/sentinel/internal/model"
)

// CreateAlert persists an Alert, returning it with ID and CreatedAt set.
func (db *DB) CreateAlert(ctx context.Context, a model.Alert) (model.Alert, error) {
	logsJSON, err := json.Marshal(a.Logs)
	if err != nil {
		return model.Alert{}, fmt.Errorf("storage: encode alert logs: %w", err)
	}

	err = db.pool.QueryRow(ctx,
		`INSERT INTO alerts (rule_id, index_name, log_count, logs, time_range, status, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		a.RuleID, a.IndexName, a.LogCount, logsJSON, a.TimeRange, a.Status, a.ErrorMessage,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return model.Alert{}, fmt.Errorf("storage: create alert for rule %d: %w", a.RuleID, err)
	}
	return a, nil
}

// MarkAlertStatus sets the terminal delivery status for an alert after
// the notification dispatch completes.
func (db *DB) MarkAlertStatus(ctx context.Context, alertID int64, status model.AlertStatus, errMsg string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE alerts SET status = $2, error_message = $3 WHERE id = $1`,
		alertID, status, errMsg,
	)
	if err != nil {
		return fmt.Errorf("storage: mark alert %d status: %w", alertID, err)
	}
	return nil
}

// CleanupOlderThan hard-deletes alerts with created_at before the cutoff,
// returning the number of rows deleted.
func (db *DB) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM alerts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup alerts older than %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}
