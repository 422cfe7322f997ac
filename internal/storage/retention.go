package storage

import (
	"context"
	"fmt"

	"github.com/elasticwatch/sentinel/internal/model"
)

// retentionConfigID is the fixed row ID for the single retention config.
const retentionConfigID = 1

// GetRetentionConfig returns the singleton retention config, defaulting to
// a disabled, never-run config if no row exists yet.
func (db *DB) GetRetentionConfig(ctx context.Context) (model.RetentionConfig, error) {
	var c model.RetentionConfig
	err := db.pool.QueryRow(ctx,
		`SELECT enabled, hour, minute, retention_days,
		        last_execution_status, last_execution_time, last_execution_result
		 FROM retention_config WHERE id = $1`,
		retentionConfigID,
	).Scan(&c.Enabled, &c.Hour, &c.Minute, &c.RetentionDays,
		&c.LastExecutionStatus, &c.LastExecutionTime, &c.LastExecutionResult)
	if isNoRows(err) {
		return model.RetentionConfig{
			Enabled:             false,
			Hour:                3,
			Minute:              0,
			RetentionDays:       30,
			LastExecutionStatus: model.ExecutionNever,
		}, nil
	}
	if err != nil {
		return model.RetentionConfig{}, fmt.Errorf("storage: get retention config: %w", err)
	}
	return c, nil
}

// UpdateSchedule upserts the schedule-facing fields (enabled/hour/minute/
// retention_days) while leaving the three execution-status fields
// untouched — the read-modify-write config-write preservation invariant.
func (db *DB) UpdateSchedule(ctx context.Context, enabled bool, hour, minute, retentionDays int) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO retention_config (id, enabled, hour, minute, retention_days, last_execution_status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   enabled = EXCLUDED.enabled,
		   hour = EXCLUDED.hour,
		   minute = EXCLUDED.minute,
		   retention_days = EXCLUDED.retention_days`,
		retentionConfigID, enabled, hour, minute, retentionDays, model.ExecutionNever,
	)
	if err != nil {
		return fmt.Errorf("storage: update retention schedule: %w", err)
	}
	return nil
}

// UpdateExecutionStatus records the outcome of a completed (or failed)
// retention sweep, leaving the schedule fields untouched.
func (db *DB) UpdateExecutionStatus(ctx context.Context, status model.ExecutionStatus, result string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE retention_config
		 SET last_execution_status = $2, last_execution_time = now(), last_execution_result = $3
		 WHERE id = $1`,
		retentionConfigID, status, result,
	)
	if err != nil {
		return fmt.Errorf("storage: update retention execution status: %w", err)
	}
	return nil
}
