package storage

import (
	"context"
	"fmt"

	"github.com/elasticwatch/sentinel/internal/model"
)

// GetDataSource fetches a data source by ID. Password is returned encrypted
// as stored; callers must decrypt via internal/secretcrypto before dialing.
func (db *DB) GetDataSource(ctx context.Context, id int64) (model.DataSource, error) {
	var d model.DataSource
	var endpoints string
	var caPEM []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, endpoints, username, password,
		        use_tls, skip_verify, ca_pem, enabled, last_test_status, last_tested_at,
		        created_at, updated_at
		 FROM data_sources WHERE id = $1`,
		id,
	).Scan(
		&d.ID, &d.Name, &endpoints, &d.Username, &d.Password,
		&d.TLS.UseTLS, &d.TLS.SkipVerify, &caPEM, &d.Enabled, &d.LastTestStatus, &d.LastTestedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return model.DataSource{}, ErrNotFound
		}
		return model.DataSource{}, fmt.Errorf("storage: get data source %d: %w", id, err)
	}
	d.Endpoints = model.ParseEndpoints(endpoints)
	d.TLS.CAPEM = caPEM
	return d, nil
}

// RecordTestResult writes the outcome of a connectivity probe.
func (db *DB) RecordTestResult(ctx context.Context, id int64, status model.TestStatus) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE data_sources SET last_test_status = $2, last_tested_at = now() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("storage: record test result for data source %d: %w", id, err)
	}
	return nil
}
