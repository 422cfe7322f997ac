package storage

import (
	"context"
	"fmt"

	"github.com/elasticwatch/sentinel/internal/model"
)

// GetChannel fetches a notification channel by ID.
func (db *DB) GetChannel(ctx context.Context, id int64) (model.NotificationChannel, error) {
	var c model.NotificationChannel
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, url, enabled, created_at, updated_at
		 FROM notification_channels WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.URL, &c.Enabled, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return model.NotificationChannel{}, ErrNotFound
		}
		return model.NotificationChannel{}, fmt.Errorf("storage: get channel %d: %w", id, err)
	}
	return c, nil
}
