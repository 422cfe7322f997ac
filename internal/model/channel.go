package model

import "time"

// NotificationChannel is a named, reusable webhook target. Rules normally
// reference one by ID; Rule.WebhookURL is an inline fallback for rules that
// skip the shared-channel indirection.
type NotificationChannel struct {
	ID      int64
	Name    string
	URL     string
	Enabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
