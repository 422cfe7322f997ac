package model

import "time"

// AlertStatus is the delivery state of an Alert's notification.
type AlertStatus string

const (
	AlertSent   AlertStatus = "sent"
	AlertFailed AlertStatus = "failed"
)

// LogDoc is one matched document, merged with its source index and ID —
// the shape QueryLogs returns from Elasticsearch.
type LogDoc struct {
	Index  string         `json:"_index"`
	ID     string         `json:"_id"`
	Source map[string]any `json:"_source"`
}

// maxStoredLogs bounds how many matched documents an Alert persists,
// regardless of how many the query actually matched.
const maxStoredLogs = 50

// Alert is evidence that one rule tick matched at least one log document.
type Alert struct {
	ID        int64
	RuleID    int64
	IndexName string

	// LogCount is the pre-truncation match count; Logs may be a proper
	// prefix of what actually matched.
	LogCount int
	Logs     []LogDoc

	TimeRange string // "YYYY-MM-DD HH:MM:SS ~ YYYY-MM-DD HH:MM:SS", server local time

	Status       AlertStatus
	ErrorMessage string

	CreatedAt time.Time
}

// TruncateLogs caps logs to maxStoredLogs, preserving the true count
// separately so log_count always reflects the pre-truncation match size.
func TruncateLogs(logs []LogDoc) []LogDoc {
	if len(logs) <= maxStoredLogs {
		return logs
	}
	out := make([]LogDoc, maxStoredLogs)
	copy(out, logs[:maxStoredLogs])
	return out
}

// FormatTimeRange renders the stable "from ~ to" string stored with alerts,
// in server local time.
func FormatTimeRange(from, to time.Time) string {
	const layout = "2006-01-02 15:04:05"
	return from.Local().Format(layout) + " ~ " + to.Local().Format(layout)
}
