package model

import (
	"fmt"
	"time"
)

// ExecutionStatus is the outcome of the most recent retention sweep.
type ExecutionStatus string

const (
	ExecutionNever   ExecutionStatus = "never"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// RetentionConfig is a singleton row: one cleanup schedule for the whole
// deployment. Callers updating Enabled/Hour/Minute/RetentionDays must
// read-modify-write so the three execution-status fields survive the
// edit untouched.
type RetentionConfig struct {
	Enabled bool
	Hour    int // 0-23, local time
	Minute  int // 0-59, local time

	RetentionDays int // >=1

	LastExecutionStatus ExecutionStatus
	LastExecutionTime   *time.Time
	LastExecutionResult string
}

// NextRun returns the next local-time occurrence of (Hour, Minute) at or
// after now, rolling to tomorrow if today's slot has already passed.
func (c RetentionConfig) NextRun(now time.Time) time.Time {
	now = now.Local()
	next := time.Date(now.Year(), now.Month(), now.Day(), c.Hour, c.Minute, 0, 0, now.Location())
	if next.Before(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// FormatSweepResult renders the bilingual-source result string the Cleanup
// Worker writes to LastExecutionResult.
func FormatSweepResult(deleted int) string {
	if deleted == 0 {
		return "没有需要清理的数据"
	}
	return fmt.Sprintf("成功删除 %d 条告警数据", deleted)
}
