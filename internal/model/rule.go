// Package model holds the persisted domain types the evaluation engine
// reads and writes: rules, their query conditions, alerts, and the external
// data sources and notification channels rules reference.
package model

import (
	"encoding/json"
	"time"
)

// Operator is the closed set of predicates a QueryCondition may express.
type Operator string

const (
	OpEQ          Operator = "="
	OpEQEQ        Operator = "=="
	OpEquals      Operator = "equals"
	OpNEQ         Operator = "!="
	OpNotEquals   Operator = "not_equals"
	OpGT          Operator = ">"
	OpGTE         Operator = ">="
	OpLT          Operator = "<"
	OpLTE         Operator = "<="
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpExists      Operator = "exists"
)

// validOperators is the closed set of comparison operators; unknown ones are
// rejected at query-build time, not at config-write time, because the
// condition list arrives as untyped JSON from the config store.
var validOperators = map[Operator]bool{
	OpEQ: true, OpEQEQ: true, OpEquals: true,
	OpNEQ: true, OpNotEquals: true,
	OpGT: true, OpGTE: true, OpLT: true, OpLTE: true,
	OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpContains: true, OpNotContains: true, OpExists: true,
}

// IsValidOperator reports whether op is one of the allowed comparison operators.
func IsValidOperator(op Operator) bool {
	return validOperators[op]
}

// Logic joins a QueryCondition to the rest of the rule's condition list.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// QueryCondition is one predicate in a rule's condition list.
type QueryCondition struct {
	Field string   `json:"field"`
	Op    Operator `json:"operator"`
	Value any      `json:"value"`
	Logic Logic    `json:"logic"`
	Type  string   `json:"type,omitempty"` // legacy hint, unused by the query builder
}

// UnmarshalJSON accepts either "operator" or the shorthand "op" key, since
// both spellings appear in stored rule configs.
func (c *QueryCondition) UnmarshalJSON(data []byte) error {
	type alias QueryCondition
	var wire struct {
		alias
		OpShort *Operator `json:"op"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*c = QueryCondition(wire.alias)
	if c.Op == "" && wire.OpShort != nil {
		c.Op = *wire.OpShort
	}
	return nil
}

// Rule is a user-defined time-windowed evaluation unit.
type Rule struct {
	ID          int64
	Name        string
	Description string

	IndexPattern string
	Conditions   []QueryCondition
	IntervalSecs int // clamped to >=10 at read time; see ClampInterval

	DataSourceID       *int64
	NotificationChanID *int64
	WebhookURL         string // inline fallback when NotificationChanID is unset

	Enabled bool

	// Statistics — mutated only by the Evaluator, never by user writes.
	LastRunTime *time.Time
	RunCount    int64
	AlertCount  int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// minInterval is the floor intervals are silently clamped to.
// Preserved deliberately: users who configure a sub-10s interval are not
// surprised by a rejected write, just a slower-than-requested cadence.
const minInterval = 10 * time.Second

// ClampInterval returns the effective tick interval for the rule, enforcing
// the documented 10-second floor.
func (r Rule) ClampInterval() time.Duration {
	d := time.Duration(r.IntervalSecs) * time.Second
	if d < minInterval {
		return minInterval
	}
	return d
}
