// Package esquery translates a rule's condition list and time window into
// an Elasticsearch search request body.
package esquery

import (
	"fmt"
	"strings"
	"time"

	"github.com/elasticwatch/sentinel/internal/model"
)

// timeFormat is strict_date_optional_time (RFC3339 with required offset).
const timeFormat = time.RFC3339

// Build produces the JSON-marshalable search body for the half-open
// window [from, to) and the rule's conditions, per the documented
// operator matrix. Returns an error if any condition uses an operator
// outside the closed set — validated here, at query-build time, since
// the condition list arrives as untyped JSON from the config store.
func Build(conditions []model.QueryCondition, from, to time.Time) (map[string]any, error) {
	must := []map[string]any{
		{
			"range": map[string]any{
				"@timestamp": map[string]any{
					"gte":    from.UTC().Format(timeFormat),
					"lt":     to.UTC().Format(timeFormat),
					"format": "strict_date_optional_time",
				},
			},
		},
	}

	var should []map[string]any
	for _, c := range conditions {
		clause, err := leafClause(c)
		if err != nil {
			return nil, err
		}
		if c.Logic == model.LogicAnd {
			must = append(must, clause)
			continue
		}
		should = append(should, clause)
	}

	boolQuery := map[string]any{"must": must}
	if len(should) > 0 {
		boolQuery["should"] = should
		boolQuery["minimum_should_match"] = 1
	}

	return map[string]any{
		"query": map[string]any{"bool": boolQuery},
		"sort":  []map[string]any{{"@timestamp": map[string]any{"order": "asc"}}},
	}, nil
}

func leafClause(c model.QueryCondition) (map[string]any, error) {
	switch c.Op {
	case model.OpEQ, model.OpEQEQ, model.OpEquals:
		return map[string]any{"term": map[string]any{c.Field: c.Value}}, nil

	case model.OpNEQ, model.OpNotEquals:
		return negate(map[string]any{"term": map[string]any{c.Field: c.Value}}), nil

	case model.OpGT, model.OpGt:
		return rangeClause(c.Field, "gt", c.Value), nil
	case model.OpGTE, model.OpGte:
		return rangeClause(c.Field, "gte", c.Value), nil
	case model.OpLT, model.OpLt:
		return rangeClause(c.Field, "lt", c.Value), nil
	case model.OpLTE, model.OpLte:
		return rangeClause(c.Field, "lte", c.Value), nil

	case model.OpContains:
		return map[string]any{
			"wildcard": map[string]any{
				c.Field: map[string]any{
					"value":            "*" + EscapeWildcard(fmt.Sprint(c.Value)) + "*",
					"case_insensitive": true,
				},
			},
		}, nil

	case model.OpNotContains:
		return negate(map[string]any{
			"wildcard": map[string]any{
				c.Field: map[string]any{
					"value":            "*" + EscapeWildcard(fmt.Sprint(c.Value)) + "*",
					"case_insensitive": true,
				},
			},
		}), nil

	case model.OpExists:
		return map[string]any{"exists": map[string]any{"field": c.Field}}, nil

	default:
		return nil, fmt.Errorf("esquery: unknown operator %q for field %q", c.Op, c.Field)
	}
}

func rangeClause(field, op string, value any) map[string]any {
	return map[string]any{"range": map[string]any{field: map[string]any{op: value}}}
}

func negate(clause map[string]any) map[string]any {
	return map[string]any{"bool": map[string]any{"must_not": []map[string]any{clause}}}
}

// EscapeWildcard escapes Elasticsearch wildcard metacharacters (`*`, `?`)
// and the escape character itself (`\`) so user-supplied contains/
// not_contains values match literally outside the `*value*` wrapper.
func EscapeWildcard(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '*', '?':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
