package sentinel

import (
	"context"
	"net/http"
	"time"

	"github.com/elasticwatch/sentinel/internal/evaluator"
	"github.com/elasticwatch/sentinel/internal/model"
)

// TriggerHandle is the capability external callers (an admin API, a rule
// editor) depend on to request prompt re-evaluation of a rule after it
// was created, updated, or enabled. Callers hold this narrow interface
// instead of a concrete *Scheduler.
type TriggerHandle interface {
	TriggerRule(ruleID int64)
}

// ESClientFactory builds a log-querying client for a resolved data
// source. Overriding it via WithClientFactory lets an embedder swap in a
// custom transport (e.g. a managed ES proxy) without forking esclient.
type ESClientFactory func(ds model.DataSource) (evaluator.ESQuerier, error)

// Notifier delivers one alert's webhook notification. Overriding it via
// WithNotifier lets an embedder route notifications through a different
// channel (Slack, PagerDuty) while keeping the Evaluator's retry/budget
// contract.
type Notifier interface {
	Send(ctx context.Context, rule model.Rule, sample []model.LogDoc, originalCount int, from, to time.Time, maxAttempts int) (bool, error)
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Called once during New(), after the core health/trigger routes are
// registered, so embedders can extend the thin HTTP shell without
// forking internal/server.
type RouteRegistrar func(mux *http.ServeMux, trigger TriggerHandle)

// Middleware wraps the root HTTP handler. Applied outermost, so it sees
// every request including /healthz. Multiple middlewares are applied in
// registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
