package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elasticwatch/sentinel/internal/model"
	"github.com/stretchr/testify/require"
)

func TestSendSucceedsOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0})
	}))
	defer srv.Close()

	rule := model.Rule{Name: "high error rate", WebhookURL: srv.URL}
	n := New()
	res := n.Send(t.Context(), rule, nil, 3, time.Now(), time.Now(), 3)
	require.True(t, res.Sent)
	require.NoError(t, res.Err)
}

func TestSendRetriesOnNonZeroCode(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 500})
	}))
	defer srv.Close()

	rule := model.Rule{Name: "svc", WebhookURL: srv.URL}
	n := New()
	ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
	defer cancel()
	res := n.Send(ctx, rule, nil, 1, time.Now(), time.Now(), 3)
	require.False(t, res.Sent)
	require.Error(t, res.Err)
	require.EqualValues(t, 3, calls.Load())
}

func TestSendHonoursCancelledBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rule := model.Rule{Name: "svc", WebhookURL: srv.URL}
	n := New()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	res := n.Send(ctx, rule, nil, 1, time.Now(), time.Now(), 5)
	require.False(t, res.Sent)
	require.Error(t, res.Err)
}

func TestExtractSampleNginxByRuleName(t *testing.T) {
	rule := model.Rule{Name: "nginx 5xx watch"}
	doc := model.LogDoc{Source: map[string]any{
		"response_code": 502, "request": "/api/x?token=abc", "@timestamp": "2026-07-31T00:00:00Z",
	}}
	fields := extractSample(rule, doc)
	require.Equal(t, "/api/x", fields["request"])
	require.Equal(t, "-", fields["cf_ray"])
}

func TestExtractSampleAutoDetectsAppLogs(t *testing.T) {
	rule := model.Rule{Name: "generic"}
	doc := model.LogDoc{Source: map[string]any{
		"module": "billing", "node_ip": "10.0.0.1", "message": "line one\nline two",
	}}
	fields := extractSample(rule, doc)
	require.Equal(t, "billing", fields["module"])
	require.NotContains(t, fields["message"], "\n")
}
