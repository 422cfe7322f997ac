package esclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/elasticwatch/sentinel/internal/model"
	"github.com/stretchr/testify/require"
)

func TestQueryLogsDrainsScrollPagesAndClearsCursor(t *testing.T) {
	var scrollCalls, clearCalls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/test-index/_search":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"_scroll_id": "scroll-1",
				"hits": map[string]any{
					"total": map[string]any{"value": 2},
					"hits": []map[string]any{
						{"_index": "test-index", "_id": "1", "_source": map[string]any{"msg": "a"}},
					},
				},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/_search/scroll":
			scrollCalls++
			w.Header().Set("Content-Type", "application/json")
			if scrollCalls == 1 {
				_ = json.NewEncoder(w).Encode(map[string]any{
					"_scroll_id": "scroll-2",
					"hits": map[string]any{
						"total": map[string]any{"value": 2},
						"hits": []map[string]any{
							{"_index": "test-index", "_id": "2", "_source": map[string]any{"msg": "b"}},
						},
					},
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"_scroll_id": "scroll-2",
				"hits":       map[string]any{"total": map[string]any{"value": 2}, "hits": []map[string]any{}},
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/_search/scroll":
			clearCalls++
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	ds := model.DataSource{Name: "test", Endpoints: []string{srv.URL}}
	client, err := New(ds, time.Second*5)
	require.NoError(t, err)

	rule := model.Rule{IndexPattern: "test-index"}
	total, docs, err := client.QueryLogs(t.Context(), rule, time.Now().Add(-time.Hour), time.Now(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, docs, 2)
	require.Equal(t, 1, clearCalls)
}

func TestQueryLogsFailsOverToNextEndpoint(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	var upCalls int
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/test-index/_search":
			upCalls++
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"_scroll_id": "scroll-1",
				"hits": map[string]any{
					"total": map[string]any{"value": 1},
					"hits": []map[string]any{
						{"_index": "test-index", "_id": "1", "_source": map[string]any{"msg": "a"}},
					},
				},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/_search/scroll":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"_scroll_id": "scroll-1",
				"hits":       map[string]any{"total": map[string]any{"value": 1}, "hits": []map[string]any{}},
			})
		case r.Method == http.MethodDelete && r.URL.Path == "/_search/scroll":
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer up.Close()

	// endpoint() starts its round-robin at index 0, so the first call
	// hits the down endpoint and must fail over to the second.
	ds := model.DataSource{Name: "test", Endpoints: []string{down.URL, up.URL}}
	client, err := New(ds, time.Second*5)
	require.NoError(t, err)

	rule := model.Rule{IndexPattern: "test-index"}
	total, docs, err := client.QueryLogs(t.Context(), rule, time.Now().Add(-time.Hour), time.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, docs, 1)
	require.Equal(t, 1, upCalls)
}

func TestQueryLogsRejectsAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ds := model.DataSource{Name: "test", Endpoints: []string{srv.URL}}
	client, err := New(ds, time.Second)
	require.NoError(t, err)

	rule := model.Rule{IndexPattern: "test-index"}
	_, _, err = client.QueryLogs(t.Context(), rule, time.Now().Add(-time.Hour), time.Now(), 10)
	require.Error(t, err)
}
