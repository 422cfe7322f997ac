// Package esclient implements a round-robin, TLS-aware HTTP client pool
// for querying Elasticsearch, with scroll-cursor pagination.
package esclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/elasticwatch/sentinel/internal/esquery"
	"github.com/elasticwatch/sentinel/internal/model"
)

// maxDocs is the hard cap on documents drained across all scroll pages,
// regardless of how many the query actually matched.
const maxDocs = 10000

// defaultQueryTimeout is used when the caller's context carries no
// deadline of its own.
const defaultQueryTimeout = 30 * time.Second

// idleConnTimeout bounds how long a pooled connection is kept idle.
const idleConnTimeout = 90 * time.Second

// Client round-robins requests across a DataSource's endpoints.
type Client struct {
	http      *http.Client
	endpoints []string
	username  string
	password  string
	next      atomic.Uint64

	queryTimeout time.Duration
}

// New builds a Client from a DataSource. Password must already be
// decrypted by the caller.
func New(ds model.DataSource, queryTimeout time.Duration) (*Client, error) {
	if len(ds.Endpoints) == 0 {
		return nil, fmt.Errorf("esclient: data source %q has no endpoints", ds.Name)
	}

	tlsCfg, err := buildTLSConfig(ds)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig:     tlsCfg,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     idleConnTimeout,
	}

	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}

	return &Client{
		http:         &http.Client{Transport: transport},
		endpoints:    ds.Endpoints,
		username:     ds.Username,
		password:     ds.Password,
		queryTimeout: queryTimeout,
	}, nil
}

func buildTLSConfig(ds model.DataSource) (*tls.Config, error) {
	useTLS := ds.TLS.UseTLS
	for _, ep := range ds.Endpoints {
		if strings.HasPrefix(strings.ToLower(ep), "https://") {
			useTLS = true
		}
	}
	if !useTLS {
		return nil, nil
	}

	cfg := &tls.Config{InsecureSkipVerify: ds.TLS.SkipVerify} //nolint:gosec // operator-controlled per data source

	if len(ds.TLS.CAPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ds.TLS.CAPEM) {
			return nil, fmt.Errorf("esclient: invalid CA PEM")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// endpoint returns the next endpoint in round-robin order.
func (c *Client) endpoint() string {
	i := c.next.Add(1) - 1
	return c.endpoints[i%uint64(len(c.endpoints))]
}

// QueryLogs runs rule.Conditions against the rule's index pattern over
// [from, to), draining scroll pages up to maxDocs. Returns the
// pre-truncation match count and the matched documents (also capped at
// maxDocs, independent of any caller-side sample truncation).
func (c *Client) QueryLogs(ctx context.Context, rule model.Rule, from, to time.Time, batchSize int) (int, []model.LogDoc, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
	}

	if batchSize <= 0 {
		batchSize = 200
	}

	body, err := esquery.Build(rule.Conditions, from, to)
	if err != nil {
		return 0, nil, fmt.Errorf("esclient: build query: %w", err)
	}

	scrollID, total, docs, err := c.openScroll(ctx, rule.IndexPattern, body, batchSize)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if scrollID != "" {
			c.clearScroll(context.WithoutCancel(ctx), scrollID)
		}
	}()

	for scrollID != "" && len(docs) < maxDocs {
		var page []model.LogDoc
		scrollID, page, err = c.scrollNext(ctx, scrollID)
		if err != nil {
			return 0, nil, err
		}
		if len(page) == 0 {
			break
		}
		docs = append(docs, page...)
	}

	if len(docs) > maxDocs {
		docs = docs[:maxDocs]
	}
	return total, docs, nil
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Index  string         `json:"_index"`
			ID     string         `json:"_id"`
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func toLogDocs(resp searchResponse) []model.LogDoc {
	out := make([]model.LogDoc, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		out = append(out, model.LogDoc{Index: h.Index, ID: h.ID, Source: h.Source})
	}
	return out
}

func (c *Client) openScroll(ctx context.Context, indexPattern string, query map[string]any, batchSize int) (string, int, []model.LogDoc, error) {
	reqBody := make(map[string]any, len(query)+1)
	for k, v := range query {
		reqBody[k] = v
	}
	reqBody["size"] = batchSize

	path := fmt.Sprintf("/%s/_search?scroll=1m", url.PathEscape(indexPattern))
	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, path, reqBody, &resp); err != nil {
		return "", 0, nil, err
	}
	return resp.ScrollID, resp.Hits.Total.Value, toLogDocs(resp), nil
}

func (c *Client) scrollNext(ctx context.Context, scrollID string) (string, []model.LogDoc, error) {
	reqBody := map[string]any{"scroll": "1m", "scroll_id": scrollID}
	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, "/_search/scroll", reqBody, &resp); err != nil {
		return "", nil, err
	}
	return resp.ScrollID, toLogDocs(resp), nil
}

// clearScroll releases the server-side cursor. Errors are non-fatal: the
// scroll will expire on its own after its keep-alive window.
func (c *Client) clearScroll(ctx context.Context, scrollID string) {
	_ = c.do(ctx, http.MethodDelete, "/_search/scroll", map[string]any{"scroll_id": []string{scrollID}}, nil)
}

// maxEndpointAttempts bounds the round-robin failover in do(): a failed
// endpoint is transparently retried against the next one up to 3 times,
// per spec.md §4.2.
const maxEndpointAttempts = 3

// do issues a request, failing over to the next round-robin endpoint on
// transport errors and 5xx responses, up to maxEndpointAttempts. Auth
// rejections and other 4xx responses are terminal: they indicate the
// request itself is bad, not that the endpoint is down, so no other
// endpoint would fare better.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("esclient: encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxEndpointAttempts; attempt++ {
		if attempt > 0 && ctx.Err() != nil {
			return lastErr
		}

		var bodyReader io.Reader
		if encoded != nil {
			bodyReader = bytes.NewReader(encoded)
		}

		endpoint := c.endpoint()
		retryable, err := c.doOnce(ctx, method, endpoint, path, bodyReader, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}

// doOnce issues a single request against endpoint. The bool return
// reports whether the failure is one the round-robin pool should retry
// against the next endpoint (transport errors, 5xx) rather than a
// terminal one (auth rejection, other 4xx).
func (c *Client) doOnce(ctx context.Context, method, endpoint, path string, bodyReader io.Reader, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint+path, bodyReader)
	if err != nil {
		return false, fmt.Errorf("esclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("esclient: request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return false, fmt.Errorf("esclient: authentication rejected by %s (status %d)", endpoint, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		data, _ := io.ReadAll(resp.Body)
		return true, fmt.Errorf("esclient: %s returned status %s: %s", endpoint, strconv.Itoa(resp.StatusCode), string(data))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("esclient: %s returned status %s: %s", endpoint, strconv.Itoa(resp.StatusCode), string(data))
	}
	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("esclient: decode response from %s: %w", endpoint, err)
	}
	return false, nil
}
