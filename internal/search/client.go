// Package search talks to the Elasticsearch compatible backend that holds
// promoted, organic and channel documents.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/logic"
)

// Hit is one ranked document.
type Hit struct {
	ID          string
	Score       float64
	Source      json.RawMessage
	Explanation json.RawMessage // set only when the request asked for explain
}

// Result holds the ranked hits of a search.
type Result struct {
	Total int64
	Hits  []Hit
}

// Document is one bulk index operation.
type Document struct {
	ID   string
	Body any
}

// Store is the candidate store used by the processors.
type Store interface {
	Search(ctx context.Context, req Request) (*Result, error)
	BulkIndex(ctx context.Context, index string, docs []Document) error
	Health(ctx context.Context, indices ...string) (string, error)
	Count(ctx context.Context, index string) (int64, error)
}

// Client is an HTTP Store.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds a Client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Search runs req and returns its hits in rank order.
func (c *Client) Search(ctx context.Context, req Request) (*Result, error) {
	body, err := req.Body()
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	c.logger.Debug("search query", zap.String("index", req.Index), zap.ByteString("body", body))

	raw, err := c.do(ctx, "search", http.MethodPost, "/"+url.PathEscape(req.Index)+"/_search", "application/json", body)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(raw) {
		return nil, &logic.UpstreamError{Op: "search", Err: fmt.Errorf("malformed response")}
	}

	parsed := gjson.ParseBytes(raw)
	res := &Result{Total: parsed.Get("hits.total.value").Int()}
	parsed.Get("hits.hits").ForEach(func(_, h gjson.Result) bool {
		hit := Hit{
			ID:     h.Get("_id").String(),
			Score:  h.Get("_score").Float(),
			Source: json.RawMessage(h.Get("_source").Raw),
		}
		if ex := h.Get("_explanation"); ex.Exists() {
			hit.Explanation = json.RawMessage(ex.Raw)
		}
		res.Hits = append(res.Hits, hit)
		return true
	})
	return res, nil
}

// BulkIndex writes docs into index. Per-item failures are reported as a
// single error naming the first failure.
func (c *Client) BulkIndex(ctx context.Context, index string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		meta := map[string]any{"index": map[string]any{"_index": index, "_id": d.ID}}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("encode bulk meta: %w", err)
		}
		if err := enc.Encode(d.Body); err != nil {
			return fmt.Errorf("encode bulk doc %s: %w", d.ID, err)
		}
	}

	raw, err := c.do(ctx, "bulk", http.MethodPost, "/_bulk", "application/x-ndjson", buf.Bytes())
	if err != nil {
		return err
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.Get("errors").Bool() {
		return nil
	}
	var failed gjson.Result
	parsed.Get("items").ForEach(func(_, item gjson.Result) bool {
		if item.Get("index.error").Exists() {
			failed = item.Get("index")
			return false
		}
		return true
	})
	return &logic.UpstreamError{
		Op:  "bulk",
		Err: fmt.Errorf("document %s: %s", failed.Get("_id").String(), failed.Get("error.reason").String()),
	}
}

// Health returns the cluster status for indices. It fails when an index is
// missing or the status is red.
func (c *Client) Health(ctx context.Context, indices ...string) (string, error) {
	path := "/_cluster/health"
	if len(indices) > 0 {
		path += "/" + url.PathEscape(strings.Join(indices, ","))
	}
	raw, err := c.do(ctx, "health", http.MethodGet, path, "", nil)
	if err != nil {
		return "", err
	}
	status := gjson.GetBytes(raw, "status").String()
	if status == "" || status == "red" {
		return status, &logic.UpstreamError{Op: "health", Err: fmt.Errorf("cluster status %q", status)}
	}
	return status, nil
}

// Count returns the number of documents in index.
func (c *Client) Count(ctx context.Context, index string) (int64, error) {
	raw, err := c.do(ctx, "count", http.MethodGet, "/"+url.PathEscape(index)+"/_count", "", nil)
	if err != nil {
		return 0, err
	}
	return gjson.GetBytes(raw, "count").Int(), nil
}

func (c *Client) do(ctx context.Context, op, method, path, contentType string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &logic.UpstreamError{Op: op, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &logic.UpstreamError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		reason := gjson.GetBytes(raw, "error.reason").String()
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return nil, &logic.UpstreamError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", reason)}
	}
	return raw, nil
}
