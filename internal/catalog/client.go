// Package catalog fetches channel and playlist listings from the video
// catalog API.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/models"
	"github.com/patrickwarner/decisionengine/internal/observability"
)

// videoFields lists the attributes requested for every catalog video.
const videoFields = "id,3d,ads,allow_embed,channel,owner.screenname,created_time,updated_time," +
	"description,duration,explicit,geoblocking,language,mediablocking,mode,owner.id," +
	"owner.username,published,status,tags,thumbnail_url,title"

// Query selects the videos to list. Playlist wins over Channels when both are set.
type Query struct {
	Channels  []string
	Playlist  string
	SortOrder string
	Limit     int
}

// Fetcher lists catalog videos.
type Fetcher interface {
	Videos(ctx context.Context, q Query) ([]models.CatalogVideo, error)
}

// RetryConfig bounds the retry loop around a catalog call.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint
}

// Client is an HTTP Fetcher.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// NewClient creates a catalog client. timeout bounds each attempt.
func NewClient(baseURL string, timeout time.Duration, retry RetryConfig, logger *zap.Logger, metrics observability.MetricsRegistry) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 1
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry:   retry,
		logger:  logger,
		metrics: metrics,
	}
}

// Videos lists the videos selected by q, retrying server side failures with
// exponential backoff. A 4xx answer is not retried and is reported as a
// validation error.
func (c *Client) Videos(ctx context.Context, q Query) ([]models.CatalogVideo, error) {
	endpoint, err := c.endpoint(q)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retry.InitialInterval
	bo.MaxInterval = c.retry.MaxInterval

	attempt := 0
	videos, err := backoff.Retry(ctx, func() ([]models.CatalogVideo, error) {
		attempt++
		return c.fetch(ctx, endpoint)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.retry.MaxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.metrics.IncrementCatalogRequests("retry")
			c.logger.Warn("catalog request failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}),
	)
	if err != nil {
		if logic.IsClientError(err) {
			c.metrics.IncrementCatalogRequests("client_error")
		} else {
			c.metrics.IncrementCatalogRequests("failure")
		}
		return nil, err
	}
	c.metrics.IncrementCatalogRequests("success")
	return videos, nil
}

func (c *Client) endpoint(q Query) (string, error) {
	params := url.Values{}
	params.Set("fields", videoFields)
	if q.SortOrder != "" {
		params.Set("sort", q.SortOrder)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	switch {
	case q.Playlist != "":
		return c.baseURL + "/playlist/" + url.PathEscape(q.Playlist) + "/videos?" + params.Encode(), nil
	case len(q.Channels) > 0:
		params.Set("owners", strings.Join(q.Channels, ","))
		return c.baseURL + "/videos?" + params.Encode(), nil
	default:
		return "", logic.ErrNoChannels
	}
}

func (c *Client) fetch(ctx context.Context, endpoint string) ([]models.CatalogVideo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &logic.UpstreamError{Op: "catalog", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &logic.UpstreamError{Op: "catalog", Status: resp.StatusCode, Err: fmt.Errorf("rate limited")}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Info("catalog rejected request",
			zap.Int("status", resp.StatusCode), zap.ByteString("body", body))
		return nil, backoff.Permanent(&logic.UpstreamError{
			Op:     "catalog",
			Status: resp.StatusCode,
			Err:    logic.NewValidationError("Invalid channel or playlist"),
		})
	case resp.StatusCode != http.StatusOK:
		return nil, &logic.UpstreamError{Op: "catalog", Status: resp.StatusCode, Err: fmt.Errorf("%s", http.StatusText(resp.StatusCode))}
	}

	var list models.CatalogList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &logic.UpstreamError{Op: "catalog", Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return list.List, nil
}
