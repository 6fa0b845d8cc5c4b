package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/analytics"
	"github.com/patrickwarner/decisionengine/internal/app"
	"github.com/patrickwarner/decisionengine/internal/cache"
	"github.com/patrickwarner/decisionengine/internal/config"
	"github.com/patrickwarner/decisionengine/internal/models"
	"github.com/patrickwarner/decisionengine/internal/observability"
)

const toolTimeout = 10 * time.Second

// Decider is the decision engine surface the tools need.
type Decider interface {
	Decide(ctx context.Context, tc models.TargetingContext, positions int, allowedTypes string) (models.DecisionResult, error)
}

// EventSource looks up recorded decisions.
type EventSource interface {
	GetDecisionsByRequestID(ctx context.Context, id string) ([]analytics.DecisionEvent, error)
}

// DecisionEventsInput selects the decisions of one request.
type DecisionEventsInput struct {
	RequestID string `json:"request_id"`
}

// CacheStatsOutput lists one report per cache.
type CacheStatsOutput struct {
	Caches []CacheReport `json:"caches"`
}

type CacheReport struct {
	Name               string  `json:"name"`
	Size               int     `json:"size"`
	Hits               int64   `json:"hits"`
	Misses             int64   `json:"misses"`
	Evictions          int64   `json:"evictions"`
	LoadFailure        int64   `json:"load_failure"`
	HitRate            float64 `json:"hit_rate"`
	AverageLoadPenalty string  `json:"average_load_penalty"`
}

// ToolServer holds the dependencies of the MCP tools.
type ToolServer struct {
	engine         Decider
	caches         []cache.Managed
	events         EventSource // nil without ClickHouse
	defaultPattern string
	logger         *zap.Logger
}

// Decide runs one decision in-process and returns its slots as JSON text.
func (s *ToolServer) Decide(ctx context.Context, _ *mcp.CallToolRequest, input models.DecisionRequest) (*mcp.CallToolResult, any, error) {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	tc, err := input.Targeting(s.defaultPattern)
	if err != nil {
		return nil, nil, err
	}
	positions := input.Positions
	if positions == 0 {
		positions = 1
	}
	res, err := s.engine.Decide(ctx, tc, positions, input.Type)
	if err != nil {
		s.logger.Warn("decide tool failed", zap.Error(err))
		return nil, nil, err
	}
	if res.Items == nil {
		res.Items = []models.Candidate{}
	}
	body, err := json.Marshal(res)
	if err != nil {
		return nil, nil, fmt.Errorf("encode decision: %w", err)
	}
	ads, organic := res.Counts()
	s.logger.Info("decide tool served",
		zap.String("type", input.Type), zap.Int("ads", ads), zap.Int("organic", organic))
	return textResult(body), nil, nil
}

// CacheStats reports the counters of every cache, sorted by name.
func (s *ToolServer) CacheStats(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, CacheStatsOutput, error) {
	out := CacheStatsOutput{Caches: make([]CacheReport, 0, len(s.caches))}
	for _, c := range s.caches {
		r := c.Stats().Report()
		out.Caches = append(out.Caches, CacheReport{
			Name:               r.Name,
			Size:               r.Size,
			Hits:               r.Hits,
			Misses:             r.Misses,
			Evictions:          r.Evictions,
			LoadFailure:        r.LoadFailure,
			HitRate:            r.HitRate,
			AverageLoadPenalty: r.AverageLoadPenalty,
		})
	}
	sort.Slice(out.Caches, func(i, j int) bool { return out.Caches[i].Name < out.Caches[j].Name })
	return nil, out, nil
}

// DecisionEvents returns the decisions ClickHouse recorded for a request id.
func (s *ToolServer) DecisionEvents(ctx context.Context, _ *mcp.CallToolRequest, input DecisionEventsInput) (*mcp.CallToolResult, any, error) {
	id := strings.TrimSpace(input.RequestID)
	if id == "" {
		return nil, nil, errors.New("request_id is required")
	}
	if s.events == nil {
		return nil, nil, analytics.ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()
	events, err := s.events.GetDecisionsByRequestID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if events == nil {
		events = []analytics.DecisionEvent{}
	}
	body, err := json.Marshal(events)
	if err != nil {
		return nil, nil, err
	}
	return textResult(body), nil, nil
}

func textResult(body []byte) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(body)}}}
}

var decideSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"positions": map[string]interface{}{
			"type":        "integer",
			"minimum":     1,
			"description": "Number of slots to fill (defaults to 1)",
		},
		"type": map[string]interface{}{
			"type":        "string",
			"enum":        []string{"", models.TypePromoted, models.TypeOrganic, models.TypePromotedChannel, models.TypePromotedOrganic},
			"description": "Inventory selector, defaults to promoted",
		},
		"pattern": map[string]interface{}{
			"type":        "string",
			"description": "Interleave pattern over P and O, e.g. oop",
		},
		"languages":  stringArray("Viewer languages"),
		"categories": stringArray("Content categories"),
		"locations":  stringArray("Viewer countries"),
		"channels":   stringArray("Channels for promoted,channel requests"),
		"playlist": map[string]interface{}{
			"type":        "string",
			"description": "Playlist id for promoted,channel requests",
		},
		"sort": map[string]interface{}{
			"type":        "string",
			"description": "Channel listing order",
		},
		"device": map[string]interface{}{
			"type": "string",
		},
		"domain": map[string]interface{}{
			"type": "string",
		},
		"time": map[string]interface{}{
			"type":        "string",
			"description": "Viewer local time, ISO-8601",
		},
		"excluded_ids": stringArray("Video ids never to serve"),
	},
}

func stringArray(desc string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": desc,
	}
}

// newMCPServer registers the tools of s on a new MCP server.
func newMCPServer(s *ToolServer) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "decisionengine",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "decide",
		Description: "Run a content decision and return the ordered promoted and organic slots",
		InputSchema: decideSchema,
	}, s.Decide)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cache_stats",
		Description: "Report hit rate, size and load statistics of the decision caches",
		InputSchema: map[string]interface{}{"type": "object"},
	}, s.CacheStats)

	if s.events != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "decision_events",
			Description: "List the decisions recorded in ClickHouse for a request id",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"request_id": map[string]interface{}{
						"type":        "string",
						"description": "X-Request-ID of the query",
					},
				},
				"required": []string{"request_id"},
			},
		}, s.DecisionEvents)
	}
	return server
}

func main() {
	cfg := config.Load()

	// stdout carries the MCP stream
	logger, err := observability.InitStderrLogger("decisionengine-mcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps := app.Build(cfg, logger, observability.NewNoOpRegistry())
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.CacheDrainTimeout)
		defer cancel()
		if err := comps.Close(drainCtx); err != nil {
			logger.Warn("cache drain incomplete", zap.Error(err))
		}
	}()

	ts := &ToolServer{
		engine:         comps.Engine,
		caches:         comps.Caches(),
		defaultPattern: cfg.DefaultPattern,
		logger:         logger,
	}
	if cfg.ClickHouseDSN != "" {
		ch, err := analytics.InitClickHouse(cfg.ClickHouseDSN, nil,
			cfg.CHMaxOpenConns, cfg.CHMaxIdleConns, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime)
		if err != nil {
			logger.Warn("ClickHouse unavailable, decision_events disabled", zap.Error(err))
		} else {
			defer ch.Close()
			ts.events = ch
		}
	}

	logger.Info("MCP server running via stdio", zap.String("search_url", cfg.SearchURL))
	if err := newMCPServer(ts).Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", zap.Error(err))
	}
}
