package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/analytics"
	"github.com/patrickwarner/decisionengine/internal/cache"
	"github.com/patrickwarner/decisionengine/internal/config"
	"github.com/patrickwarner/decisionengine/internal/db"
	"github.com/patrickwarner/decisionengine/internal/geoip"
	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/logic/filters"
	"github.com/patrickwarner/decisionengine/internal/logic/ratelimit"
	"github.com/patrickwarner/decisionengine/internal/middleware"
	"github.com/patrickwarner/decisionengine/internal/models"
	"github.com/patrickwarner/decisionengine/internal/observability"
	"github.com/patrickwarner/decisionengine/internal/search"
)

var tracer = otel.Tracer("decisionengine/api")

// Decider computes content decisions.
type Decider interface {
	Decide(ctx context.Context, tc models.TargetingContext, positions int, allowedTypes string) (models.DecisionResult, error)
}

// AllowlistSource loads the channel allow-list.
type AllowlistSource interface {
	LoadChannelAllowlist(ctx context.Context) ([]string, error)
}

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger    *zap.Logger
	Engine    Decider
	Store     *db.RedisStore // impression history and invalidation broadcast, optional
	Allowlist *filters.Allowlist
	PG        AllowlistSource // optional
	Analytics analytics.AnalyticsService
	GeoIP     *geoip.GeoIP
	Search    search.Store
	Limiter   *ratelimit.DomainLimiter
	Caches    []cache.Managed
	Metrics   observability.MetricsRegistry
	Config    config.Config

	reloadMu sync.Mutex
	events   sync.WaitGroup
}

// NewServer constructs a Server. Nil caches are dropped.
func NewServer(logger *zap.Logger, engine Decider, searchStore search.Store, store *db.RedisStore, pg AllowlistSource, allow *filters.Allowlist, analyticsSvc analytics.AnalyticsService, geo *geoip.GeoIP, limiter *ratelimit.DomainLimiter, caches []cache.Managed, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	kept := make([]cache.Managed, 0, len(caches))
	for _, c := range caches {
		if c != nil {
			kept = append(kept, c)
		}
	}
	return &Server{
		Logger:    logger,
		Engine:    engine,
		Search:    searchStore,
		Store:     store,
		PG:        pg,
		Allowlist: allow,
		Analytics: analyticsSvc,
		GeoIP:     geo,
		Limiter:   limiter,
		Caches:    kept,
		Metrics:   metrics,
		Config:    cfg,
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))
	r.HandleFunc("/query", s.QueryHandler).Methods("POST")
	r.HandleFunc("/impression", s.ImpressionHandler).Methods("POST")
	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/stats/cache", s.CacheStatsHandler).Methods("GET")
	r.HandleFunc("/cache/invalidate", s.CacheInvalidateHandler).Methods("POST")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")
	r.Handle("/metrics", promhttp.Handler())
	return otelhttp.NewHandler(r, "decisionengine")
}

// ReloadAllowlist replaces the channel allow-list with the rows in Postgres.
// Configured entries are kept when the table is empty.
func (s *Server) ReloadAllowlist(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.PG == nil {
		return fmt.Errorf("postgres unavailable")
	}
	if s.Allowlist == nil {
		return fmt.Errorf("allow-list not configured")
	}
	channels, err := s.PG.LoadChannelAllowlist(ctx)
	if err != nil {
		return fmt.Errorf("load channel allowlist: %w", err)
	}
	if len(channels) == 0 {
		channels = s.Config.ChannelAllowlist
	}
	s.Allowlist.Set(channels)
	s.Logger.Debug("channel allow-list reloaded", zap.Int("channels", s.Allowlist.Len()))
	return nil
}

// InvalidateCaches clears the cache called name on this node, or every
// cache for db.InvalidateAllCaches. It reports whether any cache matched.
func (s *Server) InvalidateCaches(name string) bool {
	matched := false
	for _, c := range s.Caches {
		if name == db.InvalidateAllCaches || strings.EqualFold(c.Name(), name) {
			c.InvalidateAll()
			matched = true
		}
	}
	return matched
}

// WaitEvents blocks until pending decision events are written or ctx ends.
func (s *Server) WaitEvents(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.events.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordDecision writes ev in the background.
func (s *Server) recordDecision(logger *zap.Logger, ev analytics.DecisionEvent) {
	if s.Analytics == nil {
		return
	}
	s.events.Add(1)
	go func() {
		defer s.events.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Analytics.RecordDecision(ctx, ev); err != nil {
			logger.Warn("decision event not recorded", zap.Error(err))
		}
	}()
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

// writeError answers with the status of err. Only validation messages reach
// the caller.
func writeError(w http.ResponseWriter, err error) int {
	status := logic.HTTPStatus(err)
	writeJSON(w, status, errorBody{Error: logic.PublicMessage(err)})
	return status
}
