package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/cache"
	"github.com/patrickwarner/decisionengine/internal/db"
	"github.com/patrickwarner/decisionengine/internal/middleware"
)

// CacheStatsHandler handles GET /stats/cache.
func (s *Server) CacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "cache_stats"
	const method = "GET"

	out := make(map[string]cache.Report, len(s.Caches))
	for _, c := range s.Caches {
		out[c.Name()] = c.Stats().Report()
	}
	writeJSON(w, http.StatusOK, out)

	s.Metrics.IncrementRequests(endpoint, method, "200")
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

// CacheInvalidateHandler handles POST /cache/invalidate?name=N. Without a
// name every cache is cleared. Peers are told over Redis when available.
func (s *Server) CacheInvalidateHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "cache_invalidate"
	const method = "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)
	done := func(status int) {
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = db.InvalidateAllCaches
	}
	if !s.InvalidateCaches(name) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown cache " + name})
		done(http.StatusNotFound)
		return
	}

	broadcast := false
	if s.Store != nil {
		if err := s.Store.PublishInvalidation(r.Context(), name); err != nil {
			logger.Warn("cache invalidation not broadcast", zap.String("cache", name), zap.Error(err))
		} else {
			broadcast = true
		}
	}
	logger.Info("caches invalidated", zap.String("cache", name), zap.Bool("broadcast", broadcast))
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": name, "broadcast": broadcast})
	done(http.StatusOK)
}
