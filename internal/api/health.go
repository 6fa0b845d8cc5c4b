package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/middleware"
)

type healthResponse struct {
	Status  string           `json:"status"`
	Cluster string           `json:"cluster,omitempty"`
	Indices map[string]int64 `json:"indices,omitempty"`
}

// HealthHandler reports whether the search backend holds the promoted and
// organic indices with a cluster status other than red. Document counts
// are published as gauges on the way.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	status := http.StatusOK
	resp := s.checkHealth(r.Context(), logger)
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)

	s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

func (s *Server) checkHealth(ctx context.Context, logger *zap.Logger) healthResponse {
	if s.Search == nil {
		return healthResponse{Status: "unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	indices := []string{s.Config.PromotedIndex, s.Config.OrganicIndex}
	cluster, err := s.Search.Health(ctx, indices...)
	if err != nil {
		logger.Warn("search backend unhealthy", zap.String("cluster", cluster), zap.Error(err))
		return healthResponse{Status: "unavailable", Cluster: cluster}
	}

	counts := make(map[string]int64, len(indices))
	for _, index := range indices {
		n, err := s.Search.Count(ctx, index)
		if err != nil {
			logger.Warn("index count", zap.String("index", index), zap.Error(err))
			continue
		}
		counts[index] = n
		s.Metrics.SetIndexDocuments(index, float64(n))
	}
	return healthResponse{Status: "ok", Cluster: cluster, Indices: counts}
}
