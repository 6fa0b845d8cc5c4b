package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/middleware"
)

type reloadResponse struct {
	Channels int `json:"channels"`
}

// ReloadHandler swaps in the channel allow-list stored in Postgres and
// reports its size. A failed reload leaves the current list in place.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := middleware.LoggerFromRequest(r, s.Logger)
	status := http.StatusOK
	defer func() {
		s.Metrics.IncrementRequests("reload", r.Method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency("reload", r.Method, time.Since(start))
	}()

	if s.PG == nil {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, errorBody{Error: "allow-list store not configured"})
		return
	}
	if err := s.ReloadAllowlist(r.Context()); err != nil {
		logger.Error("allow-list reload failed", zap.Error(err))
		status = http.StatusInternalServerError
		writeJSON(w, status, errorBody{Error: "reload failed"})
		return
	}
	writeJSON(w, status, reloadResponse{Channels: s.Allowlist.Len()})
}
