package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/middleware"
)

var errNoStore = errors.New("impression store unavailable")

type impressionResponse struct {
	User  string `json:"user"`
	ID    string `json:"id"`
	Count int64  `json:"count"`
}

// ImpressionHandler handles POST /impression?user=U&id=V, counting one view
// of video V by user U in the server-side impression history.
func (s *Server) ImpressionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "ImpressionHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/impression"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "impression"
	const method = "POST"
	done := func(status int) {
		s.Metrics.IncrementImpressions(strconv.Itoa(status))
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	}

	if s.Store == nil {
		span.SetStatus(codes.Error, errNoStore.Error())
		logger.Error("impression store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errNoStore.Error()})
		done(http.StatusServiceUnavailable)
		return
	}

	user := r.URL.Query().Get("user")
	id := r.URL.Query().Get("id")
	span.SetAttributes(attribute.String("user_id", user), attribute.String("video_id", id))

	n, err := logic.RecordImpression(ctx, s.Store, user, id, s.Config.ImpressionHistoryTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !logic.IsClientError(err) {
			logger.Error("record impression", zap.Error(err))
		}
		done(writeError(w, err))
		return
	}
	writeJSON(w, http.StatusOK, impressionResponse{User: user, ID: id, Count: n})
	done(http.StatusOK)
}
