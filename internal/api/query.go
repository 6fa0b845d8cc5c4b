package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/analytics"
	"github.com/patrickwarner/decisionengine/internal/logic"
	"github.com/patrickwarner/decisionengine/internal/logic/render"
	"github.com/patrickwarner/decisionengine/internal/middleware"
	"github.com/patrickwarner/decisionengine/internal/models"
	"github.com/patrickwarner/decisionengine/internal/observability"
)

const maxQueryBody = 1 << 20

// decodeDecisionRequest reads the JSON body and applies the positions, type
// and debug query parameters over it.
func decodeDecisionRequest(r *http.Request) (models.DecisionRequest, error) {
	var req models.DecisionRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBody))
	if err != nil {
		return req, logic.NewValidationError("unreadable body")
	}
	defer func() {
		_ = r.Body.Close()
	}()
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return req, logic.NewValidationError("invalid json: %v", err)
		}
	}

	q := r.URL.Query()
	if v := q.Get("positions"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, logic.NewValidationError("positions must be an integer")
		}
		req.Positions = n
	}
	if v := q.Get("type"); v != "" {
		req.Type = v
	}
	if v := q.Get("debug"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, logic.NewValidationError("debug must be a boolean")
		}
		req.Debug = b
	}
	if v := q.Get("output"); v != "" {
		req.Output = v
	}
	return req, nil
}

// QueryHandler handles POST /query decision requests.
func (s *Server) QueryHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "QueryHandler",
		trace.WithAttributes(
			attribute.String("http.method", "POST"),
			attribute.String("http.route", "/query"),
		))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "query"
	const method = "POST"
	done := func(status int) {
		s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
		s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
	}

	req, err := decodeDecisionRequest(r)
	if err != nil {
		logger.Info("bad decision request", zap.Error(err))
		done(writeError(w, err))
		return
	}
	span.SetAttributes(
		attribute.String("decision.type", req.Type),
		attribute.Int("decision.positions", req.Positions),
		attribute.String("domain", req.Domain),
	)

	if !s.Limiter.Allow(req.Domain) {
		logger.Info("rate limited", zap.String("domain", req.Domain))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
		done(http.StatusTooManyRequests)
		return
	}

	tc, err := req.Targeting(s.Config.DefaultPattern)
	if err != nil {
		done(writeError(w, logic.NewValidationError("%v", err)))
		return
	}
	logic.ApplyClientFallbacks(&tc, logic.ResolveClient(r, s.GeoIP))
	tc.ImpressionHistory = logic.MergeImpressionHistory(ctx, s.Store, req.User, tc.ImpressionHistory)

	res, err := s.Engine.Decide(ctx, tc, req.Positions, req.Type)
	event := analytics.DecisionEvent{
		Timestamp: start.UTC(),
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Type:      req.Type,
		Positions: req.Positions,
		Pattern:   tc.Pattern,
		Domain:    req.Domain,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if logic.IsClientError(err) {
			logger.Info("decision rejected", zap.Error(err))
			event.Outcome = "client_error"
		} else {
			logger.Error("decision failed", zap.Error(err))
			event.Outcome = "error"
		}
		s.recordDecision(logger, event)
		done(writeError(w, err))
		return
	}
	if res.Items == nil {
		res.Items = []models.Candidate{}
	}

	if res.Pattern != "" {
		event.Pattern = res.Pattern
	}
	event.Served = len(res.Items)
	event.Ads, event.Organic = res.Counts()
	event.Outcome = "served"
	if event.Served == 0 {
		event.Outcome = "empty"
	}
	s.recordDecision(logger, event)
	span.SetAttributes(attribute.Int("decision.served", event.Served))
	if observability.ShouldSample(observability.GetSamplingRate()) {
		logger.Info("decision",
			zap.String("type", req.Type),
			zap.Int("positions", req.Positions),
			zap.Int("ads", event.Ads),
			zap.Int("organic", event.Organic))
	}

	if strings.EqualFold(req.Output, models.OutputHTML) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, render.ComposeDecisionHTML(res, ""))
		done(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, res)
	done(http.StatusOK)
}
