package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics.
// Components receive it through their constructors instead of touching the
// Prometheus globals directly.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Decision metrics
	IncrementDecisions(allowedTypes, outcome string)
	AddAdsServed(n int)
	IncrementImpressionExclusions()
	IncrementImpressions(status string)
	RecordQueryLatency(query string, duration time.Duration)

	// Cache and isolation metrics
	IncrementCacheEvent(cache, event string)
	IncrementBulkheadRejections(operation, reason string)
	SetBreakerState(operation string, state int)

	// Backend metrics
	IncrementCatalogRequests(outcome string)
	SetIndexDocuments(index string, count float64)

	// Rate limiting metrics
	IncrementRateLimitRequests(domain string)
	IncrementRateLimitHits(domain string)

	IncrementDecisionEventErrors()
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementDecisions(allowedTypes, outcome string) {
	DecisionCount.WithLabelValues(allowedTypes, outcome).Inc()
}

func (r *PrometheusRegistry) AddAdsServed(n int) {
	AdsServed.Add(float64(n))
}

func (r *PrometheusRegistry) IncrementImpressionExclusions() {
	ImpressionExclusions.Inc()
}

func (r *PrometheusRegistry) IncrementImpressions(status string) {
	ImpressionCount.WithLabelValues(status).Inc()
}

func (r *PrometheusRegistry) RecordQueryLatency(query string, duration time.Duration) {
	QueryLatency.WithLabelValues(query).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementCacheEvent(cache, event string) {
	CacheEvents.WithLabelValues(cache, event).Inc()
}

func (r *PrometheusRegistry) IncrementBulkheadRejections(operation, reason string) {
	BulkheadRejections.WithLabelValues(operation, reason).Inc()
}

func (r *PrometheusRegistry) SetBreakerState(operation string, state int) {
	BreakerState.WithLabelValues(operation).Set(float64(state))
}

func (r *PrometheusRegistry) IncrementCatalogRequests(outcome string) {
	CatalogRequests.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) SetIndexDocuments(index string, count float64) {
	IndexDocuments.WithLabelValues(index).Set(count)
}

func (r *PrometheusRegistry) IncrementRateLimitRequests(domain string) {
	RateLimitRequests.WithLabelValues(domain).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(domain string) {
	RateLimitHits.WithLabelValues(domain).Inc()
}

func (r *PrometheusRegistry) IncrementDecisionEventErrors() {
	DecisionEventErrors.Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementDecisions(allowedTypes, outcome string)                      {}
func (r *NoOpRegistry) AddAdsServed(n int)                                                   {}
func (r *NoOpRegistry) IncrementImpressionExclusions()                                       {}
func (r *NoOpRegistry) IncrementImpressions(status string)                                   {}
func (r *NoOpRegistry) RecordQueryLatency(query string, duration time.Duration)              {}
func (r *NoOpRegistry) IncrementCacheEvent(cache, event string)                              {}
func (r *NoOpRegistry) IncrementBulkheadRejections(operation, reason string)                 {}
func (r *NoOpRegistry) SetBreakerState(operation string, state int)                          {}
func (r *NoOpRegistry) IncrementCatalogRequests(outcome string)                              {}
func (r *NoOpRegistry) SetIndexDocuments(index string, count float64)                        {}
func (r *NoOpRegistry) IncrementRateLimitRequests(domain string)                             {}
func (r *NoOpRegistry) IncrementRateLimitHits(domain string)                                 {}
func (r *NoOpRegistry) IncrementDecisionEventErrors()                                        {}
