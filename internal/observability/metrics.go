package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decision_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// decisions served, labelled by allowed types and outcome
	DecisionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_decisions_total",
			Help: "Total decisions computed",
		},
		[]string{"type", "outcome"},
	)

	AdsServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decision_ads_served_total",
			Help: "Total ad candidates returned to callers",
		},
	)

	// ids excluded because the visitor crossed the impression ceiling
	ImpressionExclusions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decision_impression_exclusions_total",
			Help: "Total ids excluded by the impression history ceiling",
		},
	)

	ImpressionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_impressions_total",
			Help: "Total impression callbacks",
		},
		[]string{"status"},
	)

	// backend query latency per query kind (ads, organic, channel, untargeted)
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decision_query_duration_seconds",
			Help:    "Histogram of candidate query latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_cache_events_total",
			Help: "Cache hits, misses, evictions and load outcomes",
		},
		[]string{"cache", "event"},
	)

	BulkheadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_bulkhead_rejections_total",
			Help: "Calls rejected by a bulkhead",
		},
		[]string{"operation", "reason"},
	)

	// 0 closed, 1 half-open, 2 open
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decision_breaker_state",
			Help: "Circuit breaker state per operation",
		},
		[]string{"operation"},
	)

	CatalogRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_catalog_requests_total",
			Help: "Video catalog requests by outcome",
		},
		[]string{"outcome"},
	)

	IndexDocuments = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decision_index_documents",
			Help: "Document count per search index",
		},
		[]string{"index"},
	)

	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_ratelimit_hits_total",
			Help: "Total rate limit hits per domain",
		},
		[]string{"domain"},
	)

	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_ratelimit_requests_total",
			Help: "Total rate limit checks per domain",
		},
		[]string{"domain"},
	)

	DecisionEventErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decision_event_persist_errors_total",
			Help: "Total decision events that failed to persist",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		DecisionCount,
		AdsServed,
		ImpressionExclusions,
		ImpressionCount,
		QueryLatency,
		CacheEvents,
		BulkheadRejections,
		BreakerState,
		CatalogRequests,
		IndexDocuments,
		RateLimitHits,
		RateLimitRequests,
		DecisionEventErrors,
	)
}
