package observability

import (
	"strings"
	"sync"
	"time"
)

// MockMetricsRegistry records counter-style calls so tests can assert on them.
// Keys are the method name followed by its labels, joined with ":".
type MockMetricsRegistry struct {
	mu     sync.Mutex
	counts map[string]int
	gauges map[string]float64
}

// NewMockMetricsRegistry returns an empty recording registry.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{counts: map[string]int{}, gauges: map[string]float64{}}
}

func (m *MockMetricsRegistry) add(n int, parts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[strings.Join(parts, ":")] += n
}

func (m *MockMetricsRegistry) set(v float64, parts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges == nil {
		m.gauges = map[string]float64{}
	}
	m.gauges[strings.Join(parts, ":")] = v
}

// Count returns how many times the labelled counter was incremented.
func (m *MockMetricsRegistry) Count(parts ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[strings.Join(parts, ":")]
}

// Gauge returns the last value set on the labelled gauge.
func (m *MockMetricsRegistry) Gauge(parts ...string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[strings.Join(parts, ":")]
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.add(1, "requests", endpoint, method, status)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementDecisions(allowedTypes, outcome string) {
	m.add(1, "decisions", allowedTypes, outcome)
}
func (m *MockMetricsRegistry) AddAdsServed(n int)             { m.add(n, "ads_served") }
func (m *MockMetricsRegistry) IncrementImpressionExclusions() { m.add(1, "impression_exclusions") }
func (m *MockMetricsRegistry) IncrementImpressions(status string) {
	m.add(1, "impressions", status)
}
func (m *MockMetricsRegistry) RecordQueryLatency(query string, duration time.Duration) {
	m.add(1, "query", query)
}
func (m *MockMetricsRegistry) IncrementCacheEvent(cache, event string) {
	m.add(1, "cache", cache, event)
}
func (m *MockMetricsRegistry) IncrementBulkheadRejections(operation, reason string) {
	m.add(1, "bulkhead", operation, reason)
}
func (m *MockMetricsRegistry) SetBreakerState(operation string, state int) {
	m.set(float64(state), "breaker", operation)
}
func (m *MockMetricsRegistry) IncrementCatalogRequests(outcome string) {
	m.add(1, "catalog", outcome)
}
func (m *MockMetricsRegistry) SetIndexDocuments(index string, count float64) {
	m.set(count, "index", index)
}
func (m *MockMetricsRegistry) IncrementRateLimitRequests(domain string) {
	m.add(1, "ratelimit_requests", domain)
}
func (m *MockMetricsRegistry) IncrementRateLimitHits(domain string) {
	m.add(1, "ratelimit_hits", domain)
}
func (m *MockMetricsRegistry) IncrementDecisionEventErrors() { m.add(1, "decision_event_errors") }
