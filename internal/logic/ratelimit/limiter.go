// Package ratelimit throttles decision requests per publisher domain.
package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/patrickwarner/decisionengine/internal/observability"
)

// UnknownDomain buckets requests that carry no domain.
const UnknownDomain = "unknown"

// Config holds the configuration for rate limiting.
type Config struct {
	RPS     float64 // sustained requests per second per domain
	Burst   int     // bucket capacity
	Enabled bool
}

// DomainLimiter keeps one token bucket per publisher domain, created lazily
// on first access.
//
//	limiter := NewDomainLimiter(Config{RPS: 50, Burst: 100, Enabled: true}, metrics)
//	if !limiter.Allow(req.Domain) {
//	    // answer 429
//	}
type DomainLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	config  Config
	metrics observability.MetricsRegistry
}

type bucket struct {
	limiter *rate.Limiter
	hits    atomic.Int64
	total   atomic.Int64
}

// NewDomainLimiter creates a limiter with the given configuration.
func NewDomainLimiter(config Config, metrics observability.MetricsRegistry) *DomainLimiter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &DomainLimiter{
		buckets: make(map[string]*bucket),
		config:  config,
		metrics: metrics,
	}
}

// Enabled reports whether requests are limited at all.
func (l *DomainLimiter) Enabled() bool { return l != nil && l.config.Enabled }

// Allow reports whether a request for domain may proceed. It always returns
// true when limiting is disabled.
func (l *DomainLimiter) Allow(domain string) bool {
	if !l.Enabled() {
		return true
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		domain = UnknownDomain
	}
	l.metrics.IncrementRateLimitRequests(domain)

	b := l.bucket(domain)
	b.total.Add(1)
	if b.limiter.Allow() {
		return true
	}
	b.hits.Add(1)
	l.metrics.IncrementRateLimitHits(domain)
	return false
}

func (l *DomainLimiter) bucket(domain string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[domain]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[domain]; !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.config.RPS), l.config.Burst)}
		l.buckets[domain] = b
	}
	return b
}

// Stats returns a snapshot of limiting activity per domain.
func (l *DomainLimiter) Stats() map[string]Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]Stats, len(l.buckets))
	for domain, b := range l.buckets {
		hits, total := b.hits.Load(), b.total.Load()
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(hits) / float64(total)
		}
		stats[domain] = Stats{Domain: domain, Hits: hits, Total: total, HitRate: hitRate}
	}
	return stats
}

// Stats contains rate limiting counters for a single domain.
type Stats struct {
	Domain  string  `json:"domain"`
	Hits    int64   `json:"hits"`  // rejected requests
	Total   int64   `json:"total"` // all requests seen
	HitRate float64 `json:"hit_rate"`
}

func (s Stats) String() string {
	return fmt.Sprintf("domain %s: %d/%d hits (%.2f%%)", s.Domain, s.Hits, s.Total, s.HitRate*100)
}
