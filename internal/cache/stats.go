package cache

import (
	"context"
	"time"
)

// Stats is a point-in-time view of a cache's counters.
type Stats struct {
	Name          string        `json:"name"`
	Size          int           `json:"size"`
	Hits          int64         `json:"hits"`
	Misses        int64         `json:"misses"`
	LoadSuccess   int64         `json:"load_success"`
	LoadFailure   int64         `json:"load_failure"`
	Evictions     int64         `json:"evictions"`
	TotalLoadTime time.Duration `json:"total_load_time_ns"`
}

// HitRate is hits over requests, 1 when there were no requests.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 1
	}
	return float64(s.Hits) / float64(total)
}

// LoadExceptionRate is failed loads over all loads, 0 when nothing loaded.
func (s Stats) LoadExceptionRate() float64 {
	total := s.LoadSuccess + s.LoadFailure
	if total == 0 {
		return 0
	}
	return float64(s.LoadFailure) / float64(total)
}

// AverageLoadPenalty is the mean time spent in the loader.
func (s Stats) AverageLoadPenalty() time.Duration {
	total := s.LoadSuccess + s.LoadFailure
	if total == 0 {
		return 0
	}
	return s.TotalLoadTime / time.Duration(total)
}

// Report is the JSON shape served by the stats endpoint.
type Report struct {
	Stats
	HitRate            float64 `json:"hit_rate"`
	LoadExceptionRate  float64 `json:"load_exception_rate"`
	AverageLoadPenalty string  `json:"average_load_penalty"`
}

func (s Stats) Report() Report {
	return Report{
		Stats:              s,
		HitRate:            s.HitRate(),
		LoadExceptionRate:  s.LoadExceptionRate(),
		AverageLoadPenalty: s.AverageLoadPenalty().String(),
	}
}

// Managed is the type-erased surface of a Cache used by operational code
// that handles caches of different key and value types together.
type Managed interface {
	Name() string
	Stats() Stats
	InvalidateAll()
	Close(ctx context.Context) error
}

var _ Managed = (*Cache[stringKey, int])(nil)

type stringKey string

func (k stringKey) CacheKey() string { return string(k) }
