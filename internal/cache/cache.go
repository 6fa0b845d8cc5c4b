// Package cache provides a size-bounded loading cache with refresh-ahead.
//
// A value older than RefreshAfter is still returned immediately while a
// single background reload for its key runs on a bounded worker pool.
// Callers only block when no value exists yet, and concurrent cold loads of
// one key share a single loader call.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/patrickwarner/decisionengine/internal/observability"
)

// Key is implemented by cache keys. CacheKey must be equal for equal keys.
type Key interface {
	comparable
	CacheKey() string
}

// LoadFunc computes the value of a key.
type LoadFunc[K Key, V any] func(ctx context.Context, key K) (V, error)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("cache closed")

// Config tunes a Cache.
type Config struct {
	Name          string        // label used in logs and metrics
	MaxSize       int           // LRU bound on entries; <=0 means unbounded
	RefreshAfter  time.Duration // age after which a hit triggers a background reload
	ExpireAfter   time.Duration // age after which an entry is dropped; 0 disables
	ReloadWorkers int           // background reload goroutines
	ReloadQueue   int           // pending reloads; when full, reloads are skipped
}

type entry[K Key, V any] struct {
	key       K
	value     V
	writtenAt time.Time
	reloading bool
	elem      *list.Element
}

// Cache is a generic refresh-ahead LRU cache. The zero value is not usable,
// build one with New.
type Cache[K Key, V any] struct {
	cfg     Config
	load    LoadFunc[K, V]
	logger  *zap.Logger
	metrics observability.MetricsRegistry
	now     func() time.Time

	mu    sync.Mutex
	items map[K]*entry[K, V]
	lru   *list.List

	flights singleflight.Group

	sendMu  sync.RWMutex
	closed  bool
	reloads chan K
	workers sync.WaitGroup

	hits, misses, loadSuccess, loadFailure, evictions atomic.Int64
	totalLoadNanos                                    atomic.Int64
}

// New starts the reload workers of a cache backed by load.
func New[K Key, V any](cfg Config, load LoadFunc[K, V], logger *zap.Logger, metrics observability.MetricsRegistry) *Cache[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if cfg.ReloadWorkers <= 0 {
		cfg.ReloadWorkers = 1
	}
	if cfg.ReloadQueue <= 0 {
		cfg.ReloadQueue = cfg.ReloadWorkers * 64
	}
	c := &Cache[K, V]{
		cfg:     cfg,
		load:    load,
		logger:  logger.With(zap.String("cache", cfg.Name)),
		metrics: metrics,
		now:     time.Now,
		items:   make(map[K]*entry[K, V]),
		lru:     list.New(),
		reloads: make(chan K, cfg.ReloadQueue),
	}
	for i := 0; i < cfg.ReloadWorkers; i++ {
		c.workers.Add(1)
		go c.reloadWorker()
	}
	return c
}

// Name returns the cache label.
func (c *Cache[K, V]) Name() string { return c.cfg.Name }

// Get returns the value for key, loading it on a miss. A stale hit returns
// the current value and schedules at most one reload for the key.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.items[key]
	if ok && c.cfg.ExpireAfter > 0 && now.Sub(e.writtenAt) >= c.cfg.ExpireAfter {
		c.removeLocked(e)
		ok = false
	}
	if ok {
		c.lru.MoveToFront(e.elem)
		v := e.value
		schedule := false
		if c.cfg.RefreshAfter > 0 && now.Sub(e.writtenAt) >= c.cfg.RefreshAfter && !e.reloading {
			e.reloading = true
			schedule = true
		}
		c.mu.Unlock()

		c.hits.Add(1)
		c.metrics.IncrementCacheEvent(c.cfg.Name, "hit")
		if schedule {
			c.scheduleReload(key)
		}
		return v, nil
	}
	c.mu.Unlock()

	c.misses.Add(1)
	c.metrics.IncrementCacheEvent(c.cfg.Name, "miss")
	return c.loadCold(ctx, key)
}

func (c *Cache[K, V]) loadCold(ctx context.Context, key K) (V, error) {
	var zero V

	c.sendMu.RLock()
	closed := c.closed
	c.sendMu.RUnlock()
	if closed {
		return zero, ErrClosed
	}

	// the shared load outlives any single waiter
	loadCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key.CacheKey(), func() (any, error) {
		v, err := c.timedLoad(loadCtx, key)
		if err != nil {
			return nil, err
		}
		c.store(key, v)
		return v, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		return r.Val.(V), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Cache[K, V]) timedLoad(ctx context.Context, key K) (V, error) {
	start := c.now()
	v, err := c.load(ctx, key)
	c.totalLoadNanos.Add(int64(c.now().Sub(start)))
	if err != nil {
		c.loadFailure.Add(1)
		c.metrics.IncrementCacheEvent(c.cfg.Name, "load_failure")
		return v, err
	}
	c.loadSuccess.Add(1)
	c.metrics.IncrementCacheEvent(c.cfg.Name, "load_success")
	return v, nil
}

func (c *Cache[K, V]) store(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.value = v
		e.writtenAt = c.now()
		e.reloading = false
		c.lru.MoveToFront(e.elem)
		return
	}
	e := &entry[K, V]{key: key, value: v, writtenAt: c.now()}
	e.elem = c.lru.PushFront(e)
	c.items[key] = e

	for c.cfg.MaxSize > 0 && c.lru.Len() > c.cfg.MaxSize {
		oldest := c.lru.Back().Value.(*entry[K, V])
		c.removeLocked(oldest)
		c.evictions.Add(1)
		c.metrics.IncrementCacheEvent(c.cfg.Name, "eviction")
	}
}

func (c *Cache[K, V]) removeLocked(e *entry[K, V]) {
	c.lru.Remove(e.elem)
	delete(c.items, e.key)
}

func (c *Cache[K, V]) scheduleReload(key K) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if !c.closed {
		select {
		case c.reloads <- key:
			return
		default:
		}
	}
	// not queued, let a later hit try again
	c.mu.Lock()
	if e, ok := c.items[key]; ok {
		e.reloading = false
	}
	c.mu.Unlock()
	c.metrics.IncrementCacheEvent(c.cfg.Name, "reload_skipped")
}

func (c *Cache[K, V]) reloadWorker() {
	defer c.workers.Done()
	for key := range c.reloads {
		c.reload(key)
	}
}

func (c *Cache[K, V]) reload(key K) {
	v, err := c.timedLoad(context.Background(), key)

	c.mu.Lock()
	e, ok := c.items[key]
	if ok {
		e.reloading = false
		if err == nil {
			e.value = v
			e.writtenAt = c.now()
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("background reload failed, serving stale value",
			zap.String("key", key.CacheKey()), zap.Error(err))
	}
}

// Invalidate drops key. A reload in flight for it is discarded on completion.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.removeLocked(e)
	}
}

// InvalidateAll drops every entry.
func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*entry[K, V])
	c.lru.Init()
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Name:          c.cfg.Name,
		Size:          c.Len(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		LoadSuccess:   c.loadSuccess.Load(),
		LoadFailure:   c.loadFailure.Load(),
		Evictions:     c.evictions.Load(),
		TotalLoadTime: time.Duration(c.totalLoadNanos.Load()),
	}
}

// Close stops accepting reloads and waits for queued and running reloads to
// finish, or for ctx to end, whichever comes first.
func (c *Cache[K, V]) Close(ctx context.Context) error {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.reloads)
	c.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.logger.Warn("cache drain deadline reached with reloads pending", zap.Int("queued", len(c.reloads)))
		return ctx.Err()
	}
}
