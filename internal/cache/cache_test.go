package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/observability"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// countingLoader returns "<key>#<n>" where n counts loads of that key.
type countingLoader struct {
	mu    sync.Mutex
	calls map[string]int
	gate  chan struct{} // when set, loads block until it is closed
	fail  atomic.Bool
}

func (l *countingLoader) load(ctx context.Context, key stringKey) (string, error) {
	if l.gate != nil {
		<-l.gate
	}
	if l.fail.Load() {
		return "", errors.New("backend down")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.calls == nil {
		l.calls = map[string]int{}
	}
	l.calls[string(key)]++
	return fmt.Sprintf("%s#%d", key, l.calls[string(key)]), nil
}

func (l *countingLoader) count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[key]
}

func newTestCache(t *testing.T, cfg Config, l *countingLoader) (*Cache[stringKey, string], *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[stringKey, string](cfg, l.load, zap.NewNop(), observability.NewNoOpRegistry())
	c.now = clock.Now
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, clock
}

func TestGetLoadsOnceThenHits(t *testing.T) {
	l := &countingLoader{}
	c, _ := newTestCache(t, Config{Name: "organic", MaxSize: 10, RefreshAfter: time.Minute}, l)

	v, err := c.Get(context.Background(), "en")
	require.NoError(t, err)
	assert.Equal(t, "en#1", v)

	v, err = c.Get(context.Background(), "en")
	require.NoError(t, err)
	assert.Equal(t, "en#1", v)

	assert.Equal(t, 1, l.count("en"))
	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.LoadSuccess)
}

func TestConcurrentColdLoadsShareOneLoader(t *testing.T) {
	l := &countingLoader{gate: make(chan struct{})}
	c, _ := newTestCache(t, Config{Name: "channel", MaxSize: 10}, l)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Get(context.Background(), "k")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(l.gate)
	wg.Wait()

	assert.Equal(t, 1, l.count("k"))
	for _, r := range results {
		assert.Equal(t, "k#1", r)
	}
}

func TestStaleHitServesOldValueAndReloadsOnce(t *testing.T) {
	l := &countingLoader{}
	c, clock := newTestCache(t, Config{Name: "channel", MaxSize: 10, RefreshAfter: time.Minute, ReloadWorkers: 2}, l)

	_, err := c.Get(context.Background(), "k")
	require.NoError(t, err)

	l.gate = make(chan struct{})
	clock.Advance(2 * time.Minute)

	for i := 0; i < 5; i++ {
		v, err := c.Get(context.Background(), "k")
		require.NoError(t, err)
		assert.Equal(t, "k#1", v, "stale value must be served while reloading")
	}

	close(l.gate)
	assert.Eventually(t, func() bool {
		v, _ := c.Get(context.Background(), "k")
		return v == "k#2"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, l.count("k"))
}

func TestFailedReloadKeepsStaleValue(t *testing.T) {
	l := &countingLoader{}
	c, clock := newTestCache(t, Config{Name: "organic", MaxSize: 10, RefreshAfter: time.Minute}, l)

	_, err := c.Get(context.Background(), "k")
	require.NoError(t, err)

	l.fail.Store(true)
	clock.Advance(2 * time.Minute)
	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "k#1", v)

	assert.Eventually(t, func() bool { return c.Stats().LoadFailure == 1 }, time.Second, 5*time.Millisecond)
	v, err = c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "k#1", v)
	assert.Greater(t, c.Stats().LoadExceptionRate(), 0.0)
}

func TestColdLoadFailurePropagates(t *testing.T) {
	l := &countingLoader{}
	l.fail.Store(true)
	c, _ := newTestCache(t, Config{Name: "organic", MaxSize: 10}, l)

	_, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Zero(t, c.Len())
}

func TestLRUEviction(t *testing.T) {
	l := &countingLoader{}
	c, _ := newTestCache(t, Config{Name: "organic", MaxSize: 2}, l)
	ctx := context.Background()

	_, _ = c.Get(ctx, "a")
	_, _ = c.Get(ctx, "b")
	_, _ = c.Get(ctx, "a") // a becomes most recent
	_, _ = c.Get(ctx, "c") // evicts b

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(1), c.Stats().Evictions)

	_, _ = c.Get(ctx, "a")
	assert.Equal(t, 1, l.count("a"))
	_, _ = c.Get(ctx, "b")
	assert.Equal(t, 2, l.count("b"))
}

func TestExpireAfterForcesReload(t *testing.T) {
	l := &countingLoader{}
	c, clock := newTestCache(t, Config{Name: "organic", MaxSize: 10, ExpireAfter: time.Hour}, l)

	_, _ = c.Get(context.Background(), "k")
	clock.Advance(2 * time.Hour)
	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "k#2", v)
}

func TestInvalidate(t *testing.T) {
	l := &countingLoader{}
	c, _ := newTestCache(t, Config{Name: "organic", MaxSize: 10}, l)
	ctx := context.Background()

	_, _ = c.Get(ctx, "a")
	_, _ = c.Get(ctx, "b")
	c.Invalidate("a")
	assert.Equal(t, 1, c.Len())
	c.InvalidateAll()
	assert.Zero(t, c.Len())
}

func TestCloseDrainsQueuedReloads(t *testing.T) {
	l := &countingLoader{}
	clock := &fakeClock{t: time.Now()}
	c := New[stringKey, string](Config{Name: "channel", RefreshAfter: time.Minute}, l.load, zap.NewNop(), nil)
	c.now = clock.Now

	_, _ = c.Get(context.Background(), "k")
	clock.Advance(2 * time.Minute)
	_, _ = c.Get(context.Background(), "k")

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, 2, l.count("k"))

	_, err := c.Get(context.Background(), "other")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseHonoursDeadline(t *testing.T) {
	l := &countingLoader{gate: make(chan struct{})}
	defer close(l.gate)
	clock := &fakeClock{t: time.Now()}
	c := New[stringKey, string](Config{Name: "channel", RefreshAfter: time.Minute}, l.load, zap.NewNop(), nil)
	c.now = clock.Now

	c.store("k", "v")
	clock.Advance(2 * time.Minute)
	_, _ = c.Get(context.Background(), "k") // reload blocks on the gate

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Close(ctx), context.DeadlineExceeded)
}

func TestStatsRates(t *testing.T) {
	s := Stats{Hits: 3, Misses: 1, LoadSuccess: 3, LoadFailure: 1, TotalLoadTime: 4 * time.Millisecond}
	assert.InDelta(t, 0.75, s.HitRate(), 1e-9)
	assert.InDelta(t, 0.25, s.LoadExceptionRate(), 1e-9)
	assert.Equal(t, time.Millisecond, s.AverageLoadPenalty())
	assert.Equal(t, 1.0, Stats{}.HitRate())
}
