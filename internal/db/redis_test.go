package db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	s := miniredis.RunT(t)
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: s.Addr()}),
		Ctx:    context.Background(),
	}
	t.Cleanup(rs.Close)
	return s, rs
}

func TestIncrementImpressionSetsTTL(t *testing.T) {
	s, rs := newTestStore(t)
	ctx := context.Background()

	n, err := rs.IncrementImpression(ctx, "u1", "v1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = rs.IncrementImpression(ctx, "u1", "v1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.Equal(t, time.Hour, s.TTL("imphist:u1"))
	s.FastForward(2 * time.Hour)
	assert.False(t, s.Exists("imphist:u1"))
}

func TestImpressionHistorySkipsMalformed(t *testing.T) {
	s, rs := newTestStore(t)
	s.HSet("imphist:u2", "v1", "3")
	s.HSet("imphist:u2", "v2", "many")

	hist, err := rs.ImpressionHistory(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"v1": 3}, hist)

	hist, err = rs.ImpressionHistory(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestInvalidationPubSub(t *testing.T) {
	_, rs := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 2)
	require.NoError(t, rs.SubscribeInvalidations(ctx, func(name string) { got <- name }))
	require.NoError(t, rs.PublishInvalidation(ctx, "organic"))
	require.NoError(t, rs.PublishInvalidation(ctx, InvalidateAllCaches))

	for _, want := range []string{"organic", "*"} {
		select {
		case name := <-got:
			assert.Equal(t, want, name)
		case <-time.After(2 * time.Second):
			t.Fatalf("no invalidation received for %q", want)
		}
	}
}
