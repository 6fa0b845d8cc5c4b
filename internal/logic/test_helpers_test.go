package logic

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/patrickwarner/decisionengine/internal/db"
)

// setupTestRedis returns an impression store over an in-memory Redis that
// is shut down with the test.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *db.RedisStore) {
	t.Helper()
	s := miniredis.RunT(t)
	store := &db.RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: s.Addr()}),
		Ctx:    context.Background(),
	}
	t.Cleanup(func() { _ = store.Client.Close() })
	return s, store
}
