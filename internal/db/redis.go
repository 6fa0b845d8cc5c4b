package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InvalidationChannel carries cache names to clear on every node.
const InvalidationChannel = "decisionengine:cache:invalidate"

// InvalidateAllCaches is published to clear every cache.
const InvalidateAllCaches = "*"

// RedisStore wraps a redis client and context for operations.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	// Add OpenTelemetry instrumentation to Redis client
	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

func impressionKey(userID string) string { return "imphist:" + userID }

// IncrementImpression increments the count of videoID in the impression
// history of userID and returns the new count. The whole history expires
// ttl after its last update.
func (r *RedisStore) IncrementImpression(ctx context.Context, userID, videoID string, ttl time.Duration) (int64, error) {
	key := impressionKey(userID)
	pipe := r.Client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, videoID, 1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// ImpressionHistory returns the stored video id to count map of userID.
func (r *RedisStore) ImpressionHistory(ctx context.Context, userID string) (map[string]int, error) {
	raw, err := r.Client.HGetAll(ctx, impressionKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(raw))
	for id, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			zap.L().Warn("ignoring malformed impression count",
				zap.String("user", userID), zap.String("video_id", id), zap.String("value", v))
			continue
		}
		out[id] = n
	}
	return out, nil
}

// PublishInvalidation asks every subscribed node to clear cacheName, or all
// caches for InvalidateAllCaches.
func (r *RedisStore) PublishInvalidation(ctx context.Context, cacheName string) error {
	return r.Client.Publish(ctx, InvalidationChannel, cacheName).Err()
}

// SubscribeInvalidations calls handle for every invalidation published until
// ctx is cancelled. It returns once the subscription is confirmed.
func (r *RedisStore) SubscribeInvalidations(ctx context.Context, handle func(cacheName string)) error {
	sub := r.Client.Subscribe(ctx, InvalidationChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", InvalidationChannel, err)
	}
	go func() {
		defer func() {
			if err := sub.Close(); err != nil {
				zap.L().Debug("redis unsubscribe", zap.Error(err))
			}
		}()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handle(msg.Payload)
			}
		}
	}()
	return nil
}

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
