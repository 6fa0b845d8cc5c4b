package logic

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/decisionengine/internal/db"
)

// DefaultImpressionTTL applies when the configured history TTL is not positive.
const DefaultImpressionTTL = 24 * time.Hour

// RecordImpression counts one view of videoID by userID. The history of the
// user expires ttl after the last recorded view.
func RecordImpression(ctx context.Context, store *db.RedisStore, userID, videoID string, ttl time.Duration) (int64, error) {
	if store == nil || store.Client == nil {
		return 0, ErrNilRedisStore
	}
	userID = strings.TrimSpace(userID)
	videoID = strings.TrimSpace(videoID)
	if userID == "" || videoID == "" {
		return 0, NewValidationError("user and id are required")
	}
	if ttl <= 0 {
		ttl = DefaultImpressionTTL
	}
	n, err := store.IncrementImpression(ctx, userID, videoID, ttl)
	if err != nil {
		zap.L().Error("failed to record impression", zap.String("user", userID), zap.Error(err))
		return 0, &UpstreamError{Op: "impression", Err: err}
	}
	return n, nil
}

// MergeImpressionHistory returns supplied extended with the stored history of
// userID, keeping the larger count per video. A missing store or a Redis
// failure leaves supplied untouched.
func MergeImpressionHistory(ctx context.Context, store *db.RedisStore, userID string, supplied map[string]int) map[string]int {
	if store == nil || store.Client == nil || strings.TrimSpace(userID) == "" {
		return supplied
	}
	stored, err := store.ImpressionHistory(ctx, userID)
	if err != nil {
		// Fail open: serve with the client's own history.
		zap.L().Warn("redis impression history", zap.String("user", userID), zap.Error(err))
		return supplied
	}
	if len(stored) == 0 {
		return supplied
	}
	out := make(map[string]int, len(supplied)+len(stored))
	for id, n := range supplied {
		out[id] = n
	}
	for id, n := range stored {
		if n > out[id] {
			out[id] = n
		}
	}
	return out
}
