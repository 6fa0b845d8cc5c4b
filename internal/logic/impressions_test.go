package logic

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordImpression(t *testing.T) {
	s, store := setupTestRedis(t)
	defer s.Close()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := RecordImpression(ctx, store, "u1", "v1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	_, err := RecordImpression(ctx, store, "u1", "v2", time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "3", s.HGet("imphist:u1", "v1"))
	assert.Equal(t, "1", s.HGet("imphist:u1", "v2"))
	assert.Equal(t, time.Hour, s.TTL("imphist:u1"))
}

func TestRecordImpressionDefaultsTTL(t *testing.T) {
	s, store := setupTestRedis(t)
	defer s.Close()

	_, err := RecordImpression(context.Background(), store, "u1", "v1", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultImpressionTTL, s.TTL("imphist:u1"))
}

func TestRecordImpressionExpires(t *testing.T) {
	s, store := setupTestRedis(t)
	defer s.Close()

	_, err := RecordImpression(context.Background(), store, "u1", "v1", time.Minute)
	require.NoError(t, err)
	s.FastForward(2 * time.Minute)
	assert.False(t, s.Exists("imphist:u1"))
}

func TestRecordImpressionValidation(t *testing.T) {
	s, store := setupTestRedis(t)
	defer s.Close()

	_, err := RecordImpression(context.Background(), store, " ", "v1", time.Hour)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	_, err = RecordImpression(context.Background(), store, "u1", "", time.Hour)
	assert.True(t, IsClientError(err))

	_, err = RecordImpression(context.Background(), nil, "u1", "v1", time.Hour)
	assert.ErrorIs(t, err, ErrNilRedisStore)
}

func TestRecordImpressionRedisDown(t *testing.T) {
	s, store := setupTestRedis(t)
	s.Close()

	_, err := RecordImpression(context.Background(), store, "u1", "v1", time.Hour)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(err))
}

func TestMergeImpressionHistoryKeepsLargerCount(t *testing.T) {
	s, store := setupTestRedis(t)
	defer s.Close()
	s.HSet("imphist:u1", "v1", "5", "v2", "1", "bad", "x")

	got := MergeImpressionHistory(context.Background(), store, "u1", map[string]int{"v2": 4, "v3": 2})
	assert.Equal(t, map[string]int{"v1": 5, "v2": 4, "v3": 2}, got)
}

func TestMergeImpressionHistoryFailsOpen(t *testing.T) {
	supplied := map[string]int{"v1": 1}

	assert.Equal(t, supplied, MergeImpressionHistory(context.Background(), nil, "u1", supplied))

	s, store := setupTestRedis(t)
	assert.Equal(t, supplied, MergeImpressionHistory(context.Background(), store, "", supplied))
	assert.Equal(t, supplied, MergeImpressionHistory(context.Background(), store, "nobody", supplied))

	s.Close()
	assert.Equal(t, supplied, MergeImpressionHistory(context.Background(), store, "u1", supplied))
}
