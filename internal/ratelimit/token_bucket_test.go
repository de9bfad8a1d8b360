package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/billforge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client), mr
}

func TestTokenBucketExhaustsBurst(t *testing.T) {
	bucket, mr := newBucket(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "k", 0.01, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d", i)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := bucket.Allow(ctx, "k", 0.01, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)
	assert.True(t, mr.Exists("k"))
	assert.Positive(t, mr.TTL("k"))
}

func TestTokenBucketRejectsBadInput(t *testing.T) {
	bucket, _ := newBucket(t)
	ctx := context.Background()

	_, err := bucket.Allow(ctx, "", 1, 1)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = bucket.Allow(ctx, "k", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	var nilBucket *TokenBucket
	_, err = nilBucket.Allow(ctx, "k", 1, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestTrackLimiterIsolatesOrganizations(t *testing.T) {
	bucket, _ := newBucket(t)
	limiter := NewTrackLimiter(bucket, config.UsageConfig{TrackRate: 0.01, TrackBurst: 1})
	require.NotNil(t, limiter)
	ctx := context.Background()

	res, err := limiter.Allow(ctx, "org_a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.Allow(ctx, "org_a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.Allow(ctx, "org_b")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTrackLimiterDisabledAllowsAll(t *testing.T) {
	bucket, _ := newBucket(t)
	assert.Nil(t, NewTrackLimiter(bucket, config.UsageConfig{}))
	assert.Nil(t, NewTrackLimiter(nil, config.UsageConfig{TrackRate: 1, TrackBurst: 1}))

	var limiter *TrackLimiter
	res, err := limiter.Allow(context.Background(), "org_a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
