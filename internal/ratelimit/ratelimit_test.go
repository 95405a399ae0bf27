package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quota/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestUsageLimiterExhaustsBurst(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewUsageLimiterWithBucket(NewTokenBucket(client), Bucket{Rate: 0.001, Burst: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, 42)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
	}

	res, err := limiter.Allow(ctx, 42)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter.Seconds(), 0.0)

	other, err := limiter.Allow(ctx, 43)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestNilUsageLimiterAllows(t *testing.T) {
	var limiter *UsageLimiter
	assert.False(t, limiter.Enabled())
	res, err := limiter.Allow(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestNewUsageLimiterDisabled(t *testing.T) {
	limiter, err := NewUsageLimiter(Params{Config: config.Config{}, Log: zap.NewNop()})
	require.NoError(t, err)
	assert.Nil(t, limiter)

	_, err = NewUsageLimiter(Params{
		Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true}},
		Redis:  redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}),
		Log:    zap.NewNop(),
	})
	assert.Error(t, err)
}

func TestTokenBucketRejectsInvalidInput(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tokens := NewTokenBucket(client)
	ctx := context.Background()
	_, err := tokens.Allow(ctx, "", Bucket{Rate: 1, Burst: 1})
	assert.ErrorIs(t, err, ErrInvalidBucket)
	_, err = tokens.Allow(ctx, "k", Bucket{Rate: 0, Burst: 1})
	assert.ErrorIs(t, err, ErrInvalidBucket)
	_, err = tokens.AllowN(ctx, "k", Bucket{Rate: 1, Burst: 2}, 3)
	assert.ErrorIs(t, err, ErrInvalidBucket)

	var missing *TokenBucket
	_, err = missing.Allow(ctx, "k", Bucket{Rate: 1, Burst: 1})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestTokenBucketAllowNCost(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tokens := NewTokenBucket(client)
	bucket := Bucket{Rate: 1, Burst: 5}
	ctx := context.Background()

	res, err := tokens.AllowN(ctx, "cost", bucket, 4)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)

	res, err = tokens.AllowN(ctx, "cost", bucket, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, 2*time.Second)

	ttl := mr.TTL("cost")
	assert.Greater(t, ttl, time.Duration(0))
}
