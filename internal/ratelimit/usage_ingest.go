package ratelimit

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quota/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyUsageWrite = "quota:ratelimit:usage:%s"

type Params struct {
	fx.In

	Config config.Config
	Redis  *redis.Client `optional:"true"`
	Log    *zap.Logger
}

// UsageLimiter throttles usage writes per tenant. A nil limiter allows everything.
type UsageLimiter struct {
	tokens *TokenBucket
	bucket Bucket
}

func NewUsageLimiter(p Params) (*UsageLimiter, error) {
	cfg := p.Config.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}
	if p.Redis == nil {
		p.Log.Warn("usage rate limit enabled without redis, disabling")
		return nil, nil
	}
	bucket := Bucket{Rate: cfg.UsageRate, Burst: cfg.UsageBurst}
	if err := bucket.validate(); err != nil {
		return nil, fmt.Errorf("usage rate limit: %w", err)
	}
	return NewUsageLimiterWithBucket(NewTokenBucket(p.Redis), bucket), nil
}

func NewUsageLimiterWithBucket(tokens *TokenBucket, bucket Bucket) *UsageLimiter {
	return &UsageLimiter{tokens: tokens, bucket: bucket}
}

func (l *UsageLimiter) Enabled() bool {
	return l != nil && l.tokens != nil
}

func (l *UsageLimiter) Allow(ctx context.Context, tenantID snowflake.ID) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.tokens.Allow(ctx, fmt.Sprintf(keyUsageWrite, tenantID.String()), l.bucket)
}
