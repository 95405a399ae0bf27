package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	ErrNotConfigured = errors.New("rate limiter not configured")
	ErrInvalidBucket = errors.New("invalid rate limit bucket")
)

// KEYS[1] bucket hash. ARGV: rate per second, burst, cost, ttl ms.
// Returns {allowed, remaining tokens as string, retry after ms}.
var takeScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])

local clock = redis.call("TIME")
local now = clock[1] * 1000 + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now
if now > last then
  tokens = math.min(burst, tokens + (now - last) * rate / 1000)
end

local allowed = 0
local retry = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
else
  retry = math.ceil((cost - tokens) * 1000 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {allowed, tostring(tokens), retry}
`)

// Bucket is a refill rate in tokens per second and a capacity.
type Bucket struct {
	Rate  float64
	Burst int
}

func (b Bucket) validate() error {
	if b.Rate <= 0 || b.Burst <= 0 {
		return fmt.Errorf("%w: rate=%v burst=%d", ErrInvalidBucket, b.Rate, b.Burst)
	}
	return nil
}

// idleTTL keeps an unused bucket for twice its full refill time.
func (b Bucket) idleTTL() time.Duration {
	seconds := max(math.Ceil(float64(b.Burst)/b.Rate*2), 1)
	return time.Duration(seconds) * time.Second
}

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type TokenBucket struct {
	client redis.UniversalClient
}

func NewTokenBucket(client redis.UniversalClient) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, bucket Bucket) (*Result, error) {
	return t.AllowN(ctx, key, bucket, 1)
}

// AllowN takes cost tokens from the bucket at key, or none when fewer remain.
func (t *TokenBucket) AllowN(ctx context.Context, key string, bucket Bucket, cost int) (*Result, error) {
	if t == nil || t.client == nil {
		return nil, ErrNotConfigured
	}
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidBucket)
	}
	if err := bucket.validate(); err != nil {
		return nil, err
	}
	if cost <= 0 || cost > bucket.Burst {
		return nil, fmt.Errorf("%w: cost %d outside 1..%d", ErrInvalidBucket, cost, bucket.Burst)
	}

	reply, err := takeScript.Run(ctx, t.client, []string{key},
		bucket.Rate, bucket.Burst, cost, bucket.idleTTL().Milliseconds()).Slice()
	if err != nil {
		return nil, err
	}
	if len(reply) != 3 {
		return nil, fmt.Errorf("rate limit script returned %d values", len(reply))
	}

	allowed, _ := reply[0].(int64)
	retryMillis, _ := reply[2].(int64)
	remaining := 0.0
	if raw, ok := reply[1].(string); ok {
		remaining, _ = strconv.ParseFloat(raw, 64)
	}

	return &Result{
		Allowed:    allowed == 1,
		Limit:      bucket.Burst,
		Remaining:  int(math.Floor(remaining)),
		RetryAfter: time.Duration(retryMillis) * time.Millisecond,
	}, nil
}
