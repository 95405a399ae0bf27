package counter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quota/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// DECRBY can go negative; the script clamps and refreshes expiry in one step.
const decrementScript = `
local v = redis.call("DECRBY", KEYS[1], ARGV[1])
if v < 0 then
  redis.call("SET", KEYS[1], 0)
  v = 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return v
`

const defaultKeyPrefix = "quota"

type Options struct {
	KeyPrefix string
	TTL       time.Duration
}

type Params struct {
	fx.In

	Client *redis.Client
	Clock  clock.Clock
	Log    *zap.Logger
}

type RedisStore struct {
	client    redis.UniversalClient
	clock     clock.Clock
	log       *zap.Logger
	prefix    string
	ttl       time.Duration
	decrement *redis.Script
}

func Provide(p Params) Store {
	return NewRedisStore(p.Client, p.Clock, p.Log, Options{})
}

func NewRedisStore(client redis.UniversalClient, clk clock.Clock, log *zap.Logger, opts Options) *RedisStore {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client:    client,
		clock:     clk,
		log:       log.Named("usage.counter"),
		prefix:    prefix,
		ttl:       ttl,
		decrement: redis.NewScript(decrementScript),
	}
}

func (s *RedisStore) Increment(ctx context.Context, tenantID snowflake.ID, metric string, amount int64) (int64, error) {
	metric, err := validate(tenantID, metric)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	key := counterKey(s.prefix, tenantID, metric, PeriodLabel(s.clock.Now()))
	regKey := registryKey(s.prefix, tenantID)

	var incr *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, key, amount)
		pipe.Expire(ctx, key, s.ttl)
		pipe.SAdd(ctx, regKey, metric)
		pipe.Expire(ctx, regKey, s.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", metric, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) Decrement(ctx context.Context, tenantID snowflake.ID, metric string, amount int64) (int64, error) {
	metric, err := validate(tenantID, metric)
	if err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	keys := []string{
		counterKey(s.prefix, tenantID, metric, PeriodLabel(s.clock.Now())),
		registryKey(s.prefix, tenantID),
	}
	value, err := s.decrement.Run(ctx, s.client, keys, amount, s.ttl.Milliseconds(), metric).Int64()
	if err != nil {
		return 0, fmt.Errorf("decrement %s: %w", metric, err)
	}
	return value, nil
}

func (s *RedisStore) Delta(ctx context.Context, tenantID snowflake.ID, metric string, delta int64) (int64, error) {
	switch {
	case delta > 0:
		return s.Increment(ctx, tenantID, metric, delta)
	case delta < 0:
		if delta == math.MinInt64 {
			return 0, ErrInvalidAmount
		}
		return s.Decrement(ctx, tenantID, metric, -delta)
	default:
		return s.Read(ctx, tenantID, metric, "")
	}
}

func (s *RedisStore) Read(ctx context.Context, tenantID snowflake.ID, metric string, period string) (int64, error) {
	metric, err := validate(tenantID, metric)
	if err != nil {
		return 0, err
	}
	period = strings.TrimSpace(period)
	if period == "" {
		period = PeriodLabel(s.clock.Now())
	}

	value, err := s.client.Get(ctx, counterKey(s.prefix, tenantID, metric, period)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", metric, err)
	}
	if value < 0 {
		return 0, nil
	}
	return value, nil
}

func (s *RedisStore) ListMetrics(ctx context.Context, tenantID snowflake.ID) ([]string, error) {
	if tenantID == 0 {
		return nil, ErrInvalidTenant
	}
	members, err := s.client.SMembers(ctx, registryKey(s.prefix, tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *RedisStore) SetLimit(ctx context.Context, tenantID snowflake.ID, metric string, limit float64) error {
	metric, err := validate(tenantID, metric)
	if err != nil {
		return err
	}
	if math.IsNaN(limit) || math.IsInf(limit, 0) || limit < 0 {
		return ErrInvalidLimit
	}
	raw := strconv.FormatFloat(limit, 'f', -1, 64)
	if err := s.client.Set(ctx, limitKey(s.prefix, tenantID, metric), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set limit %s: %w", metric, err)
	}
	return nil
}

func (s *RedisStore) GetLimit(ctx context.Context, tenantID snowflake.ID, metric string) (float64, bool, error) {
	metric, err := validate(tenantID, metric)
	if err != nil {
		return 0, false, err
	}
	raw, err := s.client.Get(ctx, limitKey(s.prefix, tenantID, metric)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get limit %s: %w", metric, err)
	}
	limit, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		s.log.Warn("ignoring corrupt cached limit", zap.String("metric", metric), zap.String("value", raw))
		return 0, false, nil
	}
	return limit, true, nil
}

func (s *RedisStore) MarkTriggered(ctx context.Context, tenantID snowflake.ID, metric string, percentage int) (bool, error) {
	metric, err := validate(tenantID, metric)
	if err != nil {
		return false, err
	}
	stamp := s.clock.Now().UTC().Format(time.RFC3339)
	ok, err := s.client.SetNX(ctx, thresholdKey(s.prefix, tenantID, metric, percentage), stamp, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark threshold %s/%d: %w", metric, percentage, err)
	}
	return ok, nil
}

func (s *RedisStore) IsTriggered(ctx context.Context, tenantID snowflake.ID, metric string, percentage int) (bool, error) {
	metric, err := validate(tenantID, metric)
	if err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, thresholdKey(s.prefix, tenantID, metric, percentage)).Result()
	if err != nil {
		return false, fmt.Errorf("check threshold %s/%d: %w", metric, percentage, err)
	}
	return n > 0, nil
}

func (s *RedisStore) ClearTriggered(ctx context.Context, tenantID snowflake.ID, metric string, percentages ...int) error {
	metric, err := validate(tenantID, metric)
	if err != nil {
		return err
	}
	if len(percentages) == 0 {
		return nil
	}
	keys := make([]string, 0, len(percentages))
	for _, pct := range percentages {
		keys = append(keys, thresholdKey(s.prefix, tenantID, metric, pct))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear thresholds %s: %w", metric, err)
	}
	return nil
}

func (s *RedisStore) ClearPeriod(ctx context.Context, tenantID snowflake.ID, metric string, period string) error {
	metric, err := validate(tenantID, metric)
	if err != nil {
		return err
	}
	period = strings.TrimSpace(period)
	if period == "" {
		return errors.New("period is required")
	}
	if err := s.client.Del(ctx, counterKey(s.prefix, tenantID, metric, period)).Err(); err != nil {
		return fmt.Errorf("clear period %s/%s: %w", metric, period, err)
	}
	return nil
}

func validate(tenantID snowflake.ID, metric string) (string, error) {
	if tenantID == 0 {
		return "", ErrInvalidTenant
	}
	metric = strings.TrimSpace(metric)
	if metric == "" {
		return "", ErrInvalidMetric
	}
	return metric, nil
}

var _ Store = (*RedisStore)(nil)
