package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quota/internal/clock"
	"github.com/smallbiznis/quota/internal/config"
	"github.com/smallbiznis/quota/internal/observability/metrics"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	"github.com/smallbiznis/quota/internal/usage/counter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tenant = snowflake.ID(1001)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(ctx context.Context, tenantID snowflake.ID) (plandomain.Limits, error) {
	args := m.Called(ctx, tenantID)
	limits, _ := args.Get(0).(plandomain.Limits)
	return limits, args.Error(1)
}

func (m *mockResolver) ResolvePlan(ctx context.Context, tenantID snowflake.ID) (*plandomain.Plan, error) {
	args := m.Called(ctx, tenantID)
	plan, _ := args.Get(0).(*plandomain.Plan)
	return plan, args.Error(1)
}

func (m *mockResolver) RemainingCapacity(ctx context.Context, tenantID snowflake.ID, metric string) (*int64, error) {
	args := m.Called(ctx, tenantID, metric)
	remaining, _ := args.Get(0).(*int64)
	return remaining, args.Error(1)
}

func (m *mockResolver) Invalidate(tenantID snowflake.ID) {
	m.Called(tenantID)
}

type brokenCounter struct {
	counter.Store
}

func (brokenCounter) Read(context.Context, snowflake.ID, string, string) (int64, error) {
	return 0, errors.New("dial tcp: connection refused")
}

func newStore(t *testing.T) counter.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return counter.NewRedisStore(client, clock.NewFakeClock(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)), zap.NewNop(), counter.Options{})
}

func newGate(t *testing.T, limits plandomain.Limits, catalog config.PlanCatalog) (*Gate, counter.Store) {
	t.Helper()
	r := &mockResolver{}
	r.On("Resolve", mock.Anything, tenant).Return(limits, nil)
	store := newStore(t)
	return NewGate(r, store, config.NewStaticPlanCatalogHolder(catalog), zap.NewNop(), nil), store
}

func grace(v float64) *float64 { return &v }

func TestEnforceWithinLimit(t *testing.T) {
	gate, store := newGate(t, plandomain.Limits{"campaigns": 10}, config.DefaultPlanCatalog())
	ctx := context.Background()
	_, err := store.Increment(ctx, tenant, "campaigns", 9)
	require.NoError(t, err)

	assert.NoError(t, gate.Enforce(ctx, tenant, "campaigns", 1, Options{}))

	err = gate.Enforce(ctx, tenant, "campaigns", 2, Options{UpgradeURL: "https://example.com/upgrade", Suggestions: []string{"archive old campaigns"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLimitExceeded)

	var exceeded *LimitExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "campaigns", exceeded.Metric)
	assert.Equal(t, int64(9), exceeded.Current)
	assert.Equal(t, 10.0, exceeded.Limit)
	assert.Equal(t, int64(2), exceeded.Requested)
	assert.Equal(t, int64(1), exceeded.Remaining)
	assert.Equal(t, "https://example.com/upgrade", exceeded.UpgradeURL)
	assert.Equal(t, []string{"archive old campaigns"}, exceeded.Suggestions)
}

func TestEnforceGrace(t *testing.T) {
	gate, store := newGate(t, plandomain.Limits{"contacts": 100}, config.DefaultPlanCatalog())
	ctx := context.Background()
	_, err := store.Increment(ctx, tenant, "contacts", 105)
	require.NoError(t, err)

	assert.ErrorIs(t, gate.Enforce(ctx, tenant, "contacts", 1, Options{}), ErrLimitExceeded)
	assert.NoError(t, gate.Enforce(ctx, tenant, "contacts", 5, Options{GracePercentage: grace(10)}))
	assert.ErrorIs(t, gate.Enforce(ctx, tenant, "contacts", 6, Options{GracePercentage: grace(10)}), ErrLimitExceeded)

	var exceeded *LimitExceededError
	err = gate.Enforce(ctx, tenant, "contacts", 6, Options{GracePercentage: grace(10)})
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, int64(0), exceeded.Remaining, "remaining is measured against the hard limit")
}

func TestEnforceDefaultGraceFromCatalog(t *testing.T) {
	catalog := config.DefaultPlanCatalog()
	catalog.DefaultGracePercentage = 50
	gate, store := newGate(t, plandomain.Limits{"seats": 3}, catalog)
	ctx := context.Background()
	_, err := store.Increment(ctx, tenant, "seats", 3)
	require.NoError(t, err)

	// floor(3 * 1.5) = 4
	assert.NoError(t, gate.Enforce(ctx, tenant, "seats", 1, Options{}))
	assert.ErrorIs(t, gate.Enforce(ctx, tenant, "seats", 2, Options{}), ErrLimitExceeded)
	assert.ErrorIs(t, gate.Enforce(ctx, tenant, "seats", 1, Options{GracePercentage: grace(0)}), ErrLimitExceeded)
}

func TestEnforceAdmitsWithoutLimits(t *testing.T) {
	ctx := context.Background()

	gate, _ := newGate(t, nil, config.DefaultPlanCatalog())
	assert.NoError(t, gate.Enforce(ctx, tenant, "contacts", 1_000_000, Options{}), "unresolved plan fails open")

	gate, _ = newGate(t, plandomain.Limits{"seats": 1}, config.DefaultPlanCatalog())
	assert.NoError(t, gate.Enforce(ctx, tenant, "contacts", 1_000_000, Options{}), "absent metric is unlimited")
	assert.NoError(t, gate.Enforce(ctx, tenant, "seats", 0, Options{}))
	assert.NoError(t, gate.Enforce(ctx, tenant, "seats", -4, Options{}))
}

func TestEnforceZeroLimit(t *testing.T) {
	gate, _ := newGate(t, plandomain.Limits{"campaigns": 0}, config.DefaultPlanCatalog())
	assert.ErrorIs(t, gate.Enforce(context.Background(), tenant, "campaigns", 1, Options{}), ErrLimitExceeded)
}

func TestEnforceFailsOpen(t *testing.T) {
	reg := prometheus.NewRegistry()
	quota := metricsForTest(t, reg)
	ctx := context.Background()

	r := &mockResolver{}
	r.On("Resolve", mock.Anything, tenant).Return(nil, errors.New("database is closed")).Once()
	r.On("Resolve", mock.Anything, tenant).Return(plandomain.Limits{"campaigns": 1}, nil)

	gate := NewGate(r, brokenCounter{}, nil, zap.NewNop(), quota)

	assert.NoError(t, gate.Enforce(ctx, tenant, "campaigns", 5, Options{}))
	assert.NoError(t, gate.Enforce(ctx, tenant, "campaigns", 5, Options{}))

	assert.Equal(t, 1.0, metrics.CounterValue(reg, "quota_enforcement_fail_open_total", map[string]string{"reason": metrics.FailOpenReasonResolver}))
	assert.Equal(t, 1.0, metrics.CounterValue(reg, "quota_enforcement_fail_open_total", map[string]string{"reason": metrics.FailOpenReasonCounter}))
	r.AssertExpectations(t)
}

func TestConsumeIfAllowedHardCap(t *testing.T) {
	gate, store := newGate(t, plandomain.Limits{"seats": 5}, config.DefaultPlanCatalog())
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gate.ConsumeIfAllowed(ctx, tenant, "seats", 1, Options{}); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrLimitExceeded)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	got, err := store.Read(ctx, tenant, "seats", "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	_, err = gate.ConsumeIfAllowed(ctx, tenant, "seats", 0, Options{})
	assert.ErrorIs(t, err, counter.ErrInvalidAmount)
}

func TestCanPerformAction(t *testing.T) {
	catalog := config.DefaultPlanCatalog()
	catalog.ActionMetrics = map[string]string{"create_campaign": "campaigns"}
	gate, store := newGate(t, plandomain.Limits{"campaigns": 10}, catalog)
	ctx := context.Background()
	_, err := store.Increment(ctx, tenant, "campaigns", 5)
	require.NoError(t, err)

	result, err := gate.CanPerformAction(ctx, tenant, "create_campaign", 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, "campaigns", result.Metric)
	assert.Equal(t, "5 of 10 campaigns used", result.Message)
	require.NotNil(t, result.Remaining)
	assert.Equal(t, int64(5), *result.Remaining)

	result, err = gate.CanPerformAction(ctx, tenant, "campaigns", 6)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, "campaigns", result.Metric)

	result, err = gate.CanPerformAction(ctx, tenant, "exports", 0)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Nil(t, result.Limit)

	_, err = gate.CanPerformAction(ctx, tenant, " ", 1)
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestEffectiveLimit(t *testing.T) {
	assert.Equal(t, 10.0, EffectiveLimit(10, 0))
	assert.Equal(t, 11.0, EffectiveLimit(10, 10))
	assert.Equal(t, 11.0, EffectiveLimit(10, 15))
	assert.Equal(t, 10.0, EffectiveLimit(10.9, 0))
	assert.Equal(t, 10.0, EffectiveLimit(10, -20))
}

func metricsForTest(t *testing.T, reg *prometheus.Registry) *metrics.QuotaMetrics {
	t.Helper()
	prev := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	metrics.ResetQuotaMetricsForTest()
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = prev
		metrics.ResetQuotaMetricsForTest()
	})
	return metrics.Quota()
}
