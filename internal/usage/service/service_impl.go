package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/cache"
	"github.com/smallbiznis/quota/internal/clock"
	"github.com/smallbiznis/quota/internal/events"
	"github.com/smallbiznis/quota/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/quota/internal/subscription/domain"
	"github.com/smallbiznis/quota/internal/usage/counter"
	usagedomain "github.com/smallbiznis/quota/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000

	knownTenantTTL = time.Hour
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Repo          usagedomain.Repository
	Counter       counter.Store
	Subscriptions subscriptiondomain.Service `optional:"true"`
	Bus           *events.Bus                `optional:"true"`
	Clock         clock.Clock                `optional:"true"`
	Metrics       *metrics.Metrics           `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    usagedomain.Repository
	counter counter.Store
	subs    subscriptiondomain.Service
	known   cache.Cache[snowflake.ID, struct{}]
	bus     *events.Bus
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("usage.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		counter: p.Counter,
		subs:    p.Subscriptions,
		known:   cache.NewTTLCache[snowflake.ID, struct{}](),
		bus:     p.Bus,
		clock:   clk,
		metrics: p.Metrics,
	}
}

// Record applies a tenant-originated delta to the live counter and appends a
// usage.delta event. Limit enforcement happens before this call.
func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (*usagedomain.RecordResult, error) {
	if req.TenantID == 0 {
		return nil, usagedomain.ErrInvalidTenant
	}
	metric := strings.TrimSpace(req.Metric)
	if metric == "" {
		return nil, usagedomain.ErrInvalidMetric
	}
	if req.Delta == 0 {
		return nil, usagedomain.ErrInvalidDelta
	}

	s.registerTenant(ctx, req.TenantID)

	value, err := s.counter.Delta(ctx, req.TenantID, metric, req.Delta)
	if err != nil {
		return nil, fmt.Errorf("apply usage delta: %w", err)
	}

	now := s.clock.Now().UTC()
	meta := datatypes.JSONMap{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["value"] = value

	evt := &usagedomain.UsageEvent{
		ID:         s.genID.Generate(),
		TenantID:   req.TenantID,
		EventType:  usagedomain.EventTypeDelta,
		MetricName: metric,
		Increment:  req.Delta,
		OccurredAt: now,
		Metadata:   meta,
	}
	if err := s.repo.AppendEvent(ctx, s.db, evt); err != nil {
		// The counter already moved; the event row is an audit trail only.
		s.log.Warn("failed to append usage delta event",
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("metric", metric),
			zap.Int64("delta", req.Delta),
			zap.Error(err),
		)
	}

	s.metrics.RecordUsage(ctx, metric, req.Delta)
	s.bus.Publish(ctx, events.Event{
		Type:     events.EventUsageDelta,
		TenantID: req.TenantID,
		Payload: events.UsageDeltaPayload{
			Metric: metric,
			Delta:  req.Delta,
			Value:  value,
		}.ToMap(),
	})

	s.log.Debug("usage recorded",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("metric", metric),
		zap.Int64("delta", req.Delta),
		zap.Int64("value", value),
	)

	return &usagedomain.RecordResult{Metric: metric, Delta: req.Delta, Value: value}, nil
}

// registerTenant creates the tenant's default subscription row on its first
// write so reconciliation jobs list it. A failure is retried on the next write.
func (s *Service) registerTenant(ctx context.Context, tenantID snowflake.ID) {
	if s.subs == nil {
		return
	}
	if _, ok := s.known.Get(tenantID); ok {
		return
	}
	if _, err := s.subs.Get(ctx, tenantID); err != nil {
		s.log.Warn("failed to register metered tenant",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return
	}
	s.known.Set(tenantID, struct{}{}, knownTenantTTL)
}

func (s *Service) Current(ctx context.Context, tenantID snowflake.ID) (map[string]int64, error) {
	if tenantID == 0 {
		return nil, usagedomain.ErrInvalidTenant
	}

	metricNames, err := s.counter.ListMetrics(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	sort.Strings(metricNames)

	out := make(map[string]int64, len(metricNames))
	for _, name := range metricNames {
		value, err := s.counter.Read(ctx, tenantID, name, "")
		if err != nil {
			return nil, fmt.Errorf("read usage %s: %w", name, err)
		}
		out[name] = value
	}
	return out, nil
}

func (s *Service) History(ctx context.Context, req usagedomain.HistoryRequest) ([]usagedomain.LedgerRow, error) {
	if req.TenantID == 0 {
		return nil, usagedomain.ErrInvalidTenant
	}
	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		return nil, usagedomain.ErrInvalidTimeRange
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := s.repo.ListLedgerRows(ctx, s.db, usagedomain.LedgerFilter{
		TenantID: req.TenantID,
		Metric:   req.Metric,
		From:     req.From,
		To:       req.To,
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []usagedomain.LedgerRow{}
	}
	return rows, nil
}

// IsValidationError reports whether err came from request validation.
func IsValidationError(err error) bool {
	return errors.Is(err, usagedomain.ErrInvalidTenant) ||
		errors.Is(err, usagedomain.ErrInvalidMetric) ||
		errors.Is(err, usagedomain.ErrInvalidDelta) ||
		errors.Is(err, usagedomain.ErrInvalidTimeRange) ||
		errors.Is(err, counter.ErrInvalidAmount) ||
		errors.Is(err, counter.ErrInvalidMetric)
}
