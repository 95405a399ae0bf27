package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/events"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	"github.com/smallbiznis/quota/internal/usage/counter"
	usagedomain "github.com/smallbiznis/quota/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Snapshotter copies today's counters into the ledger and raises threshold alerts.
type Snapshotter struct {
	deps Deps
	cfg  Config
	log  *zap.Logger
}

func NewSnapshotter(p Params) *Snapshotter {
	return NewSnapshotterWithDeps(depsFrom(p), ConfigFrom(p.Cfg))
}

func NewSnapshotterWithDeps(d Deps, cfg Config) *Snapshotter {
	d = d.withDefaults()
	return &Snapshotter{
		deps: d,
		cfg:  cfg.withDefaults(),
		log:  d.Log.Named("reconcile.snapshot"),
	}
}

func (s *Snapshotter) Name() string { return JobDailySnapshot }

// Period is the UTC date the snapshot covers.
func (s *Snapshotter) Period(now time.Time) string {
	return usagedomain.Day(now).Format("2006-01-02")
}

func (s *Snapshotter) Run(ctx context.Context) (Summary, error) {
	start := s.deps.Clock.Now().UTC()
	today := usagedomain.Day(start)
	period := counter.PeriodLabel(start)

	summary := Summary{Job: JobDailySnapshot, Period: s.Period(start)}
	d := s.deps
	d.Log = s.log

	err := forEachTenant(ctx, d, s.cfg, &summary, func(ctx context.Context, tenantID snowflake.ID) tenantResult {
		return s.snapshotTenant(ctx, tenantID, today, period, start)
	})
	summary.Duration = s.deps.Clock.Now().Sub(start)

	s.log.Info("daily snapshot finished",
		zap.String("period", summary.Period),
		zap.Int("tenants", summary.Tenants),
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
		zap.Int("thresholds", summary.Thresholds),
		zap.Duration("duration", summary.Duration),
	)
	return summary, err
}

func (s *Snapshotter) snapshotTenant(ctx context.Context, tenantID snowflake.ID, today time.Time, period string, now time.Time) tenantResult {
	var res tenantResult

	metricNames, err := s.deps.Counter.ListMetrics(ctx, tenantID)
	if err != nil {
		res.err = fmt.Errorf("list metrics: %w", err)
		return res
	}
	if len(metricNames) == 0 {
		return res
	}

	limits := resolveLimits(ctx, s.deps, tenantID)

	var errs []error
	for _, metric := range metricNames {
		crossed, err := s.snapshotMetric(ctx, tenantID, metric, limits, today, period, now)
		res.thresholds += crossed
		if err != nil {
			s.log.Warn("metric snapshot failed",
				zap.String("tenant_id", tenantID.String()),
				zap.String("metric", metric),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", metric, err))
			continue
		}
		res.processed++
	}
	res.err = errors.Join(errs...)
	return res
}

func (s *Snapshotter) snapshotMetric(
	ctx context.Context,
	tenantID snowflake.ID,
	metric string,
	limits plandomain.Limits,
	today time.Time,
	period string,
	now time.Time,
) (int, error) {
	usage, err := s.deps.Counter.Read(ctx, tenantID, metric, period)
	if err != nil {
		return 0, err
	}
	limit := limitFor(ctx, s.deps, tenantID, metric, limits)

	row := &usagedomain.LedgerRow{
		ID:           s.deps.GenID.Generate(),
		TenantID:     tenantID,
		MetricName:   metric,
		PeriodDate:   today,
		CurrentUsage: usage,
		LimitValue:   limit,
	}
	if err := s.deps.Ledger.UpsertLedgerRow(ctx, s.deps.DB, row); err != nil {
		return 0, fmt.Errorf("upsert ledger row: %w", err)
	}

	if limit == nil || *limit <= 0 {
		return 0, nil
	}

	crossed := 0
	percentage := float64(usage) * 100 / *limit
	for _, pct := range s.cfg.thresholdsFrom(s.deps.Catalog) {
		if percentage < float64(pct) {
			break
		}
		marked, err := s.deps.Counter.MarkTriggered(ctx, tenantID, metric, pct)
		if err != nil {
			return crossed, err
		}
		if !marked {
			continue
		}

		payload := events.ThresholdCrossedPayload{
			Metric:      metric,
			Threshold:   pct,
			Usage:       usage,
			Limit:       *limit,
			Percentage:  percentage,
			Period:      period,
			TriggeredAt: now,
		}
		evt := &usagedomain.UsageEvent{
			ID:         s.deps.GenID.Generate(),
			TenantID:   tenantID,
			EventType:  usagedomain.EventTypeThresholdCrossed,
			MetricName: metric,
			OccurredAt: now,
			Metadata:   datatypes.JSONMap(payload.ToMap()),
		}
		if err := s.deps.Ledger.AppendEvent(ctx, s.deps.DB, evt); err != nil {
			return crossed, fmt.Errorf("append threshold event: %w", err)
		}
		s.deps.Bus.Publish(ctx, events.Event{
			Type:     events.EventUsageThresholdCrossed,
			TenantID: tenantID,
			Payload:  payload.ToMap(),
		})
		s.deps.Quota.IncThresholdCrossing(strconv.Itoa(pct))
		crossed++

		s.log.Info("usage threshold crossed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("metric", metric),
			zap.Int("threshold", pct),
			zap.Int64("usage", usage),
			zap.Float64("limit", *limit),
		)
	}
	return crossed, nil
}
