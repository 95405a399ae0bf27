package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/events"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	"github.com/smallbiznis/quota/internal/usage/counter"
	usagedomain "github.com/smallbiznis/quota/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// MonthlyResetter closes the previous calendar month: it records a final
// ledger row and summary event per metric, then clears the live counter.
type MonthlyResetter struct {
	deps Deps
	cfg  Config
	log  *zap.Logger
}

func NewMonthlyResetter(p Params) *MonthlyResetter {
	return NewMonthlyResetterWithDeps(depsFrom(p), ConfigFrom(p.Cfg))
}

func NewMonthlyResetterWithDeps(d Deps, cfg Config) *MonthlyResetter {
	d = d.withDefaults()
	return &MonthlyResetter{
		deps: d,
		cfg:  cfg.withDefaults(),
		log:  d.Log.Named("reconcile.monthly_reset"),
	}
}

func (m *MonthlyResetter) Name() string { return JobMonthlyReset }

// Period is the label of the month being closed.
func (m *MonthlyResetter) Period(now time.Time) string {
	label, _ := counter.PreviousPeriod(now)
	return label
}

func (m *MonthlyResetter) Run(ctx context.Context) (Summary, error) {
	start := m.deps.Clock.Now().UTC()
	label, lastDay := counter.PreviousPeriod(start)

	summary := Summary{Job: JobMonthlyReset, Period: label}
	d := m.deps
	d.Log = m.log

	err := forEachTenant(ctx, d, m.cfg, &summary, func(ctx context.Context, tenantID snowflake.ID) tenantResult {
		return m.resetTenant(ctx, tenantID, label, lastDay, start)
	})
	summary.Duration = m.deps.Clock.Now().Sub(start)

	m.log.Info("monthly reset finished",
		zap.String("period", label),
		zap.Int("tenants", summary.Tenants),
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	)
	return summary, err
}

func (m *MonthlyResetter) resetTenant(ctx context.Context, tenantID snowflake.ID, label string, lastDay, now time.Time) tenantResult {
	var res tenantResult

	metricNames, err := m.deps.Counter.ListMetrics(ctx, tenantID)
	if err != nil {
		res.err = fmt.Errorf("list metrics: %w", err)
		return res
	}
	if len(metricNames) == 0 {
		return res
	}

	var (
		limits   plandomain.Limits
		resolved bool
		errs     []error
	)
	for _, metric := range metricNames {
		row, err := m.deps.Ledger.FindLedgerRow(ctx, m.deps.DB, tenantID, metric, lastDay)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: find ledger row: %w", metric, err))
			continue
		}
		if row == nil && !resolved {
			limits = resolveLimits(ctx, m.deps, tenantID)
			resolved = true
		}
		if err := m.resetMetric(ctx, tenantID, metric, row, limits, label, lastDay, now); err != nil {
			m.log.Warn("metric reset failed",
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

func (m *MonthlyResetter) resetMetric(
	ctx context.Context,
	tenantID snowflake.ID,
	metric string,
	row *usagedomain.LedgerRow,
	limits plandomain.Limits,
	label string,
	lastDay time.Time,
	now time.Time,
) error {
	source := sourceLedger
	if row == nil {
		usage, err := m.deps.Counter.Read(ctx, tenantID, metric, label)
		if err != nil {
			return err
		}
		source = sourceCache
		row = &usagedomain.LedgerRow{
			ID:           m.deps.GenID.Generate(),
			TenantID:     tenantID,
			MetricName:   metric,
			PeriodDate:   lastDay,
			CurrentUsage: usage,
			LimitValue:   limitFor(ctx, m.deps, tenantID, metric, limits),
		}
	}
	if err := m.deps.Ledger.UpsertLedgerRow(ctx, m.deps.DB, row); err != nil {
		return fmt.Errorf("upsert ledger row: %w", err)
	}

	payload := events.MonthlySummaryPayload{
		Metric:     metric,
		Period:     label,
		PeriodDate: lastDay,
		Usage:      row.CurrentUsage,
		Limit:      row.LimitValue,
		Source:     source,
	}
	evt := &usagedomain.UsageEvent{
		ID:         m.deps.GenID.Generate(),
		TenantID:   tenantID,
		EventType:  usagedomain.EventTypeMonthlySummary,
		MetricName: metric,
		OccurredAt: now,
		Metadata:   datatypes.JSONMap(payload.ToMap()),
	}
	if err := m.deps.Ledger.AppendEvent(ctx, m.deps.DB, evt); err != nil {
		return fmt.Errorf("append summary event: %w", err)
	}
	m.deps.Bus.Publish(ctx, events.Event{
		Type:     events.EventUsageMonthlySummary,
		TenantID: tenantID,
		Payload:  payload.ToMap(),
	})

	if err := m.deps.Counter.ClearPeriod(ctx, tenantID, metric, label); err != nil {
		return err
	}
	return m.deps.Counter.ClearTriggered(ctx, tenantID, metric, m.cfg.thresholdsFrom(m.deps.Catalog)...)
}
