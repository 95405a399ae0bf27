// Package reconcile persists live usage counters to the ledger and rolls
// monthly periods over.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/clock"
	"github.com/smallbiznis/quota/internal/config"
	"github.com/smallbiznis/quota/internal/events"
	"github.com/smallbiznis/quota/internal/observability/metrics"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	"github.com/smallbiznis/quota/internal/usage/counter"
	usagedomain "github.com/smallbiznis/quota/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Summary reports what one job run did.
type Summary struct {
	Job        string
	Period     string
	Tenants    int
	Processed  int
	Failed     int
	Skipped    int
	Thresholds int
	Duration   time.Duration
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Cfg       config.Config
	Directory TenantDirectory
	Counter   counter.Store
	Resolver  plandomain.Resolver
	Ledger    usagedomain.Repository
	Clock     clock.Clock
	Bus       *events.Bus               `optional:"true"`
	Scheduler *metrics.SchedulerMetrics `optional:"true"`
	Quota     *metrics.QuotaMetrics     `optional:"true"`
	Catalog   *config.PlanCatalogHolder `optional:"true"`
}

// Deps carries the collaborators shared by both jobs.
type Deps struct {
	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Directory TenantDirectory
	Counter   counter.Store
	Resolver  plandomain.Resolver
	Ledger    usagedomain.Repository
	Clock     clock.Clock
	Bus       *events.Bus
	Scheduler *metrics.SchedulerMetrics
	Quota     *metrics.QuotaMetrics
	Catalog   *config.PlanCatalogHolder
}

func depsFrom(p Params) Deps {
	return Deps{
		DB:        p.DB,
		Log:       p.Log,
		GenID:     p.GenID,
		Directory: p.Directory,
		Counter:   p.Counter,
		Resolver:  p.Resolver,
		Ledger:    p.Ledger,
		Clock:     p.Clock,
		Bus:       p.Bus,
		Scheduler: p.Scheduler,
		Quota:     p.Quota,
		Catalog:   p.Catalog,
	}
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.NewSystemClock()
	}
	return d
}

type tenantResult struct {
	processed  int
	thresholds int
	err        error
}

type tenantFunc func(ctx context.Context, tenantID snowflake.ID) tenantResult

// forEachTenant runs fn for every active tenant under its own time budget.
// Cancelling parent stops new tenants from starting; in-flight ones finish.
func forEachTenant(parent context.Context, d Deps, cfg Config, summary *Summary, fn tenantFunc) error {
	log := d.Log.With(zap.String("job", summary.Job), zap.String("period", summary.Period))

	tenantIDs, err := d.Directory.ListActiveTenantIDs(parent)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}
	summary.Tenants = len(tenantIDs)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(cfg.Concurrency)

	for _, tenantID := range tenantIDs {
		if parent.Err() != nil {
			mu.Lock()
			summary.Skipped++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			if parent.Err() != nil {
				mu.Lock()
				summary.Skipped++
				mu.Unlock()
				return nil
			}

			ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cfg.TenantTimeout)
			defer cancel()

			res := fn(ctx, tenantID)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Warn("tenant reconciliation timed out", zap.String("tenant_id", tenantID.String()))
				d.Scheduler.IncJobTimeout(summary.Job)
				if res.err == nil {
					res.err = ctx.Err()
				}
			}

			mu.Lock()
			defer mu.Unlock()
			summary.Processed += res.processed
			summary.Thresholds += res.thresholds
			if res.err != nil {
				summary.Failed++
				errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, res.err))
				d.Scheduler.IncItemFailure(summary.Job, "tenant", res.err)
			}
			return nil
		})
	}
	_ = g.Wait()

	d.Scheduler.AddBatchProcessed(summary.Job, "tenant_metric", summary.Processed)
	if summary.Skipped > 0 {
		log.Warn("reconciliation cancelled before all tenants ran", zap.Int("skipped", summary.Skipped))
		errs = append(errs, fmt.Errorf("skipped %d tenants: %w", summary.Skipped, context.Cause(parent)))
	}
	return errors.Join(errs...)
}

func limitFor(ctx context.Context, d Deps, tenantID snowflake.ID, metric string, limits plandomain.Limits) *float64 {
	if v, ok := limits.Limit(metric); ok {
		return &v
	}
	v, ok, err := d.Counter.GetLimit(ctx, tenantID, metric)
	if err != nil {
		d.Log.Warn("failed to read cached limit override",
			zap.String("tenant_id", tenantID.String()),
			zap.String("metric", metric),
			zap.Error(err),
		)
		return nil
	}
	if !ok {
		return nil
	}
	return &v
}

func resolveLimits(ctx context.Context, d Deps, tenantID snowflake.ID) plandomain.Limits {
	limits, err := d.Resolver.Resolve(ctx, tenantID)
	if err != nil {
		d.Log.Warn("plan limits unavailable, using cached overrides",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return nil
	}
	return limits
}
