// Package resolver decides which plan limits apply to a tenant.
package resolver

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/cache"
	"github.com/smallbiznis/quota/internal/config"
	"github.com/smallbiznis/quota/internal/observability/metrics"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/quota/internal/subscription/domain"
	"github.com/smallbiznis/quota/internal/usage/counter"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config is the plan identifier mapping used during resolution.
type Config struct {
	DefaultPlan string
	// PriceByPlan maps a lower-cased plan identifier to its billing price reference.
	PriceByPlan map[string]string
	CacheTTL    time.Duration
}

func ConfigFromCatalog(c config.PlanCatalog, cacheTTL time.Duration) Config {
	prices := make(map[string]string, len(c.PriceByPlan))
	for plan, price := range c.PriceByPlan {
		prices[config.CanonicalPlanName(plan)] = strings.TrimSpace(price)
	}
	return Config{
		DefaultPlan: c.DefaultPlan,
		PriceByPlan: prices,
		CacheTTL:    cacheTTL,
	}
}

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Cfg           config.Config
	Catalog       *config.PlanCatalogHolder
	Plans         plandomain.Repository
	Subscriptions subscriptiondomain.Repository
	Counter       counter.Store
	Metrics       *metrics.QuotaMetrics `optional:"true"`
}

type LimitResolver struct {
	db      *gorm.DB
	log     *zap.Logger
	plans   plandomain.Repository
	subs    subscriptiondomain.Repository
	counter counter.Store
	metrics *metrics.QuotaMetrics

	cfg   atomic.Pointer[Config]
	cache cache.Cache[snowflake.ID, *plandomain.Plan]
}

func New(p Params) plandomain.Resolver {
	r := NewResolver(
		p.DB,
		p.Plans,
		p.Subscriptions,
		p.Counter,
		ConfigFromCatalog(p.Catalog.Get(), p.Cfg.PlanLimitsCacheTTL),
		p.Log,
		p.Metrics,
	)
	p.Catalog.Subscribe(func(c config.PlanCatalog) {
		r.SetConfig(ConfigFromCatalog(c, p.Cfg.PlanLimitsCacheTTL))
	})
	return r
}

func NewResolver(
	db *gorm.DB,
	plans plandomain.Repository,
	subs subscriptiondomain.Repository,
	store counter.Store,
	cfg Config,
	log *zap.Logger,
	m *metrics.QuotaMetrics,
) *LimitResolver {
	if log == nil {
		log = zap.NewNop()
	}
	r := &LimitResolver{
		db:      db,
		log:     log.Named("plan.resolver"),
		plans:   plans,
		subs:    subs,
		counter: store,
		metrics: m,
		cache:   cache.NewTTLCache[snowflake.ID, *plandomain.Plan](),
	}
	r.SetConfig(cfg)
	return r
}

// SetConfig swaps the mapping and drops cached resolutions.
func (r *LimitResolver) SetConfig(cfg Config) {
	if strings.TrimSpace(cfg.DefaultPlan) == "" {
		cfg.DefaultPlan = config.DefaultPlanName
	}
	if cfg.PriceByPlan == nil {
		cfg.PriceByPlan = map[string]string{}
	}
	r.cfg.Store(&cfg)
	r.cache.Purge()
}

func (r *LimitResolver) Invalidate(tenantID snowflake.ID) {
	r.cache.Delete(tenantID)
}

func (r *LimitResolver) Resolve(ctx context.Context, tenantID snowflake.ID) (plandomain.Limits, error) {
	plan, err := r.ResolvePlan(ctx, tenantID)
	if err != nil || plan == nil {
		return nil, err
	}
	return plan.Limits, nil
}

// ResolvePlan applies the precedence manual plan, subscribed plan, default plan.
func (r *LimitResolver) ResolvePlan(ctx context.Context, tenantID snowflake.ID) (*plandomain.Plan, error) {
	if tenantID == 0 {
		return nil, plandomain.ErrInvalidTenant
	}
	cfg := r.cfg.Load()
	if cfg.CacheTTL > 0 {
		if plan, ok := r.cache.Get(tenantID); ok {
			return plan, nil
		}
	}

	plan, err := r.resolve(ctx, tenantID, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.CacheTTL > 0 {
		r.cache.Set(tenantID, plan, cfg.CacheTTL)
	}
	return plan, nil
}

func (r *LimitResolver) resolve(ctx context.Context, tenantID snowflake.ID, cfg *Config) (*plandomain.Plan, error) {
	manual, err := r.plans.FindActiveManualForTenant(ctx, r.db, tenantID)
	if err != nil {
		return nil, fmt.Errorf("find manual plan: %w", err)
	}
	if manual != nil {
		return manual, nil
	}

	planName := config.CanonicalPlanName(cfg.DefaultPlan)
	sub, err := r.subs.FindByTenant(ctx, r.db, tenantID)
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	if sub != nil && config.CanonicalPlanName(sub.Plan) != "" {
		planName = config.CanonicalPlanName(sub.Plan)
	}

	var canonical *plandomain.Plan
	priceRef, mapped := cfg.PriceByPlan[planName]
	if mapped && priceRef != "" {
		canonical, err = r.plans.FindCanonicalByPriceRef(ctx, r.db, priceRef)
	} else {
		canonical, err = r.plans.FindCanonicalByName(ctx, r.db, planName)
	}
	if err != nil {
		return nil, fmt.Errorf("find plan %s: %w", planName, err)
	}
	if canonical == nil {
		r.log.Warn("plan.config_gap",
			zap.String("tenant_id", tenantID.String()),
			zap.String("plan", planName),
			zap.String("price_ref", priceRef),
		)
		r.metrics.IncConfigGap()
		return nil, nil
	}
	return canonical, nil
}

func (r *LimitResolver) RemainingCapacity(ctx context.Context, tenantID snowflake.ID, metric string) (*int64, error) {
	limits, err := r.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	limit, ok := limits.Limit(metric)
	if !ok {
		return nil, nil
	}
	used, err := r.counter.Read(ctx, tenantID, metric, "")
	if err != nil {
		return nil, err
	}
	remaining := Remaining(limit, used)
	return &remaining, nil
}

// Remaining is floor(limit) minus used, never below zero.
func Remaining(limit float64, used int64) int64 {
	remaining := int64(math.Floor(limit)) - used
	if remaining < 0 {
		return 0
	}
	return remaining
}
