// Package entitlement admits or rejects usage against resolved plan limits.
package entitlement

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/config"
	"github.com/smallbiznis/quota/internal/observability/metrics"
	"github.com/smallbiznis/quota/internal/observability/tracing"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	"github.com/smallbiznis/quota/internal/plan/resolver"
	"github.com/smallbiznis/quota/internal/usage/counter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	DecisionAllowed   = "allowed"
	DecisionRejected  = "rejected"
	DecisionUnlimited = "unlimited"
	DecisionFailOpen  = "fail_open"
)

// Options tune a single enforcement call. A nil GracePercentage uses the catalog default.
type Options struct {
	GracePercentage *float64
	UpgradeURL      string
	Suggestions     []string
}

type ActionResult struct {
	Allowed   bool     `json:"allowed"`
	Action    string   `json:"action"`
	Metric    string   `json:"metric"`
	Current   int64    `json:"current_usage"`
	Limit     *float64 `json:"limit"`
	Remaining *int64   `json:"remaining"`
	Message   string   `json:"message"`
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Resolver   plandomain.Resolver
	Counter    counter.Store
	Catalog    *config.PlanCatalogHolder
	Metrics    *metrics.QuotaMetrics `optional:"true"`
	OtelMetric *metrics.Metrics      `optional:"true"`
}

type Gate struct {
	log      *zap.Logger
	resolver plandomain.Resolver
	counter  counter.Store
	catalog  *config.PlanCatalogHolder
	metrics  *metrics.QuotaMetrics
	otel     *metrics.Metrics
}

func New(p Params) *Gate {
	gate := NewGate(p.Resolver, p.Counter, p.Catalog, p.Log, p.Metrics)
	gate.otel = p.OtelMetric
	return gate
}

func NewGate(r plandomain.Resolver, store counter.Store, catalog *config.PlanCatalogHolder, log *zap.Logger, m *metrics.QuotaMetrics) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	if catalog == nil {
		catalog = config.NewStaticPlanCatalogHolder(config.DefaultPlanCatalog())
	}
	return &Gate{
		log:      log.Named("entitlement"),
		resolver: r,
		counter:  store,
		catalog:  catalog,
		metrics:  m,
	}
}

// EffectiveLimit is floor(limit * (1 + grace/100)).
func EffectiveLimit(limit, gracePercentage float64) float64 {
	if gracePercentage < 0 {
		gracePercentage = 0
	}
	return math.Floor(limit * (1 + gracePercentage/100))
}

// Enforce returns a *LimitExceededError when admitting amount would pass the
// effective limit. Every other failure admits the request.
func (g *Gate) Enforce(ctx context.Context, tenantID snowflake.ID, metric string, amount int64, opts Options) error {
	if amount <= 0 {
		return nil
	}
	start := time.Now()
	ctx, span := otel.Tracer("quota/entitlement").Start(ctx, "entitlement.enforce")
	defer span.End()
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("metric", metric),
		attribute.Int64("amount", amount),
	)...)

	limits, err := g.resolver.Resolve(ctx, tenantID)
	if err != nil {
		g.failOpen(ctx, start, tenantID, metric, metrics.FailOpenReasonResolver, err)
		return nil
	}
	limit, ok := limits.Limit(metric)
	if !ok {
		g.record(ctx, start, metric, DecisionUnlimited)
		return nil
	}

	current, err := g.counter.Read(ctx, tenantID, metric, "")
	if err != nil {
		g.failOpen(ctx, start, tenantID, metric, metrics.FailOpenReasonCounter, err)
		return nil
	}

	if exceeded := g.check(metric, current, amount, limit, opts); exceeded != nil {
		span.SetAttributes(attribute.String("decision", DecisionRejected))
		g.record(ctx, start, metric, DecisionRejected)
		g.log.Info("entitlement.rejected",
			zap.String("tenant_id", tenantID.String()),
			zap.String("metric", metric),
			zap.Int64("current", current),
			zap.Int64("requested", amount),
			zap.Float64("limit", limit),
		)
		return exceeded
	}
	g.record(ctx, start, metric, DecisionAllowed)
	return nil
}

// ConsumeIfAllowed increments first and rolls back when the new value passes the
// effective limit, so concurrent callers cannot both slip under the cap.
func (g *Gate) ConsumeIfAllowed(ctx context.Context, tenantID snowflake.ID, metric string, amount int64, opts Options) (int64, error) {
	if amount <= 0 {
		return 0, counter.ErrInvalidAmount
	}
	start := time.Now()

	limits, err := g.resolver.Resolve(ctx, tenantID)
	if err != nil {
		g.failOpen(ctx, start, tenantID, metric, metrics.FailOpenReasonResolver, err)
		limits = nil
	}

	value, err := g.counter.Increment(ctx, tenantID, metric, amount)
	if err != nil {
		return 0, fmt.Errorf("consume %s: %w", metric, err)
	}

	limit, ok := limits.Limit(metric)
	if !ok {
		g.record(ctx, start, metric, DecisionUnlimited)
		return value, nil
	}
	if float64(value) <= EffectiveLimit(limit, g.grace(opts)) {
		g.record(ctx, start, metric, DecisionAllowed)
		return value, nil
	}

	if _, rbErr := g.counter.Decrement(ctx, tenantID, metric, amount); rbErr != nil {
		g.log.Warn("entitlement.rollback_failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("metric", metric),
			zap.Int64("amount", amount),
			zap.Error(rbErr),
		)
	}
	g.record(ctx, start, metric, DecisionRejected)
	return 0, g.exceeded(metric, value-amount, amount, limit, opts)
}

// CanPerformAction reports whether count more units of action fit the plan. It never
// returns a LimitExceededError.
func (g *Gate) CanPerformAction(ctx context.Context, tenantID snowflake.ID, action string, count int64) (ActionResult, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return ActionResult{}, ErrInvalidAction
	}
	if count <= 0 {
		count = 1
	}
	start := time.Now()
	metric := g.catalog.Get().MetricForAction(action)
	result := ActionResult{Allowed: true, Action: action, Metric: metric}

	limits, err := g.resolver.Resolve(ctx, tenantID)
	if err != nil {
		g.failOpen(ctx, start, tenantID, metric, metrics.FailOpenReasonResolver, err)
		result.Message = "limits could not be determined"
		return result, nil
	}

	current, err := g.counter.Read(ctx, tenantID, metric, "")
	if err != nil {
		g.failOpen(ctx, start, tenantID, metric, metrics.FailOpenReasonCounter, err)
		result.Message = "usage could not be determined"
		return result, nil
	}
	result.Current = current

	limit, ok := limits.Limit(metric)
	if !ok {
		result.Message = fmt.Sprintf("%d %s used, unlimited", current, metric)
		return result, nil
	}

	remaining := resolver.Remaining(limit, current)
	result.Limit = &limit
	result.Remaining = &remaining
	result.Allowed = g.check(metric, current, count, limit, Options{}) == nil
	result.Message = fmt.Sprintf("%d of %s %s used", current, formatLimit(limit), metric)
	return result, nil
}

func (g *Gate) check(metric string, current, amount int64, limit float64, opts Options) *LimitExceededError {
	if float64(current)+float64(amount) <= EffectiveLimit(limit, g.grace(opts)) {
		return nil
	}
	return g.exceeded(metric, current, amount, limit, opts)
}

func (g *Gate) exceeded(metric string, current, amount int64, limit float64, opts Options) *LimitExceededError {
	upgradeURL := opts.UpgradeURL
	if upgradeURL == "" {
		upgradeURL = g.catalog.Get().UpgradeURL
	}
	return &LimitExceededError{
		Metric:      metric,
		Current:     current,
		Limit:       limit,
		Requested:   amount,
		Remaining:   resolver.Remaining(limit, current),
		UpgradeURL:  upgradeURL,
		Suggestions: opts.Suggestions,
	}
}

func (g *Gate) grace(opts Options) float64 {
	if opts.GracePercentage != nil {
		return *opts.GracePercentage
	}
	return g.catalog.Get().DefaultGracePercentage
}

func (g *Gate) failOpen(ctx context.Context, start time.Time, tenantID snowflake.ID, metric, reason string, err error) {
	g.log.Warn("entitlement.fail_open",
		zap.String("tenant_id", tenantID.String()),
		zap.String("metric", metric),
		zap.String("reason", reason),
		zap.Error(err),
	)
	g.metrics.IncFailOpen(reason)
	g.otel.RecordDecision(ctx, metric, DecisionFailOpen, time.Since(start))
}

func (g *Gate) record(ctx context.Context, start time.Time, metric, decision string) {
	g.metrics.IncEnforcement(metric, decision)
	g.otel.RecordDecision(ctx, metric, decision, time.Since(start))
}

func formatLimit(limit float64) string {
	return strconv.FormatFloat(math.Floor(limit), 'f', -1, 64)
}
