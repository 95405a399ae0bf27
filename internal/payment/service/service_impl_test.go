package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	auditdomain "github.com/smallbiznis/quota/internal/audit/domain"
	auditrepository "github.com/smallbiznis/quota/internal/audit/repository"
	auditservice "github.com/smallbiznis/quota/internal/audit/service"
	"github.com/smallbiznis/quota/internal/clock"
	"github.com/smallbiznis/quota/internal/config"
	"github.com/smallbiznis/quota/internal/events"
	"github.com/smallbiznis/quota/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/quota/internal/payment/domain"
	"github.com/smallbiznis/quota/internal/payment/repository"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/quota/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/quota/internal/subscription/repository"
	"github.com/smallbiznis/quota/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type recordingResolver struct {
	plandomain.Resolver
	mu          sync.Mutex
	invalidated []snowflake.ID
}

func (r *recordingResolver) Invalidate(tenantID snowflake.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, tenantID)
}

type failingSaveRepo struct {
	subscriptiondomain.Repository
}

func (failingSaveRepo) Save(context.Context, *gorm.DB, *subscriptiondomain.Subscription) error {
	return errors.New("write failed")
}

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	processor *Processor
	subs      subscriptiondomain.Repository
	markers   paymentdomain.Repository
	audit     auditdomain.Service
	resolver  *recordingResolver
	pub       *capturePublisher
	bus       *events.Bus
	reg       *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := prometheus.NewRegistry()
	prev := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = reg
	metrics.ResetQuotaMetricsForTest()
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = prev
		metrics.ResetQuotaMetricsForTest()
	})

	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	pub := &capturePublisher{}
	bus := events.NewBusWithPublisher(pub, clk, zap.NewNop())
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepository.Provide(),
	})

	f := &fixture{
		db:       db,
		node:     node,
		subs:     subscriptionrepository.Provide(),
		markers:  repository.Provide(),
		audit:    audit,
		resolver: &recordingResolver{},
		pub:      pub,
		bus:      bus,
		reg:      reg,
	}
	f.processor = f.build(f.subs)
	return f
}

func (f *fixture) build(subs subscriptiondomain.Repository) *Processor {
	return newProcessor(Params{
		DB:            f.db,
		Log:           zap.NewNop(),
		GenID:         f.node,
		Repo:          f.markers,
		Subscriptions: subs,
		Catalog:       config.NewStaticPlanCatalogHolder(config.PlanCatalog{DefaultPlan: "free"}),
		AuditSvc:      f.audit,
		Bus:           f.bus,
		Resolver:      f.resolver,
		Clock:         clock.NewFakeClock(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)),
		Metrics:       metrics.Quota(),
	})
}

func (f *fixture) webhookResults(result string) float64 {
	return metrics.CounterValue(f.reg, "quota_webhook_events_total", map[string]string{"result": result})
}

func checkoutEvent(id string, tenantID snowflake.ID, plan string) *paymentdomain.ExternalEvent {
	return &paymentdomain.ExternalEvent{
		ID:              id,
		Provider:        "stripe",
		Type:            paymentdomain.EventTypeCheckoutCompleted,
		TenantID:        tenantID,
		Plan:            plan,
		CustomerRef:     "cus_123456789",
		SubscriptionRef: "sub_123456789",
	}
}

func TestProcessCheckoutUpgradesPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := f.node.Generate()

	require.NoError(t, f.processor.Process(ctx, checkoutEvent("evt_1", tenantID, "pro")))

	sub, err := f.subs.FindByTenant(ctx, f.db, tenantID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "pro", sub.Plan)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.SubscriptionRef)
	assert.Equal(t, "sub_123456789", *sub.SubscriptionRef)

	marker, err := f.markers.FindMarker(ctx, f.db, "evt_1", paymentdomain.ConsumerSubscription)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "stripe", marker.Provider)

	assert.Equal(t, []snowflake.ID{tenantID}, f.resolver.invalidated)

	require.NoError(t, f.bus.Wait(ctx))
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, events.EventSubscriptionChanged, f.pub.events[0].Type)
	after := f.pub.events[0].Payload["after"].(map[string]any)
	assert.Equal(t, "pro", after["plan"])

	logs, err := f.audit.List(ctx, auditdomain.ListRequest{TenantID: tenantID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, auditdomain.ActionSubscriptionChanged, logs[0].Action)
	assert.Equal(t, string(auditdomain.ActorTypeProvider), logs[0].ActorType)

	assert.Equal(t, 1.0, f.webhookResults(metrics.WebhookResultProcessed))
}

func TestProcessDuplicateIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := f.node.Generate()

	require.NoError(t, f.processor.Process(ctx, checkoutEvent("evt_dup", tenantID, "pro")))

	// A later redelivery must not overwrite state changed by other events.
	sub, err := f.subs.FindByTenant(ctx, f.db, tenantID)
	require.NoError(t, err)
	sub.Plan = "enterprise"
	require.NoError(t, f.subs.Save(ctx, f.db, sub))

	require.NoError(t, f.processor.Process(ctx, checkoutEvent("evt_dup", tenantID, "pro")))

	sub, err = f.subs.FindByTenant(ctx, f.db, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "enterprise", sub.Plan)

	require.NoError(t, f.bus.Wait(ctx))
	assert.Len(t, f.pub.events, 1)
	assert.Len(t, f.resolver.invalidated, 1)
	assert.Equal(t, 1.0, f.webhookResults(metrics.WebhookResultDuplicate))
}

func TestProcessCheckoutToDefaultPlanClearsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := f.node.Generate()

	require.NoError(t, f.processor.Process(ctx, checkoutEvent("evt_free", tenantID, " Free ")))

	sub, err := f.subs.FindByTenant(ctx, f.db, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "free", sub.Plan)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusNone, sub.Status)
}

func TestProcessMalformedIsMarked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.processor.Process(ctx, checkoutEvent("evt_bad", 0, "pro")))

	marker, err := f.markers.FindMarker(ctx, f.db, "evt_bad", paymentdomain.ConsumerSubscription)
	require.NoError(t, err)
	assert.NotNil(t, marker)

	tenantID := f.node.Generate()
	require.NoError(t, f.processor.Process(ctx, checkoutEvent("evt_no_plan", tenantID, "")))
	sub, err := f.subs.FindByTenant(ctx, f.db, tenantID)
	require.NoError(t, err)
	assert.Nil(t, sub)

	assert.Equal(t, 2.0, f.webhookResults(metrics.WebhookResultMalformed))
	assert.Empty(t, f.resolver.invalidated)
}

func TestProcessIgnoredTypeIsMarked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.processor.Process(ctx, &paymentdomain.ExternalEvent{ID: "evt_inv", Provider: "stripe", Type: "invoice.paid"})
	require.NoError(t, err)

	marker, err := f.markers.FindMarker(ctx, f.db, "evt_inv", paymentdomain.ConsumerSubscription)
	require.NoError(t, err)
	assert.NotNil(t, marker)
	assert.Equal(t, 1.0, f.webhookResults(metrics.WebhookResultIgnored))
}

func TestProcessFailureRollsBackMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := f.node.Generate()

	failing := f.build(failingSaveRepo{Repository: f.subs})
	err := failing.Process(ctx, checkoutEvent("evt_retry", tenantID, "pro"))
	require.Error(t, err)

	marker, err := f.markers.FindMarker(ctx, f.db, "evt_retry", paymentdomain.ConsumerSubscription)
	require.NoError(t, err)
	assert.Nil(t, marker)
	assert.Equal(t, 1.0, f.webhookResults(metrics.WebhookResultError))

	// Redelivery after the fault clears is applied.
	require.NoError(t, f.processor.Process(ctx, checkoutEvent("evt_retry", tenantID, "pro")))
	sub, err := f.subs.FindByTenant(ctx, f.db, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "pro", sub.Plan)
}

func TestProcessSubscriptionDeletedBySubscriptionRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantID := f.node.Generate()

	require.NoError(t, f.processor.Process(ctx, checkoutEvent("evt_up", tenantID, "pro")))

	err := f.processor.Process(ctx, &paymentdomain.ExternalEvent{
		ID:              "evt_del",
		Provider:        "stripe",
		Type:            paymentdomain.EventTypeSubscriptionDeleted,
		SubscriptionRef: "sub_123456789",
	})
	require.NoError(t, err)

	sub, err := f.subs.FindByTenant(ctx, f.db, tenantID)
	require.NoError(t, err)
	assert.Equal(t, "free", sub.Plan)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, sub.Status)
	assert.Len(t, f.resolver.invalidated, 2)
}

func TestProcessSubscriptionDeletedUnknownIsMalformed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.processor.Process(ctx, &paymentdomain.ExternalEvent{
		ID:              "evt_unknown",
		Provider:        "stripe",
		Type:            paymentdomain.EventTypeSubscriptionDeleted,
		SubscriptionRef: "sub_missing",
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, f.webhookResults(metrics.WebhookResultMalformed))
}

func TestProcessValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.processor.Process(ctx, nil), paymentdomain.ErrInvalidEvent)
	assert.ErrorIs(t, f.processor.Process(ctx, &paymentdomain.ExternalEvent{Provider: "stripe", Type: "x"}), paymentdomain.ErrInvalidEvent)
	assert.ErrorIs(t, f.processor.Process(ctx, &paymentdomain.ExternalEvent{ID: "evt", Type: "x"}), paymentdomain.ErrInvalidProvider)
}
