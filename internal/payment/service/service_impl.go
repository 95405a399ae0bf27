package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/quota/internal/audit/domain"
	"github.com/smallbiznis/quota/internal/clock"
	"github.com/smallbiznis/quota/internal/config"
	"github.com/smallbiznis/quota/internal/events"
	obsmetrics "github.com/smallbiznis/quota/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/quota/internal/payment/domain"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/quota/internal/subscription/domain"
	subscriptionservice "github.com/smallbiznis/quota/internal/subscription/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	reasonCheckoutCompleted   = "checkout_completed"
	reasonSubscriptionDeleted = "subscription_deleted"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Repo          paymentdomain.Repository
	Subscriptions subscriptiondomain.Repository
	Catalog       *config.PlanCatalogHolder
	AuditSvc      auditdomain.Service      `optional:"true"`
	Bus           *events.Bus              `optional:"true"`
	Resolver      plandomain.Resolver      `optional:"true"`
	Clock         clock.Clock              `optional:"true"`
	Metrics       *obsmetrics.QuotaMetrics `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics      `optional:"true"`
}

// Processor mutates subscription state from provider events, once per event.
type Processor struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	subs       subscriptiondomain.Repository
	catalog    *config.PlanCatalogHolder
	auditSvc   auditdomain.Service
	bus        *events.Bus
	resolver   plandomain.Resolver
	clock      clock.Clock
	metrics    *obsmetrics.QuotaMetrics
	obsMetrics *obsmetrics.Metrics
}

type subscriptionChange struct {
	tenantID snowflake.ID
	subID    snowflake.ID
	reason   string
	before   map[string]any
	after    map[string]any
}

func NewProcessor(p Params) paymentdomain.Processor {
	return newProcessor(p)
}

func newProcessor(p Params) *Processor {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Processor{
		db:         p.DB,
		log:        p.Log.Named("payment.processor"),
		genID:      p.GenID,
		repo:       p.Repo,
		subs:       p.Subscriptions,
		catalog:    p.Catalog,
		auditSvc:   p.AuditSvc,
		bus:        p.Bus,
		resolver:   p.Resolver,
		clock:      clk,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,
	}
}

// Process inserts the idempotency marker and applies the event in one
// transaction. Handler errors roll the marker back so the provider redelivers.
func (p *Processor) Process(ctx context.Context, event *paymentdomain.ExternalEvent) error {
	if event == nil || strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return paymentdomain.ErrInvalidEvent
	}
	provider := strings.ToLower(strings.TrimSpace(event.Provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}

	result := obsmetrics.WebhookResultProcessed
	defer func() {
		p.metrics.IncWebhookResult(provider, event.Type, result)
	}()
	p.obsMetrics.RecordWebhookEvent(ctx, provider, event.Type)

	log := p.log.With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("provider", provider),
	)

	var change *subscriptionChange
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := p.repo.InsertMarker(ctx, tx, &paymentdomain.ProcessedEvent{
			EventID:     event.ID,
			Consumer:    paymentdomain.ConsumerSubscription,
			Provider:    provider,
			EventType:   event.Type,
			ProcessedAt: p.clock.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("insert processed marker: %w", err)
		}
		if !inserted {
			result = obsmetrics.WebhookResultDuplicate
			return nil
		}

		change, err = p.dispatch(ctx, tx, event)
		if errors.Is(err, paymentdomain.ErrMalformedEvent) {
			result = obsmetrics.WebhookResultMalformed
			log.Warn("malformed provider event, not retrying", zap.Error(err))
			return nil
		}
		if err != nil {
			return err
		}
		if change == nil {
			result = obsmetrics.WebhookResultIgnored
		}
		return nil
	})
	if err != nil {
		result = obsmetrics.WebhookResultError
		log.Error("provider event processing failed", zap.Error(err))
		return err
	}

	switch result {
	case obsmetrics.WebhookResultDuplicate:
		log.Info("duplicate provider event skipped")
		return nil
	case obsmetrics.WebhookResultIgnored:
		log.Info("provider event type ignored")
		return nil
	case obsmetrics.WebhookResultMalformed:
		return nil
	}

	p.afterCommit(ctx, event, change)
	log.Info("provider event processed",
		zap.String("tenant_id", change.tenantID.String()),
		zap.Any("after", change.after),
	)
	return nil
}

func (p *Processor) dispatch(ctx context.Context, tx *gorm.DB, event *paymentdomain.ExternalEvent) (*subscriptionChange, error) {
	switch event.Type {
	case paymentdomain.EventTypeCheckoutCompleted:
		return p.applyCheckout(ctx, tx, event)
	case paymentdomain.EventTypeSubscriptionDeleted:
		return p.applyDeletion(ctx, tx, event)
	default:
		return nil, nil
	}
}

func (p *Processor) applyCheckout(ctx context.Context, tx *gorm.DB, event *paymentdomain.ExternalEvent) (*subscriptionChange, error) {
	if event.TenantID == 0 {
		return nil, fmt.Errorf("%w: missing %s", paymentdomain.ErrMalformedEvent, paymentdomain.MetadataTenantID)
	}
	plan := config.CanonicalPlanName(event.Plan)
	if plan == "" {
		return nil, fmt.Errorf("%w: missing %s", paymentdomain.ErrMalformedEvent, paymentdomain.MetadataPlan)
	}

	sub, err := p.subs.GetOrCreate(ctx, tx, subscriptionservice.DefaultFor(p.genID.Generate(), event.TenantID, p.defaultPlan()))
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	before := sub.Snapshot()

	sub.Plan = plan
	if plan == p.defaultPlan() {
		sub.Status = subscriptiondomain.SubscriptionStatusNone
	} else {
		sub.Status = subscriptiondomain.SubscriptionStatusActive
	}
	if ref := strings.TrimSpace(event.CustomerRef); ref != "" {
		sub.CustomerRef = &ref
	}
	if ref := strings.TrimSpace(event.SubscriptionRef); ref != "" {
		sub.SubscriptionRef = &ref
	}
	if err := p.subs.Save(ctx, tx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	return &subscriptionChange{
		tenantID: sub.TenantID,
		subID:    sub.ID,
		reason:   reasonCheckoutCompleted,
		before:   before,
		after:    sub.Snapshot(),
	}, nil
}

func (p *Processor) applyDeletion(ctx context.Context, tx *gorm.DB, event *paymentdomain.ExternalEvent) (*subscriptionChange, error) {
	var (
		sub *subscriptiondomain.Subscription
		err error
	)
	switch {
	case event.TenantID != 0:
		sub, err = p.subs.FindByTenant(ctx, tx, event.TenantID)
	case strings.TrimSpace(event.SubscriptionRef) != "":
		sub, err = p.subs.FindBySubscriptionRef(ctx, tx, strings.TrimSpace(event.SubscriptionRef))
	default:
		return nil, fmt.Errorf("%w: missing %s", paymentdomain.ErrMalformedEvent, paymentdomain.MetadataTenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: no subscription for event", paymentdomain.ErrMalformedEvent)
	}
	before := sub.Snapshot()

	sub.Plan = p.defaultPlan()
	sub.Status = subscriptiondomain.SubscriptionStatusCanceled
	if err := p.subs.Save(ctx, tx, sub); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	return &subscriptionChange{
		tenantID: sub.TenantID,
		subID:    sub.ID,
		reason:   reasonSubscriptionDeleted,
		before:   before,
		after:    sub.Snapshot(),
	}, nil
}

// afterCommit runs side effects that must not hold the transaction open.
func (p *Processor) afterCommit(ctx context.Context, event *paymentdomain.ExternalEvent, change *subscriptionChange) {
	if change == nil {
		return
	}
	if p.resolver != nil {
		p.resolver.Invalidate(change.tenantID)
	}

	p.bus.Publish(ctx, events.Event{
		Type:     events.EventSubscriptionChanged,
		TenantID: change.tenantID,
		Payload: events.SubscriptionChangedPayload{
			EventID:  event.ID,
			Provider: event.Provider,
			Reason:   change.reason,
			Before:   change.before,
			After:    change.after,
		}.ToMap(),
	})

	if p.auditSvc == nil {
		return
	}
	tenantID := change.tenantID
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.auditSvc.Record(auditCtx, auditdomain.Entry{
		TenantID:   tenantID,
		Actor:      auditdomain.Actor{Type: auditdomain.ActorTypeProvider, ID: event.Provider},
		Action:     auditdomain.ActionSubscriptionChanged,
		TargetType: auditdomain.TargetSubscription,
		TargetID:   change.subID.String(),
		Metadata: map[string]any{
			"event_id":   event.ID,
			"event_type": event.Type,
			"reason":     change.reason,
			"before":     change.before,
			"after":      change.after,
		},
	}); err != nil {
		p.log.Warn("failed to write subscription audit log",
			zap.String("tenant_id", tenantID.String()),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

func (p *Processor) defaultPlan() string {
	if p.catalog != nil {
		if plan := config.CanonicalPlanName(p.catalog.Get().DefaultPlan); plan != "" {
			return plan
		}
	}
	return config.DefaultPlanName
}
