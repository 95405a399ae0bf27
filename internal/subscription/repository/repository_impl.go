package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repo) FindBySubscriptionRef(ctx context.Context, db *gorm.DB, subscriptionRef string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Where("subscription_ref = ?", subscriptionRef).
		Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repo) GetOrCreate(ctx context.Context, db *gorm.DB, defaults domain.Subscription) (*domain.Subscription, error) {
	now := time.Now().UTC()
	if defaults.CreatedAt.IsZero() {
		defaults.CreatedAt = now
	}
	if defaults.UpdatedAt.IsZero() {
		defaults.UpdatedAt = now
	}

	err := db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, tenant_id, plan, status, customer_ref, subscription_ref, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO NOTHING`,
		defaults.ID,
		defaults.TenantID,
		defaults.Plan,
		defaults.Status,
		defaults.CustomerRef,
		defaults.SubscriptionRef,
		defaults.CreatedAt,
		defaults.UpdatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	return r.FindByTenant(ctx, db, defaults.TenantID)
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	if sub == nil {
		return nil
	}
	sub.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan = ?, status = ?, customer_ref = ?, subscription_ref = ?, updated_at = ?
		 WHERE tenant_id = ?`,
		sub.Plan,
		sub.Status,
		sub.CustomerRef,
		sub.SubscriptionRef,
		sub.UpdatedAt,
		sub.TenantID,
	).Error
}

// ListTenantIDs returns every tenant known to metering: those with subscription
// state and those billed through a manual-invoicing plan.
func (r *repo) ListTenantIDs(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id FROM subscriptions
		 UNION
		 SELECT tenant_id FROM plans
		 WHERE manual_invoicing = ? AND is_active = ? AND tenant_id IS NOT NULL
		 ORDER BY tenant_id`,
		true, true,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
