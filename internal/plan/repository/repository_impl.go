package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/config"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	"gorm.io/gorm"
)

const planColumns = `id, name, price_ref, product_ref, billing_interval, limits, tenant_id,
	 is_active, manual_invoicing, metadata, created_at, updated_at`

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) FindActiveManualForTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*plandomain.Plan, error) {
	return r.findOne(ctx, db,
		`SELECT `+planColumns+`
		 FROM plans
		 WHERE tenant_id = ? AND manual_invoicing = ? AND is_active = ?
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		tenantID, true, true,
	)
}

func (r *repo) FindCanonicalByPriceRef(ctx context.Context, db *gorm.DB, priceRef string) (*plandomain.Plan, error) {
	return r.findOne(ctx, db,
		`SELECT `+planColumns+`
		 FROM plans
		 WHERE price_ref = ? AND tenant_id IS NULL AND is_active = ?
		 LIMIT 1`,
		priceRef, true,
	)
}

func (r *repo) FindCanonicalByName(ctx context.Context, db *gorm.DB, name string) (*plandomain.Plan, error) {
	return r.findOne(ctx, db,
		`SELECT `+planColumns+`
		 FROM plans
		 WHERE name = ? AND tenant_id IS NULL AND is_active = ?
		 LIMIT 1`,
		config.CanonicalPlanName(name), true,
	)
}

func (r *repo) ListCanonical(ctx context.Context, db *gorm.DB) ([]plandomain.Plan, error) {
	var items []plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT `+planColumns+`
		 FROM plans
		 WHERE tenant_id IS NULL
		 ORDER BY name ASC`,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpsertShared(ctx context.Context, db *gorm.DB, p *plandomain.Plan) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return db.WithContext(ctx).Exec(
		`INSERT INTO plans (
			id, name, price_ref, product_ref, billing_interval, limits, tenant_id,
			is_active, manual_invoicing, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?)
		ON CONFLICT (name) WHERE tenant_id IS NULL DO UPDATE SET
			price_ref = excluded.price_ref,
			product_ref = excluded.product_ref,
			billing_interval = excluded.billing_interval,
			limits = excluded.limits,
			is_active = excluded.is_active,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		p.ID,
		p.Name,
		p.PriceRef,
		p.ProductRef,
		p.Interval,
		p.Limits,
		p.IsActive,
		false,
		p.Metadata,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, p *plandomain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plans (
			id, name, price_ref, product_ref, billing_interval, limits, tenant_id,
			is_active, manual_invoicing, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.Name,
		p.PriceRef,
		p.ProductRef,
		p.Interval,
		p.Limits,
		p.TenantID,
		p.IsActive,
		p.ManualInvoicing,
		p.Metadata,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) DeactivateManualForTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE plans
		 SET is_active = ?, updated_at = ?
		 WHERE tenant_id = ? AND manual_invoicing = ? AND is_active = ?`,
		false,
		time.Now().UTC(),
		tenantID,
		true,
		true,
	).Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*plandomain.Plan, error) {
	var p plandomain.Plan
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&p).Error; err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}
