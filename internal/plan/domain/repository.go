package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository lookups return nil, nil when no row matches.
type Repository interface {
	FindActiveManualForTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Plan, error)
	FindCanonicalByPriceRef(ctx context.Context, db *gorm.DB, priceRef string) (*Plan, error)
	FindCanonicalByName(ctx context.Context, db *gorm.DB, name string) (*Plan, error)
	ListCanonical(ctx context.Context, db *gorm.DB) ([]Plan, error)
	// UpsertShared writes a catalog plan keyed by name among shared plans.
	UpsertShared(ctx context.Context, db *gorm.DB, plan *Plan) error
	Insert(ctx context.Context, db *gorm.DB, plan *Plan) error
	DeactivateManualForTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) error
}
