package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var ErrInvalidTenant = errors.New("invalid_tenant")

type Repository interface {
	// FindByTenant returns nil when the tenant has no subscription row.
	FindByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Subscription, error)
	FindBySubscriptionRef(ctx context.Context, db *gorm.DB, subscriptionRef string) (*Subscription, error)
	// GetOrCreate inserts the default row when missing and returns the stored row.
	GetOrCreate(ctx context.Context, db *gorm.DB, defaults Subscription) (*Subscription, error)
	Save(ctx context.Context, db *gorm.DB, sub *Subscription) error
	ListTenantIDs(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error)
}

type Service interface {
	Get(ctx context.Context, tenantID snowflake.ID) (*Subscription, error)
}
