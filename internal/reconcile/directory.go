package reconcile

import (
	"context"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/quota/internal/subscription/domain"
	"gorm.io/gorm"
)

// TenantDirectory lists the tenants reconciliation jobs iterate over.
type TenantDirectory interface {
	ListActiveTenantIDs(ctx context.Context) ([]snowflake.ID, error)
}

type subscriptionDirectory struct {
	db   *gorm.DB
	subs subscriptiondomain.Repository
}

// NewTenantDirectory lists tenants holding a subscription row or an active manual plan.
func NewTenantDirectory(db *gorm.DB, subs subscriptiondomain.Repository) TenantDirectory {
	return &subscriptionDirectory{db: db, subs: subs}
}

func (d *subscriptionDirectory) ListActiveTenantIDs(ctx context.Context) ([]snowflake.ID, error) {
	return d.subs.ListTenantIDs(ctx, d.db)
}
