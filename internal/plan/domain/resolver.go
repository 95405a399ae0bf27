package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Resolver determines the effective limits of a tenant.
type Resolver interface {
	// Resolve returns nil limits when no plan can be determined.
	Resolve(ctx context.Context, tenantID snowflake.ID) (Limits, error)
	ResolvePlan(ctx context.Context, tenantID snowflake.ID) (*Plan, error)
	// RemainingCapacity returns nil when the metric is unlimited or unresolved.
	RemainingCapacity(ctx context.Context, tenantID snowflake.ID, metric string) (*int64, error)
	Invalidate(tenantID snowflake.ID)
}
