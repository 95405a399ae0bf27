package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type CreateManualPlanRequest struct {
	TenantID snowflake.ID       `json:"-"`
	Name     string             `json:"name"`
	Limits   map[string]float64 `json:"limits"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

type Service interface {
	CreateManualPlan(ctx context.Context, req CreateManualPlanRequest) (*Plan, error)
}
