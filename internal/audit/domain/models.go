package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem   ActorType = "system"
	ActorTypeTenant   ActorType = "tenant"
	ActorTypeProvider ActorType = "provider"
	ActorTypeJob      ActorType = "job"
)

// Actions recorded by quota.
const (
	ActionSubscriptionChanged = "subscription.changed"
	ActionManualPlanCreated   = "plan.manual_created"
)

const (
	TargetSubscription = "subscription"
	TargetPlan         = "plan"
)

// AuditLog is one append-only row of audit_logs.
type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	TenantID   *snowflake.ID     `json:"tenant_id,omitempty" gorm:"index"`
	ActorType  string            `json:"actor_type" gorm:"type:text;not null"`
	ActorID    *string           `json:"actor_id,omitempty" gorm:"type:text"`
	Action     string            `json:"action" gorm:"type:text;not null"`
	TargetType string            `json:"target_type" gorm:"type:text;not null"`
	TargetID   *string           `json:"target_id,omitempty" gorm:"type:text"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null"`
}

func (AuditLog) TableName() string { return "audit_logs" }
