// Package domain contains the durable usage ledger models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	EventTypeThresholdCrossed = "usage.threshold_crossed"
	EventTypeMonthlySummary   = "usage.monthly_summary"
	EventTypeDelta            = "usage.delta"
)

// LedgerRow is the persisted usage of one metric for one tenant on one day.
type LedgerRow struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	TenantID     snowflake.ID `json:"tenant_id" gorm:"not null"`
	MetricName   string       `json:"metric_name" gorm:"type:text;not null"`
	PeriodDate   time.Time    `json:"period_date" gorm:"type:date;not null"`
	CurrentUsage int64        `json:"current_usage" gorm:"not null"`
	LimitValue   *float64     `json:"limit_value,omitempty"`
	CreatedAt    time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time    `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (LedgerRow) TableName() string { return "usage_ledger" }

// UsageEvent is an append-only record of something that changed usage state.
type UsageEvent struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	TenantID   snowflake.ID      `json:"tenant_id" gorm:"not null"`
	EventType  string            `json:"event_type" gorm:"type:text;not null"`
	MetricName string            `json:"metric_name" gorm:"type:text;not null"`
	Increment  int64             `json:"increment" gorm:"not null"`
	OccurredAt time.Time         `json:"occurred_at" gorm:"not null"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "billing_events" }

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
