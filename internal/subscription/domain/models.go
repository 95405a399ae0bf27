// Package domain contains the tenant subscription state model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus mirrors the billing provider state of a tenant.
type SubscriptionStatus string

const (
	SubscriptionStatusNone     SubscriptionStatus = "none"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Subscription is the single subscription state row of a tenant.
type Subscription struct {
	ID              snowflake.ID       `gorm:"primaryKey" json:"id"`
	TenantID        snowflake.ID       `gorm:"not null;uniqueIndex" json:"tenant_id"`
	Plan            string             `gorm:"type:text;not null" json:"plan"`
	Status          SubscriptionStatus `gorm:"type:text;not null" json:"status"`
	CustomerRef     *string            `gorm:"type:text" json:"customer_ref,omitempty"`
	SubscriptionRef *string            `gorm:"type:text" json:"subscription_ref,omitempty"`
	CreatedAt       time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time          `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Snapshot is the audit view of a subscription.
func (s Subscription) Snapshot() map[string]any {
	out := map[string]any{
		"plan":   s.Plan,
		"status": string(s.Status),
	}
	if s.CustomerRef != nil {
		out["customer_ref"] = *s.CustomerRef
	}
	if s.SubscriptionRef != nil {
		out["subscription_ref"] = *s.SubscriptionRef
	}
	return out
}
