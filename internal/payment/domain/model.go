package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	EventTypeCheckoutCompleted   = "checkout.session.completed"
	EventTypeSubscriptionDeleted = "customer.subscription.deleted"

	// ConsumerSubscription owns subscription-state mutations.
	ConsumerSubscription = "subscription_state"

	MetadataTenantID = "tenant_id"
	MetadataPlan     = "plan"
)

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidConfig    = errors.New("invalid_config")
	// ErrMalformedEvent marks events that redelivery cannot fix.
	ErrMalformedEvent = errors.New("malformed_event")
)

// ExternalEvent is a verified provider event normalised for processing.
type ExternalEvent struct {
	ID              string
	Provider        string
	Type            string
	TenantID        snowflake.ID
	Plan            string
	CustomerRef     string
	SubscriptionRef string
	Metadata        map[string]string
	OccurredAt      time.Time
	Payload         []byte
}

// ProcessedEvent is the idempotency marker for one (event, consumer) pair.
type ProcessedEvent struct {
	EventID     string    `json:"event_id" gorm:"primaryKey;type:text"`
	Consumer    string    `json:"consumer" gorm:"primaryKey;type:text"`
	Provider    string    `json:"provider" gorm:"type:text;not null"`
	EventType   string    `json:"event_type" gorm:"type:text;not null"`
	ProcessedAt time.Time `json:"processed_at" gorm:"not null"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

// Adapter verifies and parses one provider's webhook deliveries.
type Adapter interface {
	Provider() string
	Parse(ctx context.Context, payload []byte, headers http.Header) (*ExternalEvent, error)
}

type Repository interface {
	// InsertMarker reports false when the marker already existed.
	InsertMarker(ctx context.Context, db *gorm.DB, marker *ProcessedEvent) (bool, error)
	FindMarker(ctx context.Context, db *gorm.DB, eventID, consumer string) (*ProcessedEvent, error)
}

// Processor applies an external event exactly once per consumer.
type Processor interface {
	Process(ctx context.Context, event *ExternalEvent) error
}

// Service is the webhook entry point.
type Service interface {
	Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error
}
