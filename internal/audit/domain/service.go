package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Actor is who caused an audited change. A zero Actor is the system.
type Actor struct {
	Type ActorType
	ID   string
}

// Entry describes one audited change. A zero TenantID falls back to the
// tenant carried on the request context.
type Entry struct {
	TenantID   snowflake.ID
	Actor      Actor
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type ListRequest struct {
	TenantID   snowflake.ID
	Action     string
	TargetType string
	From       *time.Time
	To         *time.Time
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	// List returns the newest rows first.
	List(ctx context.Context, db *gorm.DB, req ListRequest) ([]AuditLog, error)
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, req ListRequest) ([]AuditLog, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
)
