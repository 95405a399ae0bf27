package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type LedgerFilter struct {
	TenantID snowflake.ID
	Metric   string
	From     *time.Time
	To       *time.Time
	Limit    int
}

type Repository interface {
	UpsertLedgerRow(ctx context.Context, db *gorm.DB, row *LedgerRow) error
	// FindLedgerRow returns nil when no row exists for the date.
	FindLedgerRow(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, metric string, date time.Time) (*LedgerRow, error)
	ListLedgerRows(ctx context.Context, db *gorm.DB, filter LedgerFilter) ([]LedgerRow, error)
	AppendEvent(ctx context.Context, db *gorm.DB, evt *UsageEvent) error
	ListEvents(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, eventType string) ([]UsageEvent, error)
}

type RecordRequest struct {
	TenantID snowflake.ID   `json:"-"`
	Metric   string         `json:"metric"`
	Delta    int64          `json:"delta"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type RecordResult struct {
	Metric string `json:"metric"`
	Delta  int64  `json:"delta"`
	Value  int64  `json:"value"`
}

type HistoryRequest struct {
	TenantID snowflake.ID
	Metric   string
	From     *time.Time
	To       *time.Time
	Limit    int
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) (*RecordResult, error)
	// Current returns the current-period counter of every registered metric.
	Current(ctx context.Context, tenantID snowflake.ID) (map[string]int64, error)
	History(ctx context.Context, req HistoryRequest) ([]LedgerRow, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidMetric    = errors.New("invalid_metric")
	ErrInvalidDelta     = errors.New("invalid_delta")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
