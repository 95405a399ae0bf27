// Package counter keeps live per-tenant usage counters in redis.
package counter

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	// DefaultTTL bounds how long an untouched counter, registry or flag survives.
	DefaultTTL = 60 * 24 * time.Hour

	periodLayout = "2006-01"
)

var (
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidMetric = errors.New("invalid_metric")
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidLimit  = errors.New("invalid_limit")
)

// Store is the live usage counter engine.
type Store interface {
	Increment(ctx context.Context, tenantID snowflake.ID, metric string, amount int64) (int64, error)
	Decrement(ctx context.Context, tenantID snowflake.ID, metric string, amount int64) (int64, error)
	Delta(ctx context.Context, tenantID snowflake.ID, metric string, delta int64) (int64, error)
	// Read returns the counter for period, or the current period when period is empty.
	Read(ctx context.Context, tenantID snowflake.ID, metric string, period string) (int64, error)
	ListMetrics(ctx context.Context, tenantID snowflake.ID) ([]string, error)

	SetLimit(ctx context.Context, tenantID snowflake.ID, metric string, limit float64) error
	GetLimit(ctx context.Context, tenantID snowflake.ID, metric string) (float64, bool, error)

	// MarkTriggered reports true only for the caller that set the flag.
	MarkTriggered(ctx context.Context, tenantID snowflake.ID, metric string, percentage int) (bool, error)
	IsTriggered(ctx context.Context, tenantID snowflake.ID, metric string, percentage int) (bool, error)
	ClearTriggered(ctx context.Context, tenantID snowflake.ID, metric string, percentages ...int) error

	ClearPeriod(ctx context.Context, tenantID snowflake.ID, metric string, period string) error
}

// PeriodLabel returns the calendar-month label ("YYYY-MM") of t in UTC.
func PeriodLabel(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// PreviousPeriod returns the label and last calendar day of the month before now.
func PreviousPeriod(now time.Time) (string, time.Time) {
	now = now.UTC()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	lastDay := firstOfMonth.AddDate(0, 0, -1)
	return PeriodLabel(lastDay), lastDay
}
