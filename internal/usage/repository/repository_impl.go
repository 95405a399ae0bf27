package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/quota/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

// UpsertLedgerRow keeps one row per (tenant, metric, day); reruns overwrite usage and limit.
func (r *repo) UpsertLedgerRow(ctx context.Context, db *gorm.DB, row *usagedomain.LedgerRow) error {
	now := time.Now().UTC()
	row.PeriodDate = usagedomain.Day(row.PeriodDate)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if row.CurrentUsage < 0 {
		row.CurrentUsage = 0
	}

	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "metric_name"}, {Name: "period_date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"current_usage",
				"limit_value",
				"updated_at",
			}),
		}).
		Create(row).Error
}

func (r *repo) FindLedgerRow(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, metric string, date time.Time) (*usagedomain.LedgerRow, error) {
	var row usagedomain.LedgerRow
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, metric_name, period_date, current_usage, limit_value, created_at, updated_at
		 FROM usage_ledger
		 WHERE tenant_id = ? AND metric_name = ? AND period_date = ?`,
		tenantID,
		metric,
		usagedomain.Day(date),
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) ListLedgerRows(ctx context.Context, db *gorm.DB, filter usagedomain.LedgerFilter) ([]usagedomain.LedgerRow, error) {
	var rows []usagedomain.LedgerRow
	stmt := db.WithContext(ctx).Model(&usagedomain.LedgerRow{}).
		Where("tenant_id = ?", filter.TenantID)

	if metric := strings.TrimSpace(filter.Metric); metric != "" {
		stmt = stmt.Where("metric_name = ?", metric)
	}
	if filter.From != nil {
		stmt = stmt.Where("period_date >= ?", usagedomain.Day(*filter.From))
	}
	if filter.To != nil {
		stmt = stmt.Where("period_date <= ?", usagedomain.Day(*filter.To))
	}

	stmt = stmt.Order("period_date desc, metric_name asc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	if err := stmt.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) AppendEvent(ctx context.Context, db *gorm.DB, evt *usagedomain.UsageEvent) error {
	if evt == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_events (
			id, tenant_id, event_type, metric_name, increment, occurred_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.TenantID,
		evt.EventType,
		evt.MetricName,
		evt.Increment,
		evt.OccurredAt,
		evt.Metadata,
	).Error
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, eventType string) ([]usagedomain.UsageEvent, error) {
	var items []usagedomain.UsageEvent
	stmt := db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("tenant_id = ?", tenantID)
	if eventType = strings.TrimSpace(eventType); eventType != "" {
		stmt = stmt.Where("event_type = ?", eventType)
	}
	if err := stmt.Order("occurred_at asc, id asc").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
