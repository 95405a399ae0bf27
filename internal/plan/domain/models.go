package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Limits maps a metric name to its per-period ceiling. An absent metric is unlimited.
type Limits map[string]float64

// Limit returns the ceiling for metric and whether one is configured.
func (l Limits) Limit(metric string) (float64, bool) {
	if l == nil {
		return 0, false
	}
	limit, ok := l[metric]
	return limit, ok
}

// Metrics returns the limited metric names in order.
func (l Limits) Metrics() []string {
	out := make([]string, 0, len(l))
	for metric := range l {
		out = append(out, metric)
	}
	sort.Strings(out)
	return out
}

func (l Limits) Validate() error {
	for metric, limit := range l {
		if metric == "" {
			return ErrInvalidMetric
		}
		if math.IsNaN(limit) || math.IsInf(limit, 0) || limit < 0 {
			return fmt.Errorf("%w: %s", ErrInvalidLimit, metric)
		}
	}
	return nil
}

func (l Limits) Value() (driver.Value, error) {
	if l == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]float64(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *Limits) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = Limits{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("plan limits: unsupported column type")
	}
	if len(raw) == 0 {
		*l = Limits{}
		return nil
	}
	out := Limits{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("plan limits: %w", err)
	}
	*l = out
	return nil
}

// Plan is a named set of limits, either shared (TenantID nil) or scoped to one tenant.
type Plan struct {
	ID              snowflake.ID      `json:"id" gorm:"primaryKey"`
	Name            string            `json:"name" gorm:"type:text;not null"`
	PriceRef        *string           `json:"price_ref,omitempty" gorm:"type:text"`
	ProductRef      *string           `json:"product_ref,omitempty" gorm:"type:text"`
	Interval        string            `json:"interval" gorm:"column:billing_interval;type:text;not null"`
	Limits          Limits            `json:"limits" gorm:"type:jsonb;not null"`
	TenantID        *snowflake.ID     `json:"tenant_id,omitempty" gorm:"index"`
	IsActive        bool              `json:"is_active" gorm:"not null;default:true"`
	ManualInvoicing bool              `json:"manual_invoicing" gorm:"not null;default:false"`
	Metadata        datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt       time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Plan) TableName() string { return "plans" }

// Shared reports whether the plan belongs to the canonical catalog.
func (p Plan) Shared() bool { return p.TenantID == nil }

func (p Plan) Validate() error {
	if p.Name == "" {
		return ErrInvalidName
	}
	if p.ManualInvoicing && p.TenantID == nil {
		return ErrManualPlanRequiresTenant
	}
	return p.Limits.Validate()
}
