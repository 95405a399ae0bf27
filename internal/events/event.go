// Package events publishes quota domain events to the configured transport.
package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	EventUsageThresholdCrossed = "usage.threshold_crossed"
	EventUsageMonthlySummary   = "usage.monthly_summary"
	EventUsageDelta            = "usage.delta"
	EventSubscriptionChanged   = "subscription.changed"
)

// Event is the envelope written to every transport.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	TenantID      snowflake.ID   `json:"tenant_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TraceID       string         `json:"trace_id,omitempty"`
	SpanID        string         `json:"span_id,omitempty"`
	Payload       map[string]any `json:"payload"`
}

type ThresholdCrossedPayload struct {
	Metric      string
	Threshold   int
	Usage       int64
	Limit       float64
	Percentage  float64
	Period      string
	TriggeredAt time.Time
}

func (p ThresholdCrossedPayload) ToMap() map[string]any {
	return map[string]any{
		"metric":       p.Metric,
		"threshold":    p.Threshold,
		"usage":        p.Usage,
		"limit":        p.Limit,
		"percentage":   p.Percentage,
		"period":       p.Period,
		"triggered_at": p.TriggeredAt.UTC().Format(time.RFC3339),
	}
}

type MonthlySummaryPayload struct {
	Metric     string
	Period     string
	PeriodDate time.Time
	Usage      int64
	Limit      *float64
	Source     string
}

func (p MonthlySummaryPayload) ToMap() map[string]any {
	out := map[string]any{
		"metric":      p.Metric,
		"period":      p.Period,
		"period_date": p.PeriodDate.UTC().Format("2006-01-02"),
		"usage":       p.Usage,
		"source":      p.Source,
	}
	if p.Limit != nil {
		out["limit"] = *p.Limit
	}
	return out
}

type UsageDeltaPayload struct {
	Metric string
	Delta  int64
	Value  int64
}

func (p UsageDeltaPayload) ToMap() map[string]any {
	return map[string]any{
		"metric": p.Metric,
		"delta":  p.Delta,
		"value":  p.Value,
	}
}

type SubscriptionChangedPayload struct {
	EventID  string
	Provider string
	Reason   string
	Before   map[string]any
	After    map[string]any
}

func (p SubscriptionChangedPayload) ToMap() map[string]any {
	return map[string]any{
		"event_id": p.EventID,
		"provider": p.Provider,
		"reason":   p.Reason,
		"before":   p.Before,
		"after":    p.After,
	}
}
