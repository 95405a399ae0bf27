package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	WebhookResultProcessed = "processed"
	WebhookResultDuplicate = "duplicate"
	WebhookResultIgnored   = "ignored"
	WebhookResultMalformed = "malformed"
	WebhookResultError     = "error"
)

const (
	FailOpenReasonResolver = "resolver"
	FailOpenReasonCounter  = "counter"
)

// QuotaMetrics holds the Prometheus series for enforcement and webhook processing.
type QuotaMetrics struct {
	webhookResults    *prometheus.CounterVec
	enforcement       *prometheus.CounterVec
	failOpen          *prometheus.CounterVec
	configGaps        prometheus.Counter
	thresholdCrossing *prometheus.CounterVec
}

var (
	quotaMetricsOnce sync.Once
	quotaMetrics     *QuotaMetrics
)

// Quota returns the singleton quota metrics registry.
func Quota() *QuotaMetrics {
	return QuotaWithConfig(Config{})
}

func QuotaWithConfig(cfg Config) *QuotaMetrics {
	quotaMetricsOnce.Do(func() {
		quotaMetrics = newQuotaMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return quotaMetrics
}

// ResetQuotaMetricsForTest resets the quota metrics singleton for tests.
func ResetQuotaMetricsForTest() {
	quotaMetricsOnce = sync.Once{}
	quotaMetrics = nil
}

func newQuotaMetrics(registerer prometheus.Registerer, cfg Config) *QuotaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	m := &QuotaMetrics{
		webhookResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quota_webhook_events_total",
			Help:        "External billing events by processing result.",
			ConstLabels: constLabels,
		}, []string{"provider", "type", "result"}),
		enforcement: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quota_enforcement_decisions_total",
			Help:        "Limit enforcement decisions by metric.",
			ConstLabels: constLabels,
		}, []string{"metric", "decision"}),
		failOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quota_enforcement_fail_open_total",
			Help:        "Requests admitted because limits or usage could not be determined.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		configGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "quota_plan_config_gaps_total",
			Help:        "Limit resolutions that found no canonical plan.",
			ConstLabels: constLabels,
		}),
		thresholdCrossing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quota_threshold_crossings_total",
			Help:        "Threshold-crossed events emitted by the daily snapshot.",
			ConstLabels: constLabels,
		}, []string{"threshold"}),
	}

	registerer.MustRegister(
		m.webhookResults,
		m.enforcement,
		m.failOpen,
		m.configGaps,
		m.thresholdCrossing,
	)
	return m
}

func (m *QuotaMetrics) IncWebhookResult(provider, eventType, result string) {
	if m == nil {
		return
	}
	m.webhookResults.WithLabelValues(provider, eventType, result).Inc()
}

func (m *QuotaMetrics) IncEnforcement(metric, decision string) {
	if m == nil {
		return
	}
	m.enforcement.WithLabelValues(metric, decision).Inc()
}

func (m *QuotaMetrics) IncFailOpen(reason string) {
	if m == nil {
		return
	}
	m.failOpen.WithLabelValues(reason).Inc()
}

func (m *QuotaMetrics) IncConfigGap() {
	if m == nil {
		return
	}
	m.configGaps.Inc()
}

func (m *QuotaMetrics) IncThresholdCrossing(threshold string) {
	if m == nil {
		return
	}
	m.thresholdCrossing.WithLabelValues(threshold).Inc()
}
