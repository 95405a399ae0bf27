package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultExportInterval = 10 * time.Second

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
	ExportInterval   time.Duration
}

// Metrics holds the OTel instruments pushed over OTLP. The prometheus series
// in QuotaMetrics serve the scrape path.
type Metrics struct {
	usageWrites     metric.Int64Counter
	usageUnits      metric.Int64Counter
	webhookEvents   metric.Int64Counter
	decisions       metric.Int64Counter
	decisionLatency metric.Float64Histogram
}

// NewProvider installs the global meter provider, a noop one when export is off.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName(cfg)),
		attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.StopHook(func(ctx context.Context) error {
			return provider.Shutdown(ctx)
		}))
	}
	if log != nil {
		log.Info("otlp metric export enabled",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
			zap.Duration("interval", interval),
		)
	}
	return provider, nil
}

// New creates the quota instruments on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(serviceName(cfg))
	m := &Metrics{}
	var err error

	if m.usageWrites, err = meter.Int64Counter("quota.usage.writes",
		metric.WithDescription("Usage counter writes per metric and direction.")); err != nil {
		return nil, err
	}
	if m.usageUnits, err = meter.Int64Counter("quota.usage.units",
		metric.WithDescription("Absolute units moved by usage writes.")); err != nil {
		return nil, err
	}
	if m.webhookEvents, err = meter.Int64Counter("quota.webhook.events",
		metric.WithDescription("Verified provider events received.")); err != nil {
		return nil, err
	}
	if m.decisions, err = meter.Int64Counter("quota.enforcement.decisions",
		metric.WithDescription("Gate decisions per metric.")); err != nil {
		return nil, err
	}
	if m.decisionLatency, err = meter.Float64Histogram("quota.enforcement.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent resolving limits and reading counters for one decision.")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordUsage counts one counter write and the units it moved.
func (m *Metrics) RecordUsage(ctx context.Context, metricName string, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	direction := "increment"
	if delta < 0 {
		direction = "decrement"
		delta = -delta
	}
	opt := metric.WithAttributes(FilterAttributes(
		attribute.String("metric", strings.TrimSpace(metricName)),
		attribute.String("direction", direction),
	)...)
	m.usageWrites.Add(ctx, 1, opt)
	m.usageUnits.Add(ctx, delta, opt)
}

// RecordWebhookEvent counts verified inbound provider events.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)...))
}

// RecordDecision counts a gate decision and how long it took.
func (m *Metrics) RecordDecision(ctx context.Context, metricName, decision string, elapsed time.Duration) {
	if m == nil {
		return
	}
	opt := metric.WithAttributes(FilterAttributes(
		attribute.String("metric", strings.TrimSpace(metricName)),
		attribute.String("decision", strings.TrimSpace(decision)),
	)...)
	m.decisions.Add(ctx, 1, opt)
	m.decisionLatency.Record(ctx, float64(elapsed.Microseconds())/1000, opt)
}

func serviceName(cfg Config) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}
	return "quota"
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Tenant ids never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"metric":     {},
	"decision":   {},
	"direction":  {},
	"provider":   {},
	"event_type": {},
	"reason":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; ok {
			filtered = append(filtered, attr)
		}
	}
	return filtered
}
