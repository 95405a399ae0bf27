package observability

import (
	"slices"
	"strings"

	"github.com/smallbiznis/quota/internal/config"
)

var devEnvironments = []string{"dev", "development", "local", "test"}

// Config is the telemetry view of the application config.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	MetricsPath string
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "quota"
	}
	telemetry := cfg.Telemetry
	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             telemetry.LogLevel,
		LogFormat:            telemetry.LogFormat,
		OtelEnabled:          telemetry.TracingEnabled,
		OtelExporterEndpoint: telemetry.OTLPEndpoint,
		OtelExporterProtocol: telemetry.OTLPProtocol,
		OtelSamplingRatio:    telemetry.SamplingRatio,
		MetricsPath:          telemetry.MetricsPath,
	}
}

// Debug turns on development logging for a debug level or a local environment.
func (c Config) Debug() bool {
	if strings.EqualFold(c.LogLevel, "debug") {
		return true
	}
	return slices.Contains(devEnvironments, strings.ToLower(c.Environment))
}
