package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis  RedisConfig
	Events EventsConfig
	Stripe StripeConfig

	PlanCatalogPath    string
	PlanLimitsCacheTTL time.Duration

	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
}

// TelemetryConfig covers logging, OTLP export and the prometheus scrape path.
type TelemetryConfig struct {
	LogLevel       string
	LogFormat      string
	TracingEnabled bool
	OTLPEndpoint   string
	OTLPProtocol   string
	SamplingRatio  float64
	MetricsPath    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type EventsConfig struct {
	// Driver is one of "log", "redis" or "nats".
	Driver        string
	ChannelPrefix string
	NATSURL       string
}

type StripeConfig struct {
	WebhookSecret string
	Tolerance     time.Duration
}

// RateLimitConfig bounds how fast one tenant may write usage.
type RateLimitConfig struct {
	Enabled    bool
	UsageRate  float64
	UsageBurst int
}

type SchedulerConfig struct {
	Enabled           bool
	Jobs              []string
	DailySnapshotCron string
	MonthlyResetCron  string
	TenantTimeout     time.Duration
	Concurrency       int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "quota"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		NodeID:      getenvInt64("SNOWFLAKE_NODE", 1),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "quota"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Events: EventsConfig{
			Driver:        strings.ToLower(strings.TrimSpace(getenv("EVENTS_DRIVER", "log"))),
			ChannelPrefix: getenv("EVENTS_CHANNEL_PREFIX", "quota"),
			NATSURL:       getenv("NATS_URL", "nats://localhost:4222"),
		},
		Stripe: StripeConfig{
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			Tolerance:     getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		},
		PlanCatalogPath:    strings.TrimSpace(getenv("PLAN_CATALOG_PATH", "")),
		PlanLimitsCacheTTL: getenvDuration("PLAN_LIMITS_CACHE_TTL", 10*time.Second),
		Scheduler: SchedulerConfig{
			Enabled:           getenvBool("SCHEDULER_ENABLED", true),
			Jobs:              parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
			DailySnapshotCron: getenv("SCHEDULER_DAILY_SNAPSHOT_CRON", "55 23 * * *"),
			MonthlyResetCron:  getenv("SCHEDULER_MONTHLY_RESET_CRON", "15 0 1 * *"),
			TenantTimeout:     getenvDuration("RECONCILE_TENANT_TIMEOUT", 30*time.Second),
			Concurrency:       int(getenvInt64("RECONCILE_CONCURRENCY", 4)),
		},
		RateLimit: RateLimitConfig{
			Enabled:    getenvBool("RATE_LIMIT_ENABLED", false),
			UsageRate:  getenvFloat("RATE_LIMIT_USAGE_RATE", 50),
			UsageBurst: int(getenvInt64("RATE_LIMIT_USAGE_BURST", 100)),
		},
	}
	cfg.Telemetry = loadTelemetry(cfg.IsProduction())

	return cfg
}

// loadTelemetry honours the standard OTEL_* variables; OTLP_ENDPOINT is the fallback.
func loadTelemetry(production bool) TelemetryConfig {
	protocol := getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		protocol = traces
	}
	metricsPath := strings.TrimSpace(getenv("METRICS_PATH", "/metrics"))
	if !strings.HasPrefix(metricsPath, "/") {
		metricsPath = "/" + metricsPath
	}
	return TelemetryConfig{
		LogLevel:       strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		LogFormat:      strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
		TracingEnabled: getenvBool("OTEL_ENABLED", production),
		OTLPEndpoint:   strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317"))),
		OTLPProtocol:   strings.ToLower(strings.TrimSpace(protocol)),
		SamplingRatio:  getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		MetricsPath:    metricsPath,
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
