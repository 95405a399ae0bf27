package reconcile

import (
	"slices"
	"sort"
	"time"

	"github.com/smallbiznis/quota/internal/config"
)

const (
	JobDailySnapshot = "usage.daily_snapshot"
	JobMonthlyReset  = "usage.monthly_reset"

	sourceLedger = "ledger"
	sourceCache  = "cache"
)

// DefaultThresholds are the alert percentages checked by the daily snapshot.
var DefaultThresholds = []int{80, 100}

type Config struct {
	TenantTimeout time.Duration
	Concurrency   int
	Thresholds    []int
}

func DefaultConfig() Config {
	return Config{
		TenantTimeout: 30 * time.Second,
		Concurrency:   4,
		Thresholds:    DefaultThresholds,
	}
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		TenantTimeout: cfg.Scheduler.TenantTimeout,
		Concurrency:   cfg.Scheduler.Concurrency,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TenantTimeout <= 0 {
		c.TenantTimeout = def.TenantTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	c.Thresholds = normalizeThresholds(c.Thresholds)
	if len(c.Thresholds) == 0 {
		c.Thresholds = def.Thresholds
	}
	return c
}

// thresholdsFrom prefers the live catalog, so a plans.yml reload applies to
// the next run.
func (c Config) thresholdsFrom(catalog *config.PlanCatalogHolder) []int {
	if catalog != nil {
		if live := normalizeThresholds(catalog.Get().Thresholds); len(live) > 0 {
			return live
		}
	}
	return c.Thresholds
}

func normalizeThresholds(in []int) []int {
	out := make([]int, 0, len(in))
	for _, pct := range in {
		if pct > 0 && !slices.Contains(out, pct) {
			out = append(out, pct)
		}
	}
	sort.Ints(out)
	return out
}
