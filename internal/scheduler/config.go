package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/quota/internal/config"
)

// Config controls cron specs, job budgets and cross-replica idempotency.
type Config struct {
	Enabled           bool
	Jobs              []string
	DailySnapshotCron string
	MonthlyResetCron  string
	JobTimeout        time.Duration
	LockTTL           time.Duration
	DoneTTL           time.Duration
	KeyPrefix         string
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		DailySnapshotCron: "55 23 * * *",
		MonthlyResetCron:  "15 0 1 * *",
		JobTimeout:        30 * time.Minute,
		LockTTL:           35 * time.Minute,
		DoneTTL:           40 * 24 * time.Hour,
		KeyPrefix:         "scheduler",
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:           cfg.Scheduler.Enabled,
		Jobs:              cfg.Scheduler.Jobs,
		DailySnapshotCron: cfg.Scheduler.DailySnapshotCron,
		MonthlyResetCron:  cfg.Scheduler.MonthlyResetCron,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.DailySnapshotCron) == "" {
		c.DailySnapshotCron = defaults.DailySnapshotCron
	}
	if strings.TrimSpace(c.MonthlyResetCron) == "" {
		c.MonthlyResetCron = defaults.MonthlyResetCron
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout
	}
	if c.DoneTTL <= 0 {
		c.DoneTTL = defaults.DoneTTL
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = defaults.KeyPrefix
	}
	return c
}

func (c Config) isJobEnabled(name string) bool {
	if len(c.Jobs) == 0 {
		return true
	}
	for _, job := range c.Jobs {
		if strings.EqualFold(strings.TrimSpace(job), name) {
			return true
		}
	}
	return false
}
