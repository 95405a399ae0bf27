package config

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const DefaultPlanName = "free"

// PlanCatalog is the hot-reloadable plan configuration.
type PlanCatalog struct {
	DefaultPlan            string            `mapstructure:"defaultPlan"`
	DefaultGracePercentage float64           `mapstructure:"defaultGracePercentage"`
	UpgradeURL             string            `mapstructure:"upgradeURL"`
	PriceByPlan            map[string]string `mapstructure:"priceByPlan"`
	ActionMetrics          map[string]string `mapstructure:"actionMetrics"`
	Plans                  []CatalogPlan     `mapstructure:"plans"`
	Thresholds             []int             `mapstructure:"thresholds"`
}

type CatalogPlan struct {
	Name       string             `mapstructure:"name"`
	PriceRef   string             `mapstructure:"priceRef"`
	ProductRef string             `mapstructure:"productRef"`
	Interval   string             `mapstructure:"interval"`
	Limits     map[string]float64 `mapstructure:"limits"`
	Metadata   map[string]any     `mapstructure:"metadata"`
}

func DefaultPlanCatalog() PlanCatalog {
	return PlanCatalog{
		DefaultPlan:   DefaultPlanName,
		PriceByPlan:   map[string]string{},
		ActionMetrics: map[string]string{},
		Thresholds:    []int{80, 100},
		Plans: []CatalogPlan{
			{
				Name:     DefaultPlanName,
				Interval: "month",
				Limits:   map[string]float64{},
			},
		},
	}
}

type PlanCatalogHolder struct {
	current atomic.Value // holds PlanCatalog

	mu          sync.Mutex
	subscribers []func(PlanCatalog)
}

// NewPlanCatalogHolder loads plans.yml and watches it for changes.
func NewPlanCatalogHolder(cfg Config, log *zap.Logger) (*PlanCatalogHolder, error) {
	log = log.Named("config.plans")
	v := viper.New()

	if cfg.PlanCatalogPath != "" {
		v.SetConfigFile(cfg.PlanCatalogPath)
	} else {
		v.SetConfigName("plans")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/quota")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("QUOTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPlanCatalog()
	v.SetDefault("catalog.defaultPlan", defaults.DefaultPlan)
	v.SetDefault("catalog.thresholds", defaults.Thresholds)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("plan catalog not found, using defaults")
		return NewStaticPlanCatalogHolder(defaults), nil
	}

	catalog, err := decodeCatalog(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPlanCatalogHolder(catalog)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCatalog(v)
		if err != nil {
			log.Warn("plan catalog reload rejected", zap.String("file", filepath.Base(e.Name)), zap.Error(err))
			return
		}
		holder.Store(updated)
		log.Info("plan catalog reloaded", zap.String("file", filepath.Base(e.Name)), zap.Int("plans", len(updated.Plans)))
	})

	return holder, nil
}

func NewStaticPlanCatalogHolder(catalog PlanCatalog) *PlanCatalogHolder {
	holder := &PlanCatalogHolder{}
	holder.current.Store(normalizeCatalog(catalog))
	return holder
}

func (h *PlanCatalogHolder) Get() PlanCatalog {
	return h.current.Load().(PlanCatalog)
}

// Store replaces the catalog and notifies subscribers synchronously.
func (h *PlanCatalogHolder) Store(catalog PlanCatalog) {
	catalog = normalizeCatalog(catalog)
	h.current.Store(catalog)

	h.mu.Lock()
	subs := append([]func(PlanCatalog){}, h.subscribers...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn(catalog)
	}
}

func (h *PlanCatalogHolder) Subscribe(fn func(PlanCatalog)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.subscribers = append(h.subscribers, fn)
	h.mu.Unlock()
}

// MetricForAction maps an action name to the metric it consumes.
func (c PlanCatalog) MetricForAction(action string) string {
	action = strings.TrimSpace(action)
	if metric, ok := c.ActionMetrics[strings.ToLower(action)]; ok && metric != "" {
		return metric
	}
	return action
}

// CanonicalPlanName is the stored form of a shared plan name. Catalog sync,
// subscription writes and plan lookups all go through it.
func CanonicalPlanName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func decodeCatalog(v *viper.Viper) (PlanCatalog, error) {
	var catalog PlanCatalog
	if err := v.UnmarshalKey("catalog", &catalog); err != nil {
		return PlanCatalog{}, err
	}
	catalog = normalizeCatalog(catalog)
	if err := ValidatePlanCatalog(catalog); err != nil {
		return PlanCatalog{}, err
	}
	return catalog, nil
}

func normalizeCatalog(c PlanCatalog) PlanCatalog {
	c.DefaultPlan = CanonicalPlanName(c.DefaultPlan)
	if c.DefaultPlan == "" {
		c.DefaultPlan = DefaultPlanName
	}
	prices := make(map[string]string, len(c.PriceByPlan))
	for plan, price := range c.PriceByPlan {
		prices[CanonicalPlanName(plan)] = strings.TrimSpace(price)
	}
	c.PriceByPlan = prices
	plans := make([]CatalogPlan, len(c.Plans))
	for i, plan := range c.Plans {
		plan.Name = CanonicalPlanName(plan.Name)
		plans[i] = plan
	}
	c.Plans = plans
	if c.ActionMetrics == nil {
		c.ActionMetrics = map[string]string{}
	}
	if len(c.Thresholds) == 0 {
		c.Thresholds = []int{80, 100}
	}
	return c
}

func ValidatePlanCatalog(c PlanCatalog) error {
	if c.DefaultGracePercentage < 0 {
		return errors.New("catalog.defaultGracePercentage cannot be negative")
	}
	for _, pct := range c.Thresholds {
		if pct <= 0 {
			return fmt.Errorf("catalog.thresholds: invalid percentage %d", pct)
		}
	}
	seen := map[string]struct{}{}
	for _, plan := range c.Plans {
		name := CanonicalPlanName(plan.Name)
		if name == "" {
			return errors.New("catalog.plans: name is required")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("catalog.plans: duplicate plan %q", name)
		}
		seen[name] = struct{}{}
		for metric, limit := range plan.Limits {
			if math.IsNaN(limit) || math.IsInf(limit, 0) || limit < 0 {
				return fmt.Errorf("catalog.plans[%s].limits.%s: must be finite and >= 0", name, metric)
			}
		}
	}
	return nil
}
