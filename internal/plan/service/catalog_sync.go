package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/config"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const catalogSyncTimeout = 30 * time.Second

type CatalogSyncerParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  plandomain.Repository
}

// CatalogSyncer writes the configured plan catalog into the shared plans table.
type CatalogSyncer struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  plandomain.Repository
}

func NewCatalogSyncer(p CatalogSyncerParams) *CatalogSyncer {
	return &CatalogSyncer{
		db:    p.DB,
		log:   p.Log.Named("plan.catalog"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *CatalogSyncer) Sync(ctx context.Context, catalog config.PlanCatalog) error {
	var errs []error
	synced := 0
	for _, item := range catalog.Plans {
		plan := s.toPlan(item, catalog)
		if err := plan.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("plan %s: %w", plan.Name, err))
			continue
		}
		if err := s.repo.UpsertShared(ctx, s.db, plan); err != nil {
			errs = append(errs, fmt.Errorf("plan %s: %w", plan.Name, err))
			continue
		}
		synced++
	}

	s.log.Info("plan catalog synced", zap.Int("plans", synced), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func (s *CatalogSyncer) toPlan(item config.CatalogPlan, catalog config.PlanCatalog) *plandomain.Plan {
	name := config.CanonicalPlanName(item.Name)
	priceRef := strings.TrimSpace(item.PriceRef)
	if priceRef == "" {
		priceRef = strings.TrimSpace(catalog.PriceByPlan[name])
	}
	interval := strings.TrimSpace(item.Interval)
	if interval == "" {
		interval = "month"
	}

	plan := &plandomain.Plan{
		ID:       s.genID.Generate(),
		Name:     name,
		Interval: interval,
		Limits:   plandomain.Limits{},
		IsActive: true,
	}
	for metric, limit := range item.Limits {
		plan.Limits[metric] = limit
	}
	if priceRef != "" {
		plan.PriceRef = &priceRef
	}
	if productRef := strings.TrimSpace(item.ProductRef); productRef != "" {
		plan.ProductRef = &productRef
	}
	if len(item.Metadata) > 0 {
		plan.Metadata = datatypes.JSONMap(item.Metadata)
	}
	return plan
}

// RegisterCatalogSync seeds plans on start and again after every catalog reload.
func RegisterCatalogSync(lc fx.Lifecycle, syncer *CatalogSyncer, holder *config.PlanCatalogHolder) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := syncer.Sync(ctx, holder.Get()); err != nil {
				syncer.log.Warn("plan catalog sync incomplete", zap.Error(err))
			}
			holder.Subscribe(func(catalog config.PlanCatalog) {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), catalogSyncTimeout)
					defer cancel()
					if err := syncer.Sync(ctx, catalog); err != nil {
						syncer.log.Warn("plan catalog resync incomplete", zap.Error(err))
					}
				}()
			})
			return nil
		},
	})
}
