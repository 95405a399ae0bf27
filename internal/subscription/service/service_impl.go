package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quota/internal/config"
	"github.com/smallbiznis/quota/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Catalog *config.PlanCatalogHolder
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    domain.Repository
	catalog *config.PlanCatalogHolder
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("subscription.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		catalog: p.Catalog,
	}
}

// Get returns the tenant's subscription state, creating the default row on first access.
func (s *Service) Get(ctx context.Context, tenantID snowflake.ID) (*domain.Subscription, error) {
	if tenantID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	defaultPlan := ""
	if s.catalog != nil {
		defaultPlan = s.catalog.Get().DefaultPlan
	}
	sub, err := s.repo.GetOrCreate(ctx, s.db, DefaultFor(s.genID.Generate(), tenantID, defaultPlan))
	if err != nil {
		s.log.Warn("failed to load subscription state", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		return nil, err
	}
	return sub, nil
}

// DefaultFor builds the lazily created row: default plan, no provider status.
func DefaultFor(id, tenantID snowflake.ID, defaultPlan string) domain.Subscription {
	if defaultPlan == "" {
		defaultPlan = config.DefaultPlanName
	}
	return domain.Subscription{
		ID:       id,
		TenantID: tenantID,
		Plan:     defaultPlan,
		Status:   domain.SubscriptionStatusNone,
	}
}
