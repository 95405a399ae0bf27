package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/quota/internal/audit/domain"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	dbpkg "github.com/smallbiznis/quota/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     plandomain.Repository
	Resolver plandomain.Resolver
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     plandomain.Repository
	resolver plandomain.Resolver
	auditSvc auditdomain.Service
}

func NewService(p Params) plandomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("plan.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		resolver: p.Resolver,
		auditSvc: p.AuditSvc,
	}
}

// CreateManualPlan replaces the tenant's active manual-invoicing plan.
func (s *Service) CreateManualPlan(ctx context.Context, req plandomain.CreateManualPlanRequest) (*plandomain.Plan, error) {
	if req.TenantID == 0 {
		return nil, plandomain.ErrInvalidTenant
	}
	tenantID := req.TenantID
	now := time.Now().UTC()

	plan := &plandomain.Plan{
		ID:              s.genID.Generate(),
		Name:            strings.TrimSpace(req.Name),
		Interval:        "month",
		Limits:          plandomain.Limits(req.Limits),
		TenantID:        &tenantID,
		IsActive:        true,
		ManualInvoicing: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if plan.Limits == nil {
		plan.Limits = plandomain.Limits{}
	}
	if len(req.Metadata) > 0 {
		plan.Metadata = datatypes.JSONMap(req.Metadata)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.DeactivateManualForTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		return s.repo.Insert(ctx, tx, plan)
	})
	if dbpkg.IsUniqueViolation(err) {
		s.log.Warn("concurrent manual plan creation", zap.String("tenant_id", tenantID.String()))
		return nil, plandomain.ErrManualPlanConflict
	}
	if err != nil {
		s.log.Error("failed to create manual plan", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		return nil, err
	}

	s.resolver.Invalidate(tenantID)
	s.log.Info("manual plan created",
		zap.String("tenant_id", tenantID.String()),
		zap.String("plan", plan.Name),
		zap.String("plan_id", plan.ID.String()),
	)

	if s.auditSvc != nil {
		_ = s.auditSvc.Record(ctx, auditdomain.Entry{
			TenantID:   tenantID,
			Action:     auditdomain.ActionManualPlanCreated,
			TargetType: auditdomain.TargetPlan,
			TargetID:   plan.ID.String(),
			Metadata: map[string]any{
				"name":   plan.Name,
				"limits": map[string]float64(plan.Limits),
			},
		})
	}
	return plan, nil
}
