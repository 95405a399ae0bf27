package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/quota/internal/audit/domain"
	"github.com/smallbiznis/quota/internal/audit/masking"
	obscontext "github.com/smallbiznis/quota/internal/observability/context"
	"github.com/smallbiznis/quota/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 250
)

// Provider references are masked wherever they appear in metadata.
var sensitiveKeys = []string{"customer_ref", "subscription_ref"}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	actorType := entry.Actor.Type
	if actorType == "" {
		actorType = auditdomain.ActorTypeSystem
	}
	targetType := strings.TrimSpace(entry.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}

	row := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		TenantID:   tenantFor(ctx, entry.TenantID),
		ActorType:  string(actorType),
		ActorID:    optional(entry.Actor.ID),
		Action:     action,
		TargetType: targetType,
		TargetID:   optional(entry.TargetID),
		Metadata:   datatypes.JSONMap(metadataFor(ctx, entry.Metadata)),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.Insert(ctx, s.db, &row); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListRequest) ([]auditdomain.AuditLog, error) {
	if req.TenantID == 0 {
		return nil, auditdomain.ErrInvalidTenant
	}
	if req.From != nil && req.To != nil && req.From.After(*req.To) {
		return nil, auditdomain.ErrInvalidTimeRange
	}
	switch {
	case req.Limit <= 0:
		req.Limit = defaultListLimit
	case req.Limit > maxListLimit:
		req.Limit = maxListLimit
	}
	return s.repo.List(ctx, s.db, req)
}

// metadataFor masks provider references and stamps the request, job and
// correlation ids found on ctx.
func metadataFor(ctx context.Context, metadata map[string]any) map[string]any {
	payload := make(map[string]any, len(metadata)+3)
	for key, value := range metadata {
		if key != "" {
			payload[key] = value
		}
	}
	payload = masking.MaskKeys(payload, sensitiveKeys...)

	stamp := map[string]string{
		"request_id":     obscontext.RequestIDFromContext(ctx),
		"job":            obscontext.JobFromContext(ctx),
		"correlation_id": correlation.ExtractCorrelationID(ctx),
	}
	for key, value := range stamp {
		if value != "" {
			payload[key] = value
		}
	}
	return payload
}

func tenantFor(ctx context.Context, tenantID snowflake.ID) *snowflake.ID {
	if tenantID != 0 {
		return &tenantID
	}
	resolved, err := snowflake.ParseString(obscontext.TenantIDFromContext(ctx))
	if err != nil || resolved == 0 {
		return nil
	}
	return &resolved
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
