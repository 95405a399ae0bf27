package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/quota/internal/audit/domain"
	"gorm.io/gorm"
)

const auditColumns = `id, tenant_id, actor_type, actor_id, action, target_type, target_id, metadata, created_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO audit_logs (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TenantID, entry.ActorType, entry.ActorID, entry.Action,
		entry.TargetType, entry.TargetID, entry.Metadata, entry.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, req domain.ListRequest) ([]domain.AuditLog, error) {
	where := []string{"tenant_id = ?"}
	args := []any{req.TenantID}
	if action := strings.TrimSpace(req.Action); action != "" {
		where = append(where, "action = ?")
		args = append(args, action)
	}
	if targetType := strings.TrimSpace(req.TargetType); targetType != "" {
		where = append(where, "target_type = ?")
		args = append(args, targetType)
	}
	if req.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, req.From.UTC())
	}
	if req.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, req.To.UTC())
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if req.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, req.Limit)
	}

	var logs []domain.AuditLog
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
