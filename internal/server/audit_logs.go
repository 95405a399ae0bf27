package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/quota/internal/audit/domain"
)

// ListAuditLogs serves GET /api/v1/tenants/:tenant_id/audit-logs
// ?action=&target_type=&from=&to=&limit=
func (s *Server) ListAuditLogs(c *gin.Context) {
	tenantID, err := tenantParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req := auditdomain.ListRequest{
		TenantID:   tenantID,
		Action:     strings.TrimSpace(c.Query("action")),
		TargetType: strings.TrimSpace(c.Query("target_type")),
	}
	var ok bool
	if req.From, ok = queryTime(c.Query("from"), false); !ok {
		AbortWithError(c, newValidationError("from", "invalid_time", "invalid time"))
		return
	}
	if req.To, ok = queryTime(c.Query("to"), true); !ok {
		AbortWithError(c, newValidationError("to", "invalid_time", "invalid time"))
		return
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		req.Limit = limit
	}

	logs, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if logs == nil {
		logs = []auditdomain.AuditLog{}
	}
	c.JSON(http.StatusOK, gin.H{"data": logs})
}
