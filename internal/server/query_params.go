package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/quota/internal/usage/domain"
)

const (
	dateOnlyLayout  = "2006-01-02"
	maxHistoryLimit = 1000
)

func tenantParam(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("tenant_id")))
	if err != nil || id <= 0 {
		return 0, ErrInvalidTenant
	}
	return id, nil
}

// historyQuery reads ?metric=&from=&to=&limit= for the ledger history route.
// Dates without a time cover the whole UTC day.
func historyQuery(c *gin.Context, tenantID snowflake.ID) (usagedomain.HistoryRequest, error) {
	req := usagedomain.HistoryRequest{
		TenantID: tenantID,
		Metric:   strings.TrimSpace(c.Query("metric")),
	}

	var ok bool
	if req.From, ok = queryTime(c.Query("from"), false); !ok {
		return req, newValidationError("from", "invalid_time", "invalid time")
	}
	if req.To, ok = queryTime(c.Query("to"), true); !ok {
		return req, newValidationError("to", "invalid_time", "invalid time")
	}

	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return req, newValidationError("limit", "invalid_limit", "limit must be a positive integer")
		}
		req.Limit = min(limit, maxHistoryLimit)
	}
	return req, nil
}

// actionCount reads ?count= and defaults to a single unit.
func actionCount(c *gin.Context) (int64, error) {
	raw := strings.TrimSpace(c.Query("count"))
	if raw == "" {
		return 1, nil
	}
	count, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || count <= 0 {
		return 0, newValidationError("count", "invalid_count", "count must be a positive integer")
	}
	return count, nil
}

func queryTime(value string, endOfDay bool) (*time.Time, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, true
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, true
	}
	day, err := time.Parse(dateOnlyLayout, trimmed)
	if err != nil {
		return nil, false
	}
	if endOfDay {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return &day, true
}
