package server

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quota/internal/entitlement"
	obslogger "github.com/smallbiznis/quota/internal/observability/logger"
	"github.com/smallbiznis/quota/internal/plan/resolver"
	"github.com/smallbiznis/quota/internal/usage/counter"
	usagedomain "github.com/smallbiznis/quota/internal/usage/domain"
	"go.uber.org/zap"
)

type usageMetricView struct {
	Metric       string   `json:"metric"`
	CurrentUsage int64    `json:"current_usage"`
	Limit        *float64 `json:"limit"`
	Remaining    *int64   `json:"remaining"`
}

type recordUsageRequest struct {
	Metric          string         `json:"metric"`
	Delta           int64          `json:"delta"`
	GracePercentage *float64       `json:"grace_percentage,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// GetUsage returns current-period usage merged with the tenant's plan limits.
func (s *Server) GetUsage(c *gin.Context) {
	tenantID, err := tenantParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ctx := c.Request.Context()

	current, err := s.usageSvc.Current(ctx, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limits, err := s.resolver.Resolve(ctx, tenantID)
	if err != nil {
		obslogger.FromContext(ctx).Warn("usage limits unavailable", zap.Error(err))
		limits = nil
	}

	names := make(map[string]struct{}, len(current)+len(limits))
	for metric := range current {
		names[metric] = struct{}{}
	}
	for metric := range limits {
		names[metric] = struct{}{}
	}

	views := make([]usageMetricView, 0, len(names))
	for metric := range names {
		view := usageMetricView{Metric: metric, CurrentUsage: current[metric]}
		if limit, ok := limits.Limit(metric); ok {
			remaining := resolver.Remaining(limit, view.CurrentUsage)
			view.Limit = &limit
			view.Remaining = &remaining
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Metric < views[j].Metric })

	c.JSON(http.StatusOK, gin.H{
		"tenant_id": tenantID.String(),
		"period":    counter.PeriodLabel(s.clock.Now()),
		"metrics":   views,
	})
}

func (s *Server) GetUsageHistory(c *gin.Context) {
	tenantID, err := tenantParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req, err := historyQuery(c, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	rows, err := s.usageSvc.History(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

// RecordUsage enforces positive deltas against the plan before applying them.
func (s *Server) RecordUsage(c *gin.Context) {
	tenantID, err := tenantParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	metric := strings.TrimSpace(req.Metric)
	if metric != "" {
		c.Set("metric", metric)
	}

	ctx := c.Request.Context()
	if req.Delta > 0 {
		if err := s.gate.Enforce(ctx, tenantID, metric, req.Delta, entitlement.Options{
			GracePercentage: req.GracePercentage,
		}); err != nil {
			AbortWithError(c, err)
			return
		}
	}

	result, err := s.usageSvc.Record(ctx, usagedomain.RecordRequest{
		TenantID: tenantID,
		Metric:   metric,
		Delta:    req.Delta,
		Metadata: req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// IncrementUsage runs behind the entitlement middleware, which has already
// admitted one unit of the path metric.
func (s *Server) IncrementUsage(c *gin.Context) {
	tenantID, err := tenantParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.usageSvc.Record(c.Request.Context(), usagedomain.RecordRequest{
		TenantID: tenantID,
		Metric:   strings.TrimSpace(c.Param("metric")),
		Delta:    1,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
