package entitlement

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// Enforcer is the part of the gate the middleware needs.
type Enforcer interface {
	Enforce(ctx context.Context, tenantID snowflake.ID, metric string, amount int64, opts Options) error
}

// Requirement declares the usage a route consumes. Metric is fixed; MetricParam
// reads the metric from a path parameter instead.
type Requirement struct {
	Metric          string
	MetricParam     string
	Amount          int64
	GracePercentage *float64
	UpgradeURL      string
	Suggestions     []string
}

type TenantFunc func(c *gin.Context) (snowflake.ID, bool)

// TenantFromParam reads a snowflake tenant id from a path parameter.
func TenantFromParam(name string) TenantFunc {
	return func(c *gin.Context) (snowflake.ID, bool) {
		id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
		if err != nil || id == 0 {
			return 0, false
		}
		return id, true
	}
}

// Middleware rejects the request with 402 when the requirement does not fit the plan.
func Middleware(gate Enforcer, req Requirement, tenant TenantFunc) gin.HandlerFunc {
	amount := req.Amount
	if amount <= 0 {
		amount = 1
	}
	return func(c *gin.Context) {
		metric := strings.TrimSpace(req.Metric)
		if req.MetricParam != "" {
			metric = strings.TrimSpace(c.Param(req.MetricParam))
		}
		tenantID, ok := tenant(c)
		if !ok || metric == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{
				"type":    "validation_error",
				"message": "tenant and metric are required",
			}})
			return
		}
		c.Set("metric", metric)

		err := gate.Enforce(c.Request.Context(), tenantID, metric, amount, Options{
			GracePercentage: req.GracePercentage,
			UpgradeURL:      req.UpgradeURL,
			Suggestions:     req.Suggestions,
		})
		var exceeded *LimitExceededError
		if errors.As(err, &exceeded) {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": exceeded.Payload()})
			return
		}
		c.Next()
	}
}
