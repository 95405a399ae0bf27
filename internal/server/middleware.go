package server

import (
	"strconv"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/quota/internal/observability/logger"
	"go.uber.org/zap"
)

const rateLimitReasonTenantRate = "tenant-rate"

// UsageRateLimit throttles usage writes per tenant. Limiter failures admit the request.
func (s *Server) UsageRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		tenantID, err := tenantParam(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		res, err := s.limiter.Allow(ctx, tenantID)
		if err != nil {
			obslogger.FromContext(ctx).Warn("usage rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			obslogger.FromContext(ctx).Warn("usage rate limit exceeded",
				zap.String("reason", rateLimitReasonTenantRate),
				zap.String("route", c.FullPath()),
			)
			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-Rate-Limited-Reason", rateLimitReasonTenantRate)
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
