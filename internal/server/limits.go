package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
)

func (s *Server) GetLimits(c *gin.Context) {
	tenantID, err := tenantParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	plan, err := s.resolver.ResolvePlan(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if plan == nil {
		c.JSON(http.StatusOK, gin.H{
			"tenant_id": tenantID.String(),
			"plan":      nil,
			"limits":    plandomain.Limits{},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant_id":        tenantID.String(),
		"plan":             plan.Name,
		"manual_invoicing": plan.ManualInvoicing,
		"limits":           plan.Limits,
	})
}

func (s *Server) CheckAction(c *gin.Context) {
	tenantID, err := tenantParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	count, err := actionCount(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.gate.CanPerformAction(c.Request.Context(), tenantID, c.Param("action"), count)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) CreateManualPlan(c *gin.Context) {
	tenantID, err := tenantParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req plandomain.CreateManualPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.TenantID = tenantID

	plan, err := s.planSvc.CreateManualPlan(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}
