package entitlement

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quota/internal/config"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	catalog := config.DefaultPlanCatalog()
	catalog.UpgradeURL = "https://example.com/billing"
	gate, store := newGate(t, plandomain.Limits{"campaigns": 2}, catalog)

	router := gin.New()
	router.POST("/tenants/:tenant_id/usage/:metric/increment",
		Middleware(gate, Requirement{MetricParam: "metric", Amount: 1}, TenantFromParam("tenant_id")),
		func(c *gin.Context) {
			_, _ = store.Increment(c.Request.Context(), tenant, c.Param("metric"), 1)
			c.Status(http.StatusNoContent)
		},
	)

	do := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		router.ServeHTTP(w, req)
		return w
	}

	path := "/tenants/" + tenant.String() + "/usage/campaigns/increment"
	assert.Equal(t, http.StatusNoContent, do(path).Code)
	assert.Equal(t, http.StatusNoContent, do(path).Code)

	w := do(path)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var body struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "limit_exceeded", body.Error["type"])
	assert.Equal(t, "campaigns", body.Error["metric"])
	assert.Equal(t, float64(2), body.Error["current_usage"])
	assert.Equal(t, float64(0), body.Error["remaining"])
	assert.Equal(t, "https://example.com/billing", body.Error["upgrade_url"])

	assert.Equal(t, http.StatusBadRequest, do("/tenants/not-a-tenant/usage/campaigns/increment").Code)
}
