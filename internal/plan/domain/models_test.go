package domain

import (
	"math"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitsValidate(t *testing.T) {
	assert.NoError(t, Limits{"contacts": 0, "campaigns": 10}.Validate())
	assert.ErrorIs(t, Limits{"contacts": -1}.Validate(), ErrInvalidLimit)
	assert.ErrorIs(t, Limits{"contacts": math.Inf(1)}.Validate(), ErrInvalidLimit)
	assert.ErrorIs(t, Limits{"contacts": math.NaN()}.Validate(), ErrInvalidLimit)
	assert.ErrorIs(t, Limits{"": 1}.Validate(), ErrInvalidMetric)
}

func TestLimitsScan(t *testing.T) {
	var l Limits
	require.NoError(t, l.Scan([]byte(`{"contacts":10.5}`)))
	limit, ok := l.Limit("contacts")
	assert.True(t, ok)
	assert.Equal(t, 10.5, limit)

	_, ok = l.Limit("campaigns")
	assert.False(t, ok)

	require.NoError(t, l.Scan(nil))
	assert.Empty(t, l)
	assert.Error(t, l.Scan(42))
}

func TestPlanValidate(t *testing.T) {
	tenantID := snowflake.ID(7)

	assert.ErrorIs(t, Plan{}.Validate(), ErrInvalidName)
	assert.ErrorIs(t, Plan{Name: "enterprise", ManualInvoicing: true}.Validate(), ErrManualPlanRequiresTenant)
	assert.NoError(t, Plan{Name: "enterprise", ManualInvoicing: true, TenantID: &tenantID}.Validate())
}
