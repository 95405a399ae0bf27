package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const samplePlans = `
catalog:
  defaultPlan: free
  defaultGracePercentage: 10
  upgradeURL: https://example.test/billing
  priceByPlan:
    pro: price_pro_monthly
  actionMetrics:
    create_campaign: campaigns
  plans:
    - name: free
      interval: month
      limits:
        campaigns: 5
        seats: 1
    - name: pro
      priceRef: price_pro_monthly
      interval: month
      limits:
        campaigns: 100
`

func TestNewPlanCatalogHolderLoadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yml")
	require.NoError(t, os.WriteFile(path, []byte(samplePlans), 0o600))

	holder, err := NewPlanCatalogHolder(Config{PlanCatalogPath: path}, zap.NewNop())
	require.NoError(t, err)

	catalog := holder.Get()
	assert.Equal(t, "free", catalog.DefaultPlan)
	assert.Equal(t, 10.0, catalog.DefaultGracePercentage)
	assert.Equal(t, "price_pro_monthly", catalog.PriceByPlan["pro"])
	assert.Equal(t, []int{80, 100}, catalog.Thresholds)
	require.Len(t, catalog.Plans, 2)
	assert.Equal(t, 5.0, catalog.Plans[0].Limits["campaigns"])
	assert.Equal(t, "campaigns", catalog.MetricForAction("create_campaign"))
	assert.Equal(t, "seats", catalog.MetricForAction("seats"))
}

func TestNewPlanCatalogHolderMissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewPlanCatalogHolder(Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultPlanName, holder.Get().DefaultPlan)
}

func TestValidatePlanCatalogRejectsInvalidLimits(t *testing.T) {
	cases := map[string]float64{
		"negative": -1,
		"nan":      math.NaN(),
		"inf":      math.Inf(1),
	}
	for name, limit := range cases {
		t.Run(name, func(t *testing.T) {
			catalog := DefaultPlanCatalog()
			catalog.Plans = []CatalogPlan{{Name: "free", Limits: map[string]float64{"seats": limit}}}
			assert.Error(t, ValidatePlanCatalog(catalog))
		})
	}
}

func TestPlanCatalogHolderNotifiesSubscribers(t *testing.T) {
	holder := NewStaticPlanCatalogHolder(DefaultPlanCatalog())

	var got []PlanCatalog
	holder.Subscribe(func(c PlanCatalog) { got = append(got, c) })

	updated := DefaultPlanCatalog()
	updated.UpgradeURL = "https://example.test/upgrade"
	holder.Store(updated)

	require.Len(t, got, 1)
	assert.Equal(t, "https://example.test/upgrade", got[0].UpgradeURL)
	assert.Equal(t, "https://example.test/upgrade", holder.Get().UpgradeURL)
}

func TestNormalizeCatalogCanonicalisesPlanNames(t *testing.T) {
	catalog := normalizeCatalog(PlanCatalog{
		DefaultPlan: " Free ",
		PriceByPlan: map[string]string{"Pro": " price_pro "},
		Plans:       []CatalogPlan{{Name: "Pro"}, {Name: "free"}},
	})
	assert.Equal(t, "free", catalog.DefaultPlan)
	assert.Equal(t, map[string]string{"pro": "price_pro"}, catalog.PriceByPlan)
	assert.Equal(t, "pro", catalog.Plans[0].Name)

	dup := DefaultPlanCatalog()
	dup.Plans = []CatalogPlan{{Name: "Pro"}, {Name: "pro"}}
	assert.ErrorContains(t, ValidatePlanCatalog(dup), "duplicate plan")
}
