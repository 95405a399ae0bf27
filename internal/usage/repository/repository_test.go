package repository

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/quota/internal/testutil"
	usagedomain "github.com/smallbiznis/quota/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestLedgerUpsertKeepsOneRowPerDay(t *testing.T) {
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	repo := Provide()
	ctx := context.Background()

	tenantID := node.Generate()
	day := time.Date(2024, 3, 31, 23, 55, 0, 0, time.UTC)
	limit := 1000.0

	require.NoError(t, repo.UpsertLedgerRow(ctx, db, &usagedomain.LedgerRow{
		ID: node.Generate(), TenantID: tenantID, MetricName: "contacts", PeriodDate: day, CurrentUsage: 400, LimitValue: &limit,
	}))
	require.NoError(t, repo.UpsertLedgerRow(ctx, db, &usagedomain.LedgerRow{
		ID: node.Generate(), TenantID: tenantID, MetricName: "contacts", PeriodDate: day.Add(-time.Hour), CurrentUsage: 450, LimitValue: nil,
	}))

	rows, err := repo.ListLedgerRows(ctx, db, usagedomain.LedgerFilter{TenantID: tenantID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(450), rows[0].CurrentUsage)
	assert.Nil(t, rows[0].LimitValue)

	row, err := repo.FindLedgerRow(ctx, db, tenantID, "contacts", day)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(450), row.CurrentUsage)

	missing, err := repo.FindLedgerRow(ctx, db, tenantID, "contacts", day.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListLedgerRowsFilters(t *testing.T) {
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	repo := Provide()
	ctx := context.Background()

	tenantID := node.Generate()
	other := node.Generate()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.UpsertLedgerRow(ctx, db, &usagedomain.LedgerRow{
			ID: node.Generate(), TenantID: tenantID, MetricName: "emails", PeriodDate: start.AddDate(0, 0, i), CurrentUsage: int64(i * 10),
		}))
	}
	require.NoError(t, repo.UpsertLedgerRow(ctx, db, &usagedomain.LedgerRow{
		ID: node.Generate(), TenantID: tenantID, MetricName: "contacts", PeriodDate: start, CurrentUsage: 7,
	}))
	require.NoError(t, repo.UpsertLedgerRow(ctx, db, &usagedomain.LedgerRow{
		ID: node.Generate(), TenantID: other, MetricName: "emails", PeriodDate: start, CurrentUsage: 99,
	}))

	from := start.AddDate(0, 0, 1)
	to := start.AddDate(0, 0, 3)
	rows, err := repo.ListLedgerRows(ctx, db, usagedomain.LedgerFilter{
		TenantID: tenantID, Metric: "emails", From: &from, To: &to,
	})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(30), rows[0].CurrentUsage)
	assert.Equal(t, int64(10), rows[2].CurrentUsage)

	rows, err = repo.ListLedgerRows(ctx, db, usagedomain.LedgerFilter{TenantID: tenantID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestAppendAndListEvents(t *testing.T) {
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	repo := Provide()
	ctx := context.Background()

	tenantID := node.Generate()
	now := time.Date(2024, 4, 1, 0, 15, 0, 0, time.UTC)

	require.NoError(t, repo.AppendEvent(ctx, db, &usagedomain.UsageEvent{
		ID: node.Generate(), TenantID: tenantID, EventType: usagedomain.EventTypeMonthlySummary,
		MetricName: "contacts", Increment: 0, OccurredAt: now,
		Metadata: datatypes.JSONMap{"period": "2024-03", "usage": 120},
	}))
	require.NoError(t, repo.AppendEvent(ctx, db, &usagedomain.UsageEvent{
		ID: node.Generate(), TenantID: tenantID, EventType: usagedomain.EventTypeDelta,
		MetricName: "contacts", Increment: 3, OccurredAt: now.Add(time.Minute),
	}))
	require.NoError(t, repo.AppendEvent(ctx, db, nil))

	all, err := repo.ListEvents(ctx, db, tenantID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	summaries, err := repo.ListEvents(ctx, db, tenantID, usagedomain.EventTypeMonthlySummary)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "2024-03", summaries[0].Metadata["period"])
}
