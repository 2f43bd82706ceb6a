package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/scanguard/internal/risk"
	"github.com/mbd888/scanguard/internal/testutil"
)

func TestPostgresStore_Integration(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	mk := func(id string, product *int64, loc string, sev risk.Severity, score int, at time.Time) {
		require.NoError(t, store.Create(ctx, &SecurityAlert{
			ID: id, QRKey: "code-1", ScanID: "scan_" + id, AccountID: "acct_pg", ProductID: product,
			AlertType: risk.FlagBotActivity, Severity: sev, SecurityScore: score, Location: loc,
			Flags: []risk.FlagDetail{{Type: risk.FlagBotActivity, Message: "burst"}}, CreatedAt: at,
		}))
	}
	mk("alert_a", i64(1), "Lyon, FR", risk.SeverityHigh, 80, base)
	mk("alert_b", nil, "Lyon, FR", risk.SeverityLow, 20, base)
	mk("alert_c", i64(1), "", risk.SeverityCritical, 95, base.Add(time.Minute))

	items, total, err := store.List(ctx, Filter{AccountID: "acct_pg"}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, "alert_c", items[0].ID)
	assert.Equal(t, "alert_b", items[1].ID)
	require.Len(t, items[0].Flags, 1)
	assert.Equal(t, risk.FlagBotActivity, items[0].Flags[0].Type)

	counts, err := store.CountBySeverity(ctx, Filter{AccountID: "acct_pg", ProductID: i64(1)})
	require.NoError(t, err)
	assert.Equal(t, map[risk.Severity]int{
		risk.SeverityCritical: 1, risk.SeverityHigh: 1, risk.SeverityMedium: 0, risk.SeverityLow: 0,
	}, counts)

	rows, err := store.LocationRisk(ctx, Filter{AccountID: "acct_pg"}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Lyon, FR", rows[0].Location)
	assert.Equal(t, 50.0, rows[0].AvgScore)
	assert.Equal(t, risk.SeverityHigh, rows[0].MaxSeverity)
	assert.Equal(t, UnknownLocation, rows[1].Location)
}
