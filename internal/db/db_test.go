package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-optimizer/internal/config"
	"portfolio-optimizer/internal/engine"
	"portfolio-optimizer/internal/eodhd"
)

// openTestDB opens an in-memory SQLite DB with migrations applied.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func day(y int, m time.Month, dd int) time.Time { return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC) }

func bars(start time.Time, closes ...float64) []eodhd.Bar {
	out := make([]eodhd.Bar, len(closes))
	for i, c := range closes {
		out[i] = eodhd.Bar{Date: start.AddDate(0, 0, i).Format(dateLayout), Close: c * 1.01, AdjustedClose: c, Volume: 1000}
	}
	return out
}

func TestOpen_FileMigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "portfolio.db")
	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = Open(path)
	require.NoError(t, err)
	defer d.Close()
	var n int
	require.NoError(t, d.SqlDB().QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestPrices_RoundTripWithinWindow(t *testing.T) {
	d := openTestDB(t)
	from, to := day(2024, 1, 1), day(2024, 1, 10)
	require.NoError(t, d.SetPrices("SPY.US", from, to, bars(from, 100, 101, 102, 103, 104)))

	got, ok := d.GetPrices("SPY.US", day(2024, 1, 2), day(2024, 1, 4), time.Hour)
	require.True(t, ok)
	require.Len(t, got, 3)
	assert.Equal(t, engine.PricePoint{Date: day(2024, 1, 2), Close: 101}, got[0])
	assert.Equal(t, 103.0, got[2].Close, "adjusted close is served")
}

func TestPrices_MissesOutsideFetchedWindow(t *testing.T) {
	d := openTestDB(t)
	from, to := day(2024, 1, 1), day(2024, 1, 10)
	require.NoError(t, d.SetPrices("SPY.US", from, to, bars(from, 100, 101)))

	_, ok := d.GetPrices("SPY.US", day(2023, 12, 1), to, time.Hour)
	assert.False(t, ok, "start before fetched window")
	_, ok = d.GetPrices("SPY.US", from, day(2024, 2, 1), time.Hour)
	assert.False(t, ok, "end after fetched window")
	_, ok = d.GetPrices("SPY.US", time.Time{}, to, time.Hour)
	assert.False(t, ok, "full history was never fetched")
	_, ok = d.GetPrices("QQQ.US", from, to, time.Hour)
	assert.False(t, ok, "unknown symbol")
}

func TestPrices_ExpiresAfterTTL(t *testing.T) {
	d := openTestDB(t)
	from, to := day(2024, 1, 1), day(2024, 1, 10)
	require.NoError(t, d.SetPrices("SPY.US", from, to, bars(from, 100, 101)))
	_, err := d.SqlDB().Exec("UPDATE price_meta SET updated_at=? WHERE symbol=?",
		time.Now().Add(-48*time.Hour).UTC().Format(time.RFC3339), "SPY.US")
	require.NoError(t, err)

	_, ok := d.GetPrices("SPY.US", from, to, 24*time.Hour)
	assert.False(t, ok)
	_, ok = d.GetPrices("SPY.US", from, to, 0)
	assert.True(t, ok, "ttl <= 0 never expires")
}

func TestPrices_OverlappingWindowsMerge(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.SetPrices("SPY.US", day(2024, 1, 1), day(2024, 1, 10), bars(day(2024, 1, 1), 100, 101)))
	require.NoError(t, d.SetPrices("SPY.US", day(2024, 1, 5), day(2024, 1, 20), bars(day(2024, 1, 15), 110, 111)))

	got, ok := d.GetPrices("SPY.US", day(2024, 1, 1), day(2024, 1, 20), time.Hour)
	require.True(t, ok)
	assert.Len(t, got, 4)

	cov, err := d.CachedSymbols()
	require.NoError(t, err)
	require.Len(t, cov, 1)
	assert.Equal(t, "2024-01-01", cov[0].From)
	assert.Equal(t, "2024-01-20", cov[0].To)
	assert.Equal(t, 4, cov[0].Rows)

	d.CleanupStalePrices(time.Hour)
	cov, err = d.CachedSymbols()
	require.NoError(t, err)
	assert.Len(t, cov, 1, "fresh entries survive cleanup")
}

func TestAssetGroup(t *testing.T) {
	tests := map[string]string{
		"Common Stock":    GroupEquities,
		"Preferred Stock": GroupEquities,
		"ETF":             GroupFunds,
		"FUND":            GroupFunds,
		"INDEX":           GroupFunds,
		"Closed-End Fund": GroupFunds,
		"BOND":            GroupFixedIncome,
		"REIT":            GroupRealEstate,
		"Currency":        GroupOther,
		"":                GroupOther,
	}
	for in, want := range tests {
		assert.Equal(t, want, AssetGroup(in), in)
	}
}

func TestAssets_GroupsForSymbols(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.UpsertAsset(Asset{Symbol: "AAPL.US", Name: "Apple", Type: "Common Stock"}))
	require.NoError(t, d.UpsertAsset(Asset{Symbol: "BND.US", Type: "ETF", Group: GroupFixedIncome}))
	require.NoError(t, d.UpsertAsset(Asset{Symbol: "AAPL.US", Name: "Apple Inc", Type: "Common Stock"}))

	a, ok := d.GetAsset("AAPL.US")
	require.True(t, ok)
	assert.Equal(t, "Apple Inc", a.Name)
	assert.Equal(t, GroupEquities, a.Group)
	assert.Len(t, d.ListAssets(), 2)

	groups, err := d.GroupsForSymbols(context.Background(), []string{"AAPL.US", "BND.US", "XYZ.US"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"AAPL.US": GroupEquities, "BND.US": GroupFixedIncome}, groups)
}

func testResult(id string) *engine.ComparisonResult {
	sharpe := 1.25
	return &engine.ComparisonResult{
		RunID:        id,
		Period:       engine.Period{Start: day(2023, 1, 3), End: day(2023, 12, 29), Periods: 250, Frequency: engine.Daily},
		Optimization: &engine.OptimizationResult{Objective: engine.MaxSharpe, Converged: true},
		Optimized: &engine.PortfolioReport{
			Name:            "optimized",
			Weights:         map[string]float64{"A": 0.6, "B": 0.4},
			Performance:     &engine.PerformanceMetrics{Sharpe: &sharpe},
			Diversification: &engine.DiversificationMetrics{HealthScore: 72.5},
		},
		Symbols: []string{"A", "B"},
		Elapsed: 1500 * time.Millisecond,
	}
}

func TestRuns_InsertListGetDelete(t *testing.T) {
	d := openTestDB(t)
	require.NoError(t, d.InsertRun(testResult("run-1"), map[string]string{"objective": "max_sharpe"}))
	require.NoError(t, d.InsertRun(testResult("run-2"), nil))

	runs := d.GetRuns(10)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Nil(t, runs[0].Result, "listings omit payloads")

	r, err := d.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "max_sharpe", r.Objective)
	assert.Equal(t, []string{"A", "B"}, r.Symbols)
	assert.Equal(t, "2023-01-03", r.Start)
	assert.True(t, r.Converged)
	require.NotNil(t, r.Sharpe)
	assert.InDelta(t, 1.25, *r.Sharpe, 1e-12)
	require.NotNil(t, r.HealthScore)
	assert.InDelta(t, 72.5, *r.HealthScore, 1e-12)
	assert.Equal(t, int64(1500), r.DurationMs)
	assert.JSONEq(t, `{"objective":"max_sharpe"}`, string(r.Params))
	assert.Contains(t, string(r.Result), `"run_id":"run-1"`)

	require.NoError(t, d.DeleteRun("run-1"))
	_, err = d.GetRun("run-1")
	assert.Error(t, err)
	assert.Error(t, d.DeleteRun("run-1"))
}

func TestRuns_RejectIncomplete(t *testing.T) {
	d := openTestDB(t)
	assert.Error(t, d.InsertRun(&engine.ComparisonResult{RunID: "x"}, nil))
}

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	d := openTestDB(t)
	cfg := config.Default()
	cfg.Engine.RiskFreeRate = 0.025
	cfg.Engine.Frequency = "weekly"
	cfg.Engine.Solver.Timeout = 5 * time.Second
	cfg.Engine.Resample.Method = "block"
	require.NoError(t, d.SaveConfig(cfg))

	loaded := config.Default()
	require.NoError(t, d.LoadConfig(loaded))
	assert.Equal(t, 0.025, loaded.Engine.RiskFreeRate)
	assert.Equal(t, "weekly", loaded.Engine.Frequency)
	assert.Equal(t, 5*time.Second, loaded.Engine.Solver.Timeout)
	assert.Equal(t, "block", loaded.Engine.Resample.Method)
}

func TestConfig_SetConfigValue(t *testing.T) {
	d := openTestDB(t)
	cfg := config.Default()

	require.NoError(t, d.SetConfigValue(cfg, "min_periods", "24"))
	assert.Equal(t, 24, cfg.Engine.MinPeriods)

	assert.Error(t, d.SetConfigValue(cfg, "min_periods", "1"), "fails validation")
	assert.Error(t, d.SetConfigValue(cfg, "min_periods", "many"), "not a number")
	assert.Error(t, d.SetConfigValue(cfg, "colour", "blue"), "unknown key")
	assert.Equal(t, 24, cfg.Engine.MinPeriods)

	fresh := config.Default()
	require.NoError(t, d.LoadConfig(fresh))
	assert.Equal(t, 24, fresh.Engine.MinPeriods, "rejected value did not replace the stored one")
}
