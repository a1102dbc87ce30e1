package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGroups map[string]string

func (f fakeGroups) GroupsForSymbols(_ context.Context, symbols []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, s := range symbols {
		if g, ok := f[s]; ok {
			out[s] = g
		}
	}
	return out, nil
}

// pricesFromMatrix compounds a return matrix into close prices starting at 100
// on the business day before the first return.
func pricesFromMatrix(m *ReturnMatrix) fakePrices {
	out := make(fakePrices, len(m.Symbols))
	first := m.Dates[0].AddDate(0, 0, -3)
	for i, s := range m.Symbols {
		v := 100.0
		pts := []PricePoint{{Date: first, Close: v}}
		for t, d := range m.Dates {
			v *= 1 + m.Returns[t][i]
			pts = append(pts, PricePoint{Date: d, Close: v})
		}
		out[s] = pts
	}
	return out
}

func testComparator(t *testing.T, groups GroupProvider) *Comparator {
	t.Helper()
	m := syntheticMatrix(260,
		[]float64{0.0008, 0.0005, 0.0003, 0.0006, 0.0002},
		[]float64{0.020, 0.012, 0.006, 0.015, 0.004},
		31)
	opts := DefaultComparatorOptions()
	opts.Solver = testSettings()
	opts.FrontierPoints = 6
	opts.ScatterPoints = 50
	return NewComparator(pricesFromMatrix(m), groups, opts)
}

func TestCompare_ReportsAllPortfolios(t *testing.T) {
	c := testComparator(t, nil)
	res, err := c.Compare(context.Background(), CompareRequest{
		Symbols:                []string{"A0", "A1", "A2"},
		Optimization:           OptimizationRequest{Objective: MaxSharpe},
		UserWeights:            map[string]float64{"A0": 2, "A4": 2},
		BenchmarkWeights:       map[string]float64{"A3": 1},
		IncludeDiversification: true,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, []string{"A0", "A1", "A2", "A3", "A4"}, res.Symbols)
	assert.Len(t, res.Correlation, 5)
	assert.Equal(t, 260, res.Period.Periods)
	assert.Equal(t, Daily, res.Period.Frequency)

	require.NotNil(t, res.Optimized)
	total := 0.0
	for s, w := range res.Optimized.Weights {
		assert.Contains(t, []string{"A0", "A1", "A2"}, s)
		total += w
	}
	assert.InDelta(t, 1, total, 1e-6)
	require.NotNil(t, res.Optimized.Diversification)
	assert.NotNil(t, res.Optimized.Performance.Sharpe)

	require.NotNil(t, res.User)
	assert.InDelta(t, 0.5, res.User.Weights["A0"], 1e-12)
	assert.InDelta(t, 0.5, res.User.Weights["A4"], 1e-12)
	require.NotNil(t, res.Benchmark)
	assert.InDelta(t, 1, res.Benchmark.Weights["A3"], 1e-12)
	assert.Nil(t, res.Frontier)
}

func TestCompare_GroupConstraints(t *testing.T) {
	groups := fakeGroups{"A0": "Equities", "A1": "Equities", "A2": "Funds", "A3": "Funds"}
	c := testComparator(t, groups)
	res, err := c.Compare(context.Background(), CompareRequest{
		Symbols: []string{"A0", "A1", "A2", "A3"},
		Optimization: OptimizationRequest{
			Objective:   MaxReturn,
			Constraints: Constraints{Groups: map[string]Bound{"Equities": {Min: 0, Max: 0.3}}},
		},
		UserWeights:         map[string]float64{"A0": 0.5, "A1": 0.3, "A2": 0.2},
		UseGroupConstraints: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Groups, 2)

	eq := res.Groups[0]
	assert.Equal(t, "Equities", eq.Group)
	require.NotNil(t, eq.Bound)
	assert.LessOrEqual(t, eq.Optimized, 0.3+feasibilityTol)
	assert.False(t, eq.OptimizedViolation)
	require.NotNil(t, eq.User)
	assert.InDelta(t, 0.8, *eq.User, 1e-12)
	assert.True(t, eq.UserViolation)

	funds := res.Groups[1]
	assert.Equal(t, "Funds", funds.Group)
	assert.Nil(t, funds.Bound)
}

func TestCompare_GroupConstraintsNeedProvider(t *testing.T) {
	c := testComparator(t, nil)
	_, err := c.Compare(context.Background(), CompareRequest{
		Symbols:             []string{"A0", "A1"},
		Optimization:        OptimizationRequest{Objective: MinVolatility},
		UseGroupConstraints: true,
	})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestCompare_IgnoresGroupBoundsWhenDisabled(t *testing.T) {
	c := testComparator(t, nil)
	res, err := c.Compare(context.Background(), CompareRequest{
		Symbols: []string{"A0", "A1"},
		Optimization: OptimizationRequest{
			Objective:   MaxReturn,
			Constraints: Constraints{Groups: map[string]Bound{"Equities": {Min: 0.9, Max: 1}}},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Groups)
}

func TestCompare_FrontierAndScatter(t *testing.T) {
	c := testComparator(t, nil)
	res, err := c.Compare(context.Background(), CompareRequest{
		Symbols:         []string{"A0", "A1", "A2"},
		Optimization:    OptimizationRequest{Objective: MinVolatility},
		IncludeFrontier: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Frontier)
	assert.LessOrEqual(t, len(res.Frontier), 6)
	assert.Len(t, res.Scatter, 50)
}

func TestCompare_InvalidHealthWeightsWarn(t *testing.T) {
	c := testComparator(t, nil)
	res, err := c.Compare(context.Background(), CompareRequest{
		Symbols:                []string{"A0", "A1"},
		Optimization:           OptimizationRequest{Objective: EqualWeight},
		IncludeDiversification: true,
		HealthWeights:          &HealthWeights{Sharpe: 60, DivRatio: 60},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "health weights rejected")
	assert.Equal(t, DefaultHealthWeights(), res.Optimized.Diversification.HealthWeights)
}

func TestCompare_PropagatesDataErrors(t *testing.T) {
	c := testComparator(t, nil)
	ctx := context.Background()

	_, err := c.Compare(ctx, CompareRequest{Symbols: []string{"A0", "NOPE"}, Optimization: OptimizationRequest{Objective: MaxSharpe}})
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	_, err = c.Compare(ctx, CompareRequest{
		Symbols:      []string{"A0", "A1"},
		Start:        time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		Optimization: OptimizationRequest{Objective: MaxSharpe},
	})
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = c.Compare(ctx, CompareRequest{
		Symbols:      []string{"A0"},
		UserWeights:  map[string]float64{"A0": -1},
		Optimization: OptimizationRequest{Objective: MaxSharpe},
	})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestAllocations_RoundsAndSorts(t *testing.T) {
	w := NewWeightVector([]string{"B", "A", "C", "D"}, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3, 1e-6})
	got := Allocations(w, 1e-4)
	require.Len(t, got, 3)
	assert.Equal(t, "A", got[0].Symbol)
	assert.Equal(t, "B", got[1].Symbol)
	assert.Equal(t, "33.33", got[0].Percent.String())
}
