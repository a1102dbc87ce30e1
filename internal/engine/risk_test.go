package engine

import (
	"errors"
	"math"
	"testing"
	"time"
)

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

// seriesFromValues converts a value path into period returns dated on
// consecutive business days after start.
func seriesFromValues(values []float64, start time.Time, freq Frequency) ReturnSeries {
	s := ReturnSeries{Frequency: freq}
	dates := businessDays(start, len(values))
	for t := 1; t < len(values); t++ {
		s.Returns = append(s.Returns, values[t]/values[t-1]-1)
		s.Dates = append(s.Dates, dates[t])
	}
	return s
}

func TestComputePerformance_DrawdownRoundTrip(t *testing.T) {
	s := seriesFromValues([]float64{100, 110, 90, 95, 120}, day(2024, 1, 1), Daily)
	m, err := ComputePerformance(s, PerformanceOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := (90.0 - 110.0) / 110.0
	if math.Abs(m.MaxDrawdown-want) > 1e-12 {
		t.Errorf("MaxDrawdown = %v, want %v", m.MaxDrawdown, want)
	}
	// Peak at 110 (first return), recovered at 120 (fourth return).
	if m.MaxDrawdownDuration != 3 {
		t.Errorf("MaxDrawdownDuration = %d, want 3", m.MaxDrawdownDuration)
	}
	if m.DrawdownRecovery == nil || !m.DrawdownRecovery.Equal(s.Dates[3]) {
		t.Errorf("DrawdownRecovery = %v, want %v", m.DrawdownRecovery, s.Dates[3])
	}
	if m.DrawdownTrough == nil || !m.DrawdownTrough.Equal(s.Dates[1]) {
		t.Errorf("DrawdownTrough = %v, want %v", m.DrawdownTrough, s.Dates[1])
	}
	if math.Abs(m.TotalReturn-0.2) > 1e-12 {
		t.Errorf("TotalReturn = %v, want 0.2", m.TotalReturn)
	}
	last := m.EquityCurve[len(m.EquityCurve)-1].Value
	if math.Abs(last-1.2) > 1e-12 {
		t.Errorf("equity curve ends at %v, want 1.2", last)
	}
	if m.Calmar == nil {
		t.Error("Calmar should be defined when there is a drawdown")
	}
}

func TestMaxDrawdown_Unrecovered(t *testing.T) {
	// Values 1.1, 0.88, 0.968: never back to 1.1.
	ep := maxDrawdown([]float64{0.1, -0.2, 0.1})
	if math.Abs(ep.depth-(-0.2)) > 1e-12 {
		t.Errorf("depth = %v, want -0.2", ep.depth)
	}
	if ep.recovery != -1 {
		t.Errorf("recovery = %d, want -1", ep.recovery)
	}
	if ep.duration != 2 {
		t.Errorf("duration = %d, want 2 (peak to series end)", ep.duration)
	}
}

func TestMaxDrawdown_MonotoneRise(t *testing.T) {
	ep := maxDrawdown([]float64{0.01, 0.02, 0.03})
	if ep.depth != 0 || ep.duration != 0 {
		t.Errorf("episode = %+v, want no drawdown", ep)
	}
}

func TestComputePerformance_AnnualizationIsGeometric(t *testing.T) {
	// Twelve monthly returns of 1% compound to 12.68%, not 12%.
	s := ReturnSeries{Frequency: Monthly}
	for m := 1; m <= 12; m++ {
		s.Dates = append(s.Dates, day(2023, time.Month(m), 28))
		s.Returns = append(s.Returns, 0.01)
	}
	m, err := ComputePerformance(s, PerformanceOptions{RiskFreeRate: 0.02})
	if err != nil {
		t.Fatal(err)
	}
	want := math.Pow(1.01, 12) - 1
	if math.Abs(m.AnnualReturn-want) > 1e-12 {
		t.Errorf("AnnualReturn = %v, want %v", m.AnnualReturn, want)
	}
	if m.AnnualVolatility > 1e-12 {
		t.Errorf("AnnualVolatility = %v, want 0", m.AnnualVolatility)
	}
	if m.Sharpe != nil {
		t.Errorf("Sharpe = %v, want nil for zero volatility", *m.Sharpe)
	}
	if m.Sortino != nil {
		t.Errorf("Sortino = %v, want nil without downside", *m.Sortino)
	}
	if m.Calmar != nil {
		t.Errorf("Calmar = %v, want nil without drawdown", *m.Calmar)
	}
}

func TestComputePerformance_SharpeAndVolatility(t *testing.T) {
	s := ReturnSeries{Frequency: Daily, Returns: []float64{0.01, -0.005, 0.007, -0.002, 0.004, 0.003}}
	s.Dates = businessDays(day(2024, 3, 1), len(s.Returns))
	m, err := ComputePerformance(s, PerformanceOptions{RiskFreeRate: 0.03})
	if err != nil {
		t.Fatal(err)
	}
	mu := 0.0
	for _, r := range s.Returns {
		mu += r
	}
	mu /= float64(len(s.Returns))
	ss := 0.0
	for _, r := range s.Returns {
		ss += (r - mu) * (r - mu)
	}
	vol := math.Sqrt(ss/float64(len(s.Returns)-1)) * math.Sqrt(252)
	if math.Abs(m.AnnualVolatility-vol) > 1e-12 {
		t.Errorf("AnnualVolatility = %v, want %v", m.AnnualVolatility, vol)
	}
	if m.Sharpe == nil || math.Abs(*m.Sharpe-(m.AnnualReturn-0.03)/vol) > 1e-9 {
		t.Errorf("Sharpe = %v, want %v", m.Sharpe, (m.AnnualReturn-0.03)/vol)
	}
	// Semideviation over all periods: √((0.005² + 0.002²)/6)·√252.
	dd := math.Sqrt((0.005*0.005+0.002*0.002)/6) * math.Sqrt(252)
	if m.Sortino == nil || math.Abs(*m.Sortino-(m.AnnualReturn-0.03)/dd) > 1e-9 {
		t.Errorf("Sortino = %v, want %v", m.Sortino, (m.AnnualReturn-0.03)/dd)
	}
	if m.Skewness == nil || m.ExcessKurtosis == nil {
		t.Error("higher moments should be defined for 6 points")
	}
}

func TestComputePerformance_EmptySeries(t *testing.T) {
	_, err := ComputePerformance(ReturnSeries{Frequency: Daily}, PerformanceOptions{})
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("err = %v, want InsufficientData", err)
	}
}

func TestHistoricalVaR_CVaRNotAboveVaR(t *testing.T) {
	p := historyProblem(t, 300, 11)
	for i := range p.Symbols {
		col := make([]float64, len(p.Returns))
		for k := range col {
			col[k] = p.Returns[k][i]
		}
		v, cv := historicalVaR(col, 0.05)
		if cv > v {
			t.Errorf("asset %d: CVaR %v > VaR %v", i, cv, v)
		}
	}
}

func TestHistoricalVaR_LinearPercentile(t *testing.T) {
	// 21 points 0..20 (%): the 5th percentile sits at rank 1.
	r := make([]float64, 21)
	for i := range r {
		r[i] = float64(i-10) / 100
	}
	v, cv := historicalVaR(r, 0.05)
	if math.Abs(v-(-0.09)) > 1e-12 {
		t.Errorf("VaR = %v, want -0.09", v)
	}
	if math.Abs(cv-(-0.095)) > 1e-12 {
		t.Errorf("CVaR = %v, want -0.095", cv)
	}
}

func TestMonthlyGrid_NullCellsAndNewestYearFirst(t *testing.T) {
	s := ReturnSeries{
		Frequency: Daily,
		Dates:     []time.Time{day(2023, 11, 15), day(2023, 11, 30), day(2024, 2, 1), day(2024, 2, 2)},
		Returns:   []float64{0.1, 0.1, -0.05, 0.02},
	}
	g := monthlyGrid(monthlyReturns(s))
	if len(g.Years) != 2 || g.Years[0] != 2024 || g.Years[1] != 2023 {
		t.Fatalf("Years = %v, want [2024 2023]", g.Years)
	}
	nov := g.Grid[1][10]
	if nov == nil || math.Abs(*nov-0.21) > 1e-12 {
		t.Errorf("2023-11 = %v, want 0.21", nov)
	}
	feb := g.Grid[0][1]
	if feb == nil || math.Abs(*feb-(0.95*1.02-1)) > 1e-12 {
		t.Errorf("2024-02 = %v, want %v", feb, 0.95*1.02-1)
	}
	if g.Grid[0][0] != nil || g.Grid[1][0] != nil {
		t.Error("months without data must be nil, not zero")
	}
}

func TestRollingReturns_OmitsLongWindows(t *testing.T) {
	var months []monthReturn
	for m := 0; m < 14; m++ {
		d := day(2022, time.January, 1).AddDate(0, m, 0)
		months = append(months, monthReturn{year: d.Year(), month: d.Month(), end: d, ret: 0.01})
	}
	out := rollingReturns(months, map[string]int{"1y": 12, "3y": 36})
	if _, ok := out["3y"]; ok {
		t.Error("3y window should be omitted with 14 months of data")
	}
	if got := len(out["1y"]); got != 3 {
		t.Fatalf("len(1y) = %d, want 3", got)
	}
	want := math.Pow(1.01, 12) - 1
	if math.Abs(out["1y"][0].Value-want) > 1e-12 {
		t.Errorf("1y = %v, want %v", out["1y"][0].Value, want)
	}
}

func TestStressReturns_SkipsWindowsOutsideCoverage(t *testing.T) {
	s := ReturnSeries{
		Frequency: Daily,
		Dates:     []time.Time{day(2020, 2, 20), day(2020, 3, 2), day(2020, 3, 23), day(2020, 4, 1)},
		Returns:   []float64{-0.05, -0.10, 0.02, 0.03},
	}
	windows := []StressWindow{
		{Name: "Covid-19", Start: day(2020, 2, 19), End: day(2020, 3, 23)},
		{Name: "2008 Crisis", Start: day(2007, 10, 9), End: day(2009, 3, 9)},
	}
	out := stressReturns(s, windows)
	if len(out) != 1 || out[0].Name != "Covid-19" {
		t.Fatalf("stress = %+v, want only Covid-19", out)
	}
	want := 0.95*0.90*1.02 - 1
	if math.Abs(out[0].Return-want) > 1e-12 || out[0].Periods != 3 {
		t.Errorf("Covid-19 = %+v, want return %v over 3 periods", out[0], want)
	}
}
