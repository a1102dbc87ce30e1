package engine

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// StressWindow is a named historical date range replayed against a portfolio.
type StressWindow struct {
	Name  string    `json:"name"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CurvePoint is one dated value of a curve (equity, drawdown, rolling return).
type CurvePoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// StressResult is the compounded return over one stress window.
type StressResult struct {
	Name    string    `json:"name"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Return  float64   `json:"return"`
	Periods int       `json:"periods"`
}

// MonthlyGrid is a year × month table of compounded monthly returns.
// Grid[i][m] is nil when year Years[i] has no data in month m+1.
type MonthlyGrid struct {
	Years []int          `json:"years"`
	Grid  [][12]*float64 `json:"grid"`
}

// PerformanceOptions tunes ComputePerformance.
type PerformanceOptions struct {
	RiskFreeRate float64
	// MinAcceptableReturn is the per-period Sortino threshold (usually 0).
	MinAcceptableReturn float64
	StressWindows       []StressWindow
	// Confidence for VaR/CVaR; 0.95 when zero.
	Confidence float64
}

// PerformanceMetrics summarizes one realized return path. Ratios that are
// undefined for the input (zero volatility, no drawdown) are nil.
type PerformanceMetrics struct {
	Periods          int      `json:"periods"`
	TotalReturn      float64  `json:"total_return"`
	AnnualReturn     float64  `json:"annual_return"`     // geometric
	AnnualVolatility float64  `json:"annual_volatility"` // sample std × √periods
	Sharpe           *float64 `json:"sharpe"`
	Sortino          *float64 `json:"sortino"`
	Calmar           *float64 `json:"calmar"`

	MaxDrawdown         float64    `json:"max_drawdown"` // ≤ 0
	MaxDrawdownDuration int        `json:"max_drawdown_duration"`
	DrawdownPeak        *time.Time `json:"drawdown_peak,omitempty"`
	DrawdownTrough      *time.Time `json:"drawdown_trough,omitempty"`
	DrawdownRecovery    *time.Time `json:"drawdown_recovery,omitempty"` // nil while unrecovered

	VaR  float64 `json:"var_95"`  // per-period historical VaR as a return
	CVaR float64 `json:"cvar_95"` // mean return at or below VaR

	Skewness       *float64 `json:"skewness"`
	ExcessKurtosis *float64 `json:"excess_kurtosis"`

	EquityCurve   []CurvePoint            `json:"equity_curve"`
	DrawdownCurve []CurvePoint            `json:"drawdown_curve"`
	Monthly       MonthlyGrid             `json:"monthly"`
	Rolling       map[string][]CurvePoint `json:"rolling,omitempty"`
	Stress        []StressResult          `json:"stress"`
}

// ComputePerformance derives PerformanceMetrics from one return series.
func ComputePerformance(s ReturnSeries, opts PerformanceOptions) (*PerformanceMetrics, error) {
	n := len(s.Returns)
	if n == 0 {
		return nil, &InsufficientDataError{Have: 0, Need: 1}
	}
	if len(s.Dates) != n {
		return nil, invalidf("series", "%d dates for %d returns", len(s.Dates), n)
	}
	ppy := s.Frequency.PeriodsPerYear()
	conf := opts.Confidence
	if conf <= 0 || conf >= 1 {
		conf = 0.95
	}

	m := &PerformanceMetrics{Periods: n}
	m.TotalReturn = compound(s.Returns)
	m.AnnualReturn = annualizeTotal(m.TotalReturn, float64(n)/ppy)

	if n > 1 {
		sd := stat.StdDev(s.Returns, nil)
		if !math.IsNaN(sd) {
			m.AnnualVolatility = sd * math.Sqrt(ppy)
		}
	}
	excess := m.AnnualReturn - opts.RiskFreeRate
	if m.AnnualVolatility > zeroVolatility {
		m.Sharpe = ptr(excess / m.AnnualVolatility)
	}
	if dd := downsideDeviation(s.Returns, opts.MinAcceptableReturn) * math.Sqrt(ppy); dd > zeroVolatility {
		m.Sortino = ptr(excess / dd)
	}

	m.EquityCurve, m.DrawdownCurve = equityAndDrawdown(s)
	dd := maxDrawdown(s.Returns)
	m.MaxDrawdown = dd.depth
	m.MaxDrawdownDuration = dd.duration
	if dd.depth < 0 {
		m.DrawdownPeak = ptr(s.Dates[dd.peak])
		m.DrawdownTrough = ptr(s.Dates[dd.trough])
		if dd.recovery >= 0 {
			m.DrawdownRecovery = ptr(s.Dates[dd.recovery])
		}
		m.Calmar = ptr(m.AnnualReturn / math.Abs(dd.depth))
	}

	m.VaR, m.CVaR = historicalVaR(s.Returns, 1-conf)

	if n >= 3 {
		if v := stat.Skew(s.Returns, nil); !math.IsNaN(v) && !math.IsInf(v, 0) {
			m.Skewness = ptr(v)
		}
	}
	if n >= 4 {
		if v := stat.ExKurtosis(s.Returns, nil); !math.IsNaN(v) && !math.IsInf(v, 0) {
			m.ExcessKurtosis = ptr(v)
		}
	}

	monthly := monthlyReturns(s)
	m.Monthly = monthlyGrid(monthly)
	m.Rolling = rollingReturns(monthly, map[string]int{"1y": 12, "3y": 36})
	m.Stress = stressReturns(s, opts.StressWindows)
	return m, nil
}

// zeroVolatility is the threshold under which a volatility is treated as zero.
const zeroVolatility = 1e-12

func ptr[T any](v T) *T { return &v }

// compound returns Π(1+rₜ) − 1.
func compound(returns []float64) float64 {
	v := 1.0
	for _, r := range returns {
		v *= 1 + r
	}
	return v - 1
}

// annualizeTotal converts a total return over years into a CAGR.
func annualizeTotal(total, years float64) float64 {
	if years <= 0 {
		return 0
	}
	if total <= -1 {
		return -1
	}
	return math.Pow(1+total, 1/years) - 1
}

// downsideDeviation is the per-period semideviation √(mean(min(0, r−mar)²)).
func downsideDeviation(returns []float64, mar float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		if d := r - mar; d < 0 {
			sum += d * d
		}
	}
	return math.Sqrt(sum / float64(len(returns)))
}

func equityAndDrawdown(s ReturnSeries) (equity, drawdown []CurvePoint) {
	equity = make([]CurvePoint, len(s.Returns))
	drawdown = make([]CurvePoint, len(s.Returns))
	value, peak := 1.0, math.Inf(-1)
	for t, r := range s.Returns {
		value *= 1 + r
		if value > peak {
			peak = value
		}
		equity[t] = CurvePoint{Date: s.Dates[t], Value: value}
		drawdown[t] = CurvePoint{Date: s.Dates[t], Value: value/peak - 1}
	}
	return equity, drawdown
}

type drawdownEpisode struct {
	depth    float64
	peak     int
	trough   int
	recovery int // -1 when unrecovered
	duration int
}

// maxDrawdown finds the deepest peak-to-trough decline of the value path
// Π(1+r). Duration counts periods from the peak to the first period back at
// or above the peak, or to the last period when it never recovers.
func maxDrawdown(returns []float64) drawdownEpisode {
	ep := drawdownEpisode{recovery: -1}
	if len(returns) == 0 {
		return ep
	}
	values := make([]float64, len(returns))
	v := 1.0
	for t, r := range returns {
		v *= 1 + r
		values[t] = v
	}
	peakIdx := 0
	for t, val := range values {
		if val > values[peakIdx] {
			peakIdx = t
		}
		dd := val/values[peakIdx] - 1
		if dd < ep.depth {
			ep.depth = dd
			ep.peak = peakIdx
			ep.trough = t
		}
	}
	if ep.depth == 0 {
		return ep
	}
	peakValue := values[ep.peak]
	for t := ep.trough + 1; t < len(values); t++ {
		if values[t] >= peakValue {
			ep.recovery = t
			break
		}
	}
	if ep.recovery >= 0 {
		ep.duration = ep.recovery - ep.peak
	} else {
		ep.duration = len(values) - 1 - ep.peak
	}
	return ep
}

// historicalVaR returns the alpha-quantile of returns (linear interpolation
// between order statistics) and the mean of returns at or below it.
func historicalVaR(returns []float64, alpha float64) (varValue, cvar float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	varValue = percentileSorted(sorted, alpha)
	sum, count := 0.0, 0
	for _, r := range sorted {
		if r > varValue {
			break
		}
		sum += r
		count++
	}
	if count == 0 {
		return varValue, sorted[0]
	}
	return varValue, sum / float64(count)
}

// percentileSorted interpolates linearly at rank p·(n−1).
func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

type monthReturn struct {
	year  int
	month time.Month
	end   time.Time
	ret   float64
}

// monthlyReturns compounds the series into calendar months, oldest first.
func monthlyReturns(s ReturnSeries) []monthReturn {
	var out []monthReturn
	for t, r := range s.Returns {
		d := s.Dates[t]
		if k := len(out) - 1; k >= 0 && out[k].year == d.Year() && out[k].month == d.Month() {
			out[k].ret = (1+out[k].ret)*(1+r) - 1
			out[k].end = d
			continue
		}
		out = append(out, monthReturn{year: d.Year(), month: d.Month(), end: d, ret: r})
	}
	return out
}

// monthlyGrid pivots monthly returns into years (newest first) × months.
func monthlyGrid(months []monthReturn) MonthlyGrid {
	var g MonthlyGrid
	row := make(map[int]int)
	for i := len(months) - 1; i >= 0; i-- {
		y := months[i].year
		if _, ok := row[y]; !ok {
			row[y] = len(g.Years)
			g.Years = append(g.Years, y)
			g.Grid = append(g.Grid, [12]*float64{})
		}
	}
	for _, m := range months {
		g.Grid[row[m.year]][m.month-1] = ptr(m.ret)
	}
	return g
}

// rollingReturns annualizes trailing compounded returns over each named
// window of months. Windows longer than the history are omitted.
func rollingReturns(months []monthReturn, windows map[string]int) map[string][]CurvePoint {
	out := make(map[string][]CurvePoint)
	for name, w := range windows {
		if w <= 0 || len(months) < w {
			continue
		}
		var curve []CurvePoint
		for end := w - 1; end < len(months); end++ {
			v := 1.0
			for _, m := range months[end-w+1 : end+1] {
				v *= 1 + m.ret
			}
			curve = append(curve, CurvePoint{
				Date:  months[end].end,
				Value: annualizeTotal(v-1, float64(w)/12),
			})
		}
		out[name] = curve
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// stressReturns compounds the series over each window it overlaps.
func stressReturns(s ReturnSeries, windows []StressWindow) []StressResult {
	var out []StressResult
	for _, w := range windows {
		v, count := 1.0, 0
		for t, d := range s.Dates {
			if d.Before(w.Start) || d.After(w.End) {
				continue
			}
			v *= 1 + s.Returns[t]
			count++
		}
		if count == 0 {
			continue
		}
		out = append(out, StressResult{Name: w.Name, Start: w.Start, End: w.End, Return: v - 1, Periods: count})
	}
	return out
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}
