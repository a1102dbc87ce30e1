// Package report renders comparison results as PNG charts and text tables.
package report

import (
	"errors"
	"fmt"
	"math"

	"github.com/vicanso/go-charts/v2"

	"portfolio-optimizer/internal/engine"
)

var errNoCurves = errors.New("no curves to plot")

// portfolios returns the non-nil reports of a comparison in display order.
func portfolios(res *engine.ComparisonResult) []*engine.PortfolioReport {
	var out []*engine.PortfolioReport
	for _, p := range []*engine.PortfolioReport{res.Optimized, res.User, res.Benchmark} {
		if p != nil && p.Performance != nil {
			out = append(out, p)
		}
	}
	return out
}

// EquityChart plots the growth of 1 for every portfolio in res.
func EquityChart(res *engine.ComparisonResult) ([]byte, error) {
	return curveChart(res, "Equity", func(m *engine.PerformanceMetrics) []engine.CurvePoint {
		return m.EquityCurve
	}, 1)
}

// DrawdownChart plots the drawdown path (in percent) of every portfolio in res.
func DrawdownChart(res *engine.ComparisonResult) ([]byte, error) {
	return curveChart(res, "Drawdown %", func(m *engine.PerformanceMetrics) []engine.CurvePoint {
		return m.DrawdownCurve
	}, 100)
}

func curveChart(res *engine.ComparisonResult, title string, pick func(*engine.PerformanceMetrics) []engine.CurvePoint, scale float64) ([]byte, error) {
	reports := portfolios(res)
	if len(reports) == 0 {
		return nil, errNoCurves
	}

	// All portfolios share the aligned calendar, but guard against ragged input.
	n := math.MaxInt
	for _, r := range reports {
		n = min(n, len(pick(r.Performance)))
	}
	if n < 2 {
		return nil, errNoCurves
	}

	first := pick(reports[0].Performance)
	xLabels := make([]string, n)
	for i := 0; i < n; i++ {
		if n <= 60 {
			xLabels[i] = first[i].Date.Format("Jan 02")
		} else {
			xLabels[i] = first[i].Date.Format("Jan '06")
		}
	}

	values := make([][]float64, 0, len(reports))
	names := make([]string, 0, len(reports))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range reports {
		curve := pick(r.Performance)
		vs := make([]float64, n)
		for i := 0; i < n; i++ {
			vs[i] = curve[i].Value * scale
			lo = math.Min(lo, vs[i])
			hi = math.Max(hi, vs[i])
		}
		values = append(values, vs)
		names = append(names, r.Name)
	}
	pad := (hi - lo) * 0.05
	if pad == 0 {
		pad = math.Max(math.Abs(hi)*0.05, 0.01)
	}
	yMin, yMax := lo-pad, hi+pad

	split := 6
	if n <= 30 {
		split = max(n/3, 3)
	}

	seriesList := charts.NewSeriesListDataFromValues(values, charts.ChartTypeLine)
	for i := range seriesList {
		seriesList[i].Name = names[i]
	}
	subtitle := fmt.Sprintf("%s to %s, %d periods",
		res.Period.Start.Format("2006-01-02"), res.Period.End.Format("2006-01-02"), res.Period.Periods)

	painter, err := charts.Render(charts.ChartOption{SeriesList: seriesList},
		charts.TitleTextOptionFunc(title, subtitle),
		charts.XAxisOptionFunc(charts.XAxisOption{Data: xLabels, BoundaryGap: charts.FalseFlag(), SplitNumber: split}),
		charts.YAxisOptionFunc(charts.YAxisOption{Min: &yMin, Max: &yMax, DivideCount: 5}),
		charts.LegendOptionFunc(charts.LegendOption{Data: names}),
		charts.ThemeOptionFunc(charts.ThemeLight),
		charts.WidthOptionFunc(1000),
		charts.HeightOptionFunc(600),
	)
	if err != nil {
		return nil, fmt.Errorf("render %s chart: %w", title, err)
	}
	return painter.Bytes()
}

// FrontierChart plots frontier volatility and return (in percent) against
// the frontier point index.
func FrontierChart(points []engine.FrontierPoint) ([]byte, error) {
	if len(points) < 2 {
		return nil, errors.New("frontier needs at least 2 points")
	}
	risk := make([]float64, len(points))
	ret := make([]float64, len(points))
	xLabels := make([]string, len(points))
	for i, p := range points {
		risk[i] = p.Risk * 100
		ret[i] = p.Return * 100
		xLabels[i] = fmt.Sprintf("%.1f%%", p.Target*100)
	}

	names := []string{"Volatility %", "Return %"}
	seriesList := charts.NewSeriesListDataFromValues([][]float64{risk, ret}, charts.ChartTypeLine)
	for i := range seriesList {
		seriesList[i].Name = names[i]
	}
	painter, err := charts.Render(charts.ChartOption{SeriesList: seriesList},
		charts.TitleTextOptionFunc("Efficient frontier", "by target return"),
		charts.XAxisOptionFunc(charts.XAxisOption{Data: xLabels, BoundaryGap: charts.FalseFlag()}),
		charts.LegendOptionFunc(charts.LegendOption{Data: names}),
		charts.ThemeOptionFunc(charts.ThemeLight),
		charts.WidthOptionFunc(1000),
		charts.HeightOptionFunc(600),
	)
	if err != nil {
		return nil, fmt.Errorf("render frontier chart: %w", err)
	}
	return painter.Bytes()
}
