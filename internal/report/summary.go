package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"portfolio-optimizer/internal/engine"
)

// WriteSummary prints the comparison as aligned text tables.
func WriteSummary(w io.Writer, res *engine.ComparisonResult) error {
	reports := portfolios(res)
	if len(reports) == 0 {
		return errNoCurves
	}

	fmt.Fprintf(w, "Run %s\n", res.RunID)
	fmt.Fprintf(w, "Period %s to %s (%d %s periods)\n",
		res.Period.Start.Format("2006-01-02"), res.Period.End.Format("2006-01-02"),
		res.Period.Periods, res.Period.Frequency)
	if o := res.Optimization; o != nil {
		fmt.Fprintf(w, "Objective %s, converged=%v, restarts=%d\n", o.Objective, o.Converged, o.Restarts)
		if rs := o.Resampling; rs != nil {
			fmt.Fprintf(w, "Resampled %d/%d (%s, block %d)\n", rs.Used, rs.Requested, rs.Method, rs.BlockSize)
		}
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	header := []string{"metric"}
	for _, r := range reports {
		header = append(header, r.Name)
	}
	fmt.Fprintln(tw, strings.Join(header, "\t")+"\t")

	row := func(label string, f func(*engine.PortfolioReport) string) {
		cells := []string{label}
		for _, r := range reports {
			cells = append(cells, f(r))
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t")+"\t")
	}
	perf := func(f func(*engine.PerformanceMetrics) string) func(*engine.PortfolioReport) string {
		return func(r *engine.PortfolioReport) string { return f(r.Performance) }
	}
	row("total return", perf(func(m *engine.PerformanceMetrics) string { return pct(m.TotalReturn) }))
	row("annual return", perf(func(m *engine.PerformanceMetrics) string { return pct(m.AnnualReturn) }))
	row("volatility", perf(func(m *engine.PerformanceMetrics) string { return pct(m.AnnualVolatility) }))
	row("sharpe", perf(func(m *engine.PerformanceMetrics) string { return ratio(m.Sharpe) }))
	row("sortino", perf(func(m *engine.PerformanceMetrics) string { return ratio(m.Sortino) }))
	row("calmar", perf(func(m *engine.PerformanceMetrics) string { return ratio(m.Calmar) }))
	row("max drawdown", perf(func(m *engine.PerformanceMetrics) string { return pct(m.MaxDrawdown) }))
	row("VaR 95", perf(func(m *engine.PerformanceMetrics) string { return pct(m.VaR) }))
	row("CVaR 95", perf(func(m *engine.PerformanceMetrics) string { return pct(m.CVaR) }))

	if reports[0].Diversification != nil {
		div := func(f func(*engine.DiversificationMetrics) string) func(*engine.PortfolioReport) string {
			return func(r *engine.PortfolioReport) string {
				if r.Diversification == nil {
					return "-"
				}
				return f(r.Diversification)
			}
		}
		row("HHI", div(func(d *engine.DiversificationMetrics) string { return fmt.Sprintf("%.3f %s", d.HHI, d.HHILabel) }))
		row("div ratio", div(func(d *engine.DiversificationMetrics) string { return ratio(d.DiversificationRatio) }))
		row("effective bets", div(func(d *engine.DiversificationMetrics) string { return ratio(d.EffectiveBets) }))
		row("health", div(func(d *engine.DiversificationMetrics) string { return fmt.Sprintf("%.1f", d.HealthScore) }))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if res.Optimized != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Allocation")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, a := range res.Optimized.Allocations {
			fmt.Fprintf(tw, "  %s\t%s%%\n", a.Symbol, a.Percent.StringFixed(2))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	for _, g := range res.Groups {
		flag := ""
		if g.OptimizedViolation || g.UserViolation {
			flag = "  VIOLATION"
		}
		fmt.Fprintf(w, "group %s: %s%s\n", g.Group, pct(g.Optimized), flag)
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintln(w)
		for _, warn := range res.Warnings {
			fmt.Fprintf(w, "warning: %s\n", warn)
		}
	}
	return nil
}

func pct(v float64) string { return fmt.Sprintf("%.2f%%", v*100) }

func ratio(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}
