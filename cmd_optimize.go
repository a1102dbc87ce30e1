package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"portfolio-optimizer/internal/engine"
	"portfolio-optimizer/internal/logger"
	"portfolio-optimizer/internal/report"
)

// compareFlags are the inputs shared by optimize and frontier.
type compareFlags struct {
	Symbols       []string `json:"symbols"`
	Objective     string   `json:"objective"`
	Target        *float64 `json:"target,omitempty"`
	Start         string   `json:"start,omitempty"`
	End           string   `json:"end,omitempty"`
	Frequency     string   `json:"frequency,omitempty"`
	RiskFree      *float64 `json:"risk_free_rate,omitempty"`
	User          []string `json:"user,omitempty"`
	Benchmark     []string `json:"benchmark,omitempty"`
	Bounds        []string `json:"bounds,omitempty"`
	GroupBounds   []string `json:"group_bounds,omitempty"`
	Views         []string `json:"views,omitempty"`
	MarketWeights []string `json:"market_weights,omitempty"`
	Resamples     int      `json:"resamples,omitempty"`
	HealthWeights string   `json:"health_weights,omitempty"`
	Groups        bool     `json:"groups"`
	Frontier      bool     `json:"frontier"`
	Points        int      `json:"points,omitempty"`

	target   float64
	riskFree float64
}

func (f *compareFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringSliceVarP(&f.Symbols, "symbols", "s", nil, "optimization universe, e.g. SPY.US,TLT.US,GLD.US")
	fl.StringVarP(&f.Objective, "objective", "o", string(engine.MaxSharpe), "objective id (see `objectives`)")
	fl.Float64Var(&f.target, "target", 0, "target return, volatility or CVaR for *_target objectives")
	fl.StringVar(&f.Start, "start", "", "first date YYYY-MM-DD (default: full history)")
	fl.StringVar(&f.End, "end", "", "last date YYYY-MM-DD (default: today)")
	fl.StringVar(&f.Frequency, "frequency", "", "daily | weekly | monthly (default from config)")
	fl.Float64Var(&f.riskFree, "rf", 0, "annual risk-free rate (default from config)")
	fl.StringSliceVar(&f.User, "user", nil, "user portfolio weights SYMBOL=W")
	fl.StringSliceVar(&f.Benchmark, "benchmark", nil, "benchmark weights SYMBOL=W")
	fl.StringSliceVar(&f.Bounds, "bound", nil, "asset bound SYMBOL=MIN:MAX")
	fl.StringSliceVar(&f.GroupBounds, "group-bound", nil, "group bound GROUP=MIN:MAX (implies --groups)")
	fl.StringSliceVar(&f.Views, "view", nil, "Black-Litterman absolute view SYMBOL=RETURN")
	fl.StringSliceVar(&f.MarketWeights, "market-weight", nil, "Black-Litterman equilibrium weights SYMBOL=W")
	fl.IntVar(&f.Resamples, "resamples", 0, "resample count for robust_ objectives (default from config)")
	fl.StringVar(&f.HealthWeights, "health-weights", "", "health score weights SHARPE,DIVRATIO,HHI,DRAWDOWN")
	fl.BoolVar(&f.Groups, "groups", false, "apply asset-group constraints from stored asset metadata")
	cmd.MarkFlagRequired("symbols")
}

// request turns the flags into a comparison request.
func (f *compareFlags) request(cmd *cobra.Command, a *app) (engine.CompareRequest, error) {
	var req engine.CompareRequest
	fl := cmd.Flags()
	if fl.Changed("target") {
		f.Target = &f.target
	}
	if fl.Changed("rf") {
		f.RiskFree = &f.riskFree
	}

	objective, err := engine.ParseObjective(f.Objective)
	if err != nil {
		return req, err
	}
	start, err := parseDate(f.Start)
	if err != nil {
		return req, err
	}
	end, err := parseDate(f.End)
	if err != nil {
		return req, err
	}
	var freq engine.Frequency
	if f.Frequency != "" {
		if freq, err = engine.ParseFrequency(f.Frequency); err != nil {
			return req, err
		}
	}
	user, err := parseWeights(f.User)
	if err != nil {
		return req, err
	}
	bench, err := parseWeights(f.Benchmark)
	if err != nil {
		return req, err
	}
	bounds, err := parseBounds(f.Bounds)
	if err != nil {
		return req, err
	}
	groupBounds, err := parseBounds(f.GroupBounds)
	if err != nil {
		return req, err
	}
	views, err := parseWeights(f.Views)
	if err != nil {
		return req, err
	}
	market, err := parseWeights(f.MarketWeights)
	if err != nil {
		return req, err
	}
	health, err := parseHealthWeights(f.HealthWeights)
	if err != nil {
		return req, err
	}
	if health == nil {
		hw := engine.HealthWeights(a.cfg.Health.Weights)
		health = &hw
	}

	symbols := make([]string, 0, len(f.Symbols))
	for _, s := range f.Symbols {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, strings.ToUpper(s))
		}
	}

	req = engine.CompareRequest{
		Symbols:   symbols,
		Start:     start,
		End:       end,
		Frequency: freq,
		Optimization: engine.OptimizationRequest{
			Objective: objective,
			Target:    f.Target,
			Constraints: engine.Constraints{
				Assets: bounds,
				Groups: groupBounds,
			},
			Resamples:     f.Resamples,
			Views:         views,
			MarketWeights: market,
		},
		RiskFreeRate:           f.RiskFree,
		UserWeights:            user,
		BenchmarkWeights:       bench,
		UseGroupConstraints:    f.Groups || len(groupBounds) > 0,
		IncludeDiversification: true,
		IncludeFrontier:        f.Frontier,
		FrontierPoints:         f.Points,
		HealthWeights:          health,
	}
	return req, nil
}

func newOptimizeCmd(a *app) *cobra.Command {
	var (
		f        compareFlags
		asJSON   bool
		chartDir string
		noSave   bool
	)
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Optimize a portfolio and compare it with user and benchmark portfolios",
		Example: `  portfolio-optimizer optimize -s SPY.US,TLT.US,GLD.US -o max_sharpe --start 2018-01-01
  portfolio-optimizer optimize -s SPY.US,TLT.US -o min_vol_target_return --target 0.06 --user SPY.US=60,TLT.US=40`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(cmd, a)
			if err != nil {
				return err
			}
			cmp, err := a.comparator()
			if err != nil {
				return err
			}
			res, err := cmp.Compare(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !noSave {
				if err := a.store.InsertRun(res, f); err != nil {
					logger.Warn("RUNS", fmt.Sprintf("save run %s: %v", res.RunID, err))
				}
			}
			if chartDir != "" {
				if err := writeCharts(chartDir, res); err != nil {
					return err
				}
			}
			return printResult(cmd.OutOrStdout(), res, asJSON)
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&f.Frontier, "frontier", false, "also compute the efficient frontier and random portfolios")
	cmd.Flags().IntVar(&f.Points, "points", 0, "frontier points (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().StringVar(&chartDir, "chart-dir", "", "write equity/drawdown (and frontier) PNGs to this directory")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not record the run in the database")
	return cmd
}

func newFrontierCmd(a *app) *cobra.Command {
	var (
		f        compareFlags
		asJSON   bool
		chartDir string
	)
	cmd := &cobra.Command{
		Use:   "frontier",
		Short: "Trace the efficient frontier for a set of symbols",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Frontier = true
			req, err := f.request(cmd, a)
			if err != nil {
				return err
			}
			req.IncludeDiversification = false
			cmp, err := a.comparator()
			if err != nil {
				return err
			}
			res, err := cmp.Compare(cmd.Context(), req)
			if err != nil {
				return err
			}
			if chartDir != "" {
				if err := writeCharts(chartDir, res); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Symbols  []string               `json:"symbols"`
					Frontier []engine.FrontierPoint `json:"frontier"`
					Scatter  []engine.ScatterPoint  `json:"scatter"`
					Warnings []string               `json:"warnings,omitempty"`
				}{res.Symbols, res.Frontier, res.Scatter, res.Warnings})
			}
			return writeFrontier(out, res)
		},
	}
	f.bind(cmd)
	cmd.Flags().IntVar(&f.Points, "points", 0, "frontier points (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print points as JSON")
	cmd.Flags().StringVar(&chartDir, "chart-dir", "", "write a frontier PNG to this directory")
	return cmd
}

func printResult(w io.Writer, res *engine.ComparisonResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return report.WriteSummary(w, res)
}

func writeFrontier(w io.Writer, res *engine.ComparisonResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "target\treturn\tvolatility\tsharpe\t")
	for _, p := range res.Frontier {
		sharpe := "n/a"
		if p.Sharpe != nil {
			sharpe = fmt.Sprintf("%.3f", *p.Sharpe)
		}
		fmt.Fprintf(tw, "%.2f%%\t%.2f%%\t%.2f%%\t%s\t\n", p.Target*100, p.Return*100, p.Risk*100, sharpe)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	return nil
}

// writeCharts renders every chart the result has data for.
func writeCharts(dir string, res *engine.ComparisonResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	charts := map[string]func() ([]byte, error){
		"equity.png":   func() ([]byte, error) { return report.EquityChart(res) },
		"drawdown.png": func() ([]byte, error) { return report.DrawdownChart(res) },
	}
	if len(res.Frontier) >= 2 {
		charts["frontier.png"] = func() ([]byte, error) { return report.FrontierChart(res.Frontier) }
	}
	for name, render := range charts {
		png, err := render()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, png, 0o644); err != nil {
			return err
		}
		logger.Info("REPORT", "wrote "+path)
	}
	return nil
}
