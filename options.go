package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"portfolio-optimizer/internal/config"
	"portfolio-optimizer/internal/engine"
	"portfolio-optimizer/internal/metrics"
)

// engineOptions maps the application config onto comparator options.
func engineOptions(cfg *config.Config, rec *metrics.Recorder) (engine.ComparatorOptions, error) {
	e := cfg.Engine
	opts := engine.DefaultComparatorOptions()

	freq, err := engine.ParseFrequency(e.Frequency)
	if err != nil {
		return opts, err
	}
	kind, err := parseReturnKind(e.ReturnKind)
	if err != nil {
		return opts, err
	}
	est, err := engine.ParseCovarianceEstimator(e.CovarianceEstimator)
	if err != nil {
		return opts, err
	}
	bets, err := engine.BetsEstimatorByName(e.BetsMethod)
	if err != nil {
		return opts, err
	}
	linkage, err := parseLinkage(e.HRPLinkage)
	if err != nil {
		return opts, err
	}
	method, err := engine.ParseResampleMethod(e.Resample.Method)
	if err != nil {
		return opts, err
	}

	windows := make([]engine.StressWindow, 0, len(cfg.Stress))
	for _, w := range cfg.Stress {
		start, end, err := w.Dates()
		if err != nil {
			return opts, err
		}
		windows = append(windows, engine.StressWindow{Name: w.Name, Start: start, End: end})
	}

	opts.RiskFreeRate = e.RiskFreeRate
	opts.Frequency = freq
	opts.Kind = kind
	opts.MinPeriods = e.MinPeriods
	opts.Estimator = est
	opts.FrontierPoints = e.FrontierPoints
	opts.ScatterPoints = e.ScatterPoints
	opts.Performance = engine.PerformanceOptions{StressWindows: windows}
	opts.Diversification = engine.DiversificationOptions{
		Weights: engine.HealthWeights(cfg.Health.Weights),
		Scale: engine.HealthScale{
			Sharpe:   breakpoints(cfg.Health.Sharpe),
			DivRatio: breakpoints(cfg.Health.DivRatio),
			HHI:      breakpoints(cfg.Health.HHI),
			Drawdown: breakpoints(cfg.Health.Drawdown),
		},
		Bands:       engine.HHIBands{WellDiversified: cfg.Health.WellDiversifiedHHI, Concentrated: cfg.Health.ConcentratedHHI},
		Bets:        bets,
		ZeroEpsilon: e.ZeroWeightEpsilon,
	}
	s := e.Solver
	r := e.Resample
	opts.Solver = engine.SolverSettings{
		Restarts:                s.Restarts,
		MaxIterations:           s.MaxIterations,
		OuterIterations:         s.OuterIterations,
		Tolerance:               s.Tolerance,
		Timeout:                 s.Timeout,
		Seed:                    s.Seed,
		ZeroEpsilon:             e.ZeroWeightEpsilon,
		RiskParityMaxIterations: s.RiskParityMaxIterations,
		HRPLinkage:              linkage,
		Resample: engine.ResampleSettings{
			Count:              r.Default,
			Min:                r.Min,
			Max:                r.Max,
			BlockSize:          r.BlockSize,
			Method:             method,
			MinSuccessFraction: r.MinSuccessFraction,
			RetryFraction:      r.RetryFraction,
			BaseSeed:           r.BaseSeed,
			Workers:            r.Workers,
			Estimator:          est,
		},
		Metrics: rec,
	}
	return opts, nil
}

func breakpoints(in []config.Breakpoint) []engine.Breakpoint {
	if len(in) == 0 {
		return nil
	}
	out := make([]engine.Breakpoint, len(in))
	for i, b := range in {
		out[i] = engine.Breakpoint{Value: b.Value, Score: b.Score}
	}
	return out
}

func parseReturnKind(s string) (engine.ReturnKind, error) {
	switch strings.ToLower(s) {
	case "", "simple":
		return engine.SimpleReturns, nil
	case "log":
		return engine.LogReturns, nil
	}
	return "", fmt.Errorf("unknown return kind %q", s)
}

func parseLinkage(s string) (engine.Linkage, error) {
	switch strings.ToLower(s) {
	case "", "single":
		return engine.SingleLinkage, nil
	case "average":
		return engine.AverageLinkage, nil
	}
	return "", fmt.Errorf("unknown HRP linkage %q", s)
}

// parseWeights reads "SPY.US=0.6,TLT.US=0.4" (or repeated flags) into a map.
func parseWeights(items []string) (map[string]float64, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(items))
	for _, item := range items {
		sym, v, ok := strings.Cut(item, "=")
		sym = strings.TrimSpace(sym)
		if !ok || sym == "" {
			return nil, fmt.Errorf("weight %q: want SYMBOL=VALUE", item)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("weight %q: %w", item, err)
		}
		if _, dup := out[sym]; dup {
			return nil, fmt.Errorf("weight for %s given twice", sym)
		}
		out[sym] = f
	}
	return out, nil
}

// parseBounds reads "NAME=MIN:MAX" items. Either side may be empty to keep
// the default 0 or 1.
func parseBounds(items []string) (map[string]engine.Bound, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]engine.Bound, len(items))
	for _, item := range items {
		name, rng, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		lo, hi, ok2 := strings.Cut(rng, ":")
		if !ok || !ok2 || name == "" {
			return nil, fmt.Errorf("bound %q: want NAME=MIN:MAX", item)
		}
		b := engine.DefaultBound
		var err error
		if lo = strings.TrimSpace(lo); lo != "" {
			if b.Min, err = strconv.ParseFloat(lo, 64); err != nil {
				return nil, fmt.Errorf("bound %q: %w", item, err)
			}
		}
		if hi = strings.TrimSpace(hi); hi != "" {
			if b.Max, err = strconv.ParseFloat(hi, 64); err != nil {
				return nil, fmt.Errorf("bound %q: %w", item, err)
			}
		}
		if b.Min > b.Max {
			return nil, fmt.Errorf("bound %q: min exceeds max", item)
		}
		out[name] = b
	}
	return out, nil
}

// parseHealthWeights reads "SHARPE,DIVRATIO,HHI,DRAWDOWN" integer percentages.
func parseHealthWeights(s string) (*engine.HealthWeights, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("health weights %q: want 4 comma-separated integers", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("health weights %q: %w", s, err)
		}
		v[i] = n
	}
	return &engine.HealthWeights{Sharpe: v[0], DivRatio: v[1], HHI: v[2], Drawdown: v[3]}, nil
}

// parseDate accepts YYYY-MM-DD; empty is the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}
