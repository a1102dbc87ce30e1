package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"portfolio-optimizer/internal/logger"
)

// ComparatorOptions are the defaults applied to every comparison.
type ComparatorOptions struct {
	RiskFreeRate    float64
	Frequency       Frequency
	Kind            ReturnKind
	MinPeriods      int
	Estimator       CovarianceEstimator
	Solver          SolverSettings
	Performance     PerformanceOptions
	Diversification DiversificationOptions
	FrontierPoints  int
	ScatterPoints   int
}

// DefaultComparatorOptions returns the engine defaults.
func DefaultComparatorOptions() ComparatorOptions {
	return ComparatorOptions{
		RiskFreeRate:   0.04,
		Frequency:      Daily,
		Kind:           SimpleReturns,
		MinPeriods:     defaultMinPeriods,
		Estimator:      SampleCovariance,
		Solver:         DefaultSolverSettings(),
		FrontierPoints: 30,
		ScatterPoints:  200,
	}
}

// Comparator builds the optimized, user and benchmark portfolios for one
// date window and reports their statistics side by side.
type Comparator struct {
	Prices  PriceHistoryProvider
	Groups  GroupProvider // optional; required for group constraints
	Options ComparatorOptions
}

// NewComparator creates a Comparator over the given collaborators.
func NewComparator(prices PriceHistoryProvider, groups GroupProvider, opts ComparatorOptions) *Comparator {
	return &Comparator{Prices: prices, Groups: groups, Options: opts}
}

// CompareRequest is one comparison run.
type CompareRequest struct {
	// Symbols is the optimization universe.
	Symbols   []string
	Start     time.Time
	End       time.Time
	Frequency Frequency // options default when empty

	// Optimization holds the objective, target and constraints. Its
	// RiskFreeRate and Benchmark are filled in by Compare.
	Optimization OptimizationRequest
	RiskFreeRate *float64

	// UserWeights and BenchmarkWeights may reference symbols outside the
	// optimization universe; they are normalized to sum to 1.
	UserWeights      map[string]float64
	BenchmarkWeights map[string]float64

	UseGroupConstraints    bool
	IncludeDiversification bool
	IncludeFrontier        bool
	FrontierPoints         int
	ScatterPoints          int
	HealthWeights          *HealthWeights
}

// Period is the aligned analysis window actually used.
type Period struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Periods   int       `json:"periods"`
	Frequency Frequency `json:"frequency"`
}

// Allocation is one display row of a portfolio.
type Allocation struct {
	Symbol  string          `json:"symbol"`
	Weight  float64         `json:"weight"`
	Percent decimal.Decimal `json:"percent"` // rounded half-up to 2 dp
}

// PortfolioReport is the per-portfolio part of a comparison.
type PortfolioReport struct {
	Name            string                  `json:"name"`
	Weights         map[string]float64      `json:"weights"`
	Allocations     []Allocation            `json:"allocations"`
	Performance     *PerformanceMetrics     `json:"performance"`
	Diversification *DiversificationMetrics `json:"diversification,omitempty"`
}

// GroupAllocation compares realized group weights with the group bound.
type GroupAllocation struct {
	Group              string   `json:"group"`
	Bound              *Bound   `json:"bound,omitempty"`
	Optimized          float64  `json:"optimized"`
	User               *float64 `json:"user,omitempty"`
	OptimizedViolation bool     `json:"optimized_violation"`
	UserViolation      bool     `json:"user_violation"`
}

// ComparisonResult is the full comparison payload.
type ComparisonResult struct {
	RunID        string              `json:"run_id"`
	Period       Period              `json:"period"`
	Optimization *OptimizationResult `json:"optimization"`
	Optimized    *PortfolioReport    `json:"optimized"`
	User         *PortfolioReport    `json:"user,omitempty"`
	Benchmark    *PortfolioReport    `json:"benchmark,omitempty"`
	Symbols      []string            `json:"symbols"`
	Correlation  [][]float64         `json:"correlation"`
	Covariance   [][]float64         `json:"covariance"`
	Frontier     []FrontierPoint     `json:"frontier,omitempty"`
	Scatter      []ScatterPoint      `json:"scatter,omitempty"`
	Groups       []GroupAllocation   `json:"groups,omitempty"`
	Warnings     []string            `json:"warnings,omitempty"`
	Elapsed      time.Duration       `json:"elapsed_ns"`
}

// Compare runs the full pipeline: build aligned returns, optimize, then
// compute performance and diversification for each portfolio.
func (c *Comparator) Compare(ctx context.Context, req CompareRequest) (*ComparisonResult, error) {
	start := time.Now()
	opts := c.Options
	if len(req.Symbols) == 0 {
		return nil, invalidf("symbols", "at least one symbol is required")
	}
	userW, err := normalizedWeights("user_weights", req.UserWeights)
	if err != nil {
		return nil, err
	}
	benchW, err := normalizedWeights("benchmark_weights", req.BenchmarkWeights)
	if err != nil {
		return nil, err
	}
	universe := unionSymbols(req.Symbols, userW, benchW)

	freq := req.Frequency
	if freq == "" {
		freq = opts.Frequency
	}
	rf := opts.RiskFreeRate
	if req.RiskFreeRate != nil {
		rf = *req.RiskFreeRate
	}
	healthWeights, healthWarning := ResolveHealthWeights(req.HealthWeights)

	logger.Info("COMPARE", fmt.Sprintf("%d symbols (%d with user/benchmark), %s, objective %s",
		len(req.Symbols), len(universe), freq, req.Optimization.Objective))

	full, err := BuildReturnMatrix(ctx, c.Prices, SeriesRequest{
		Symbols:    universe,
		Start:      req.Start,
		End:        req.End,
		Frequency:  freq,
		MinPeriods: opts.MinPeriods,
		Kind:       opts.Kind,
	})
	if err != nil {
		return nil, err
	}
	fullModel, err := NewRiskModel(full, opts.Estimator)
	if err != nil {
		return nil, err
	}
	sub, err := full.Subset(req.Symbols)
	if err != nil {
		return nil, err
	}
	model, err := NewRiskModel(sub, opts.Estimator)
	if err != nil {
		return nil, err
	}
	problem, err := NewProblem(model, sub)
	if err != nil {
		return nil, err
	}

	optReq := req.Optimization
	optReq.RiskFreeRate = rf
	if len(benchW) > 0 {
		optReq.Benchmark = full.Portfolio(WeightsFromMap(full.Symbols, benchW)).Returns
	}
	if req.UseGroupConstraints {
		if optReq.Constraints.Membership == nil {
			if c.Groups == nil {
				return nil, invalidf("groups", "group constraints requested without a group provider")
			}
			membership, err := c.Groups.GroupsForSymbols(ctx, req.Symbols)
			if err != nil {
				return nil, fmt.Errorf("load asset groups: %w", err)
			}
			optReq.Constraints.Membership = membership
		}
	} else {
		optReq.Constraints.Groups = nil
	}

	optRes, err := Optimize(ctx, problem, optReq, opts.Solver)
	if err != nil {
		return nil, err
	}

	out := &ComparisonResult{
		RunID:        uuid.NewString(),
		Period:       Period{Start: full.Dates[0], End: full.Dates[full.Len()-1], Periods: full.Len(), Frequency: freq},
		Optimization: optRes,
		Symbols:      full.Symbols,
		Correlation:  symRows(fullModel.Corr),
		Covariance:   symRows(fullModel.Cov),
	}
	if healthWarning != "" {
		out.Warnings = append(out.Warnings, healthWarning)
	}
	out.Warnings = append(out.Warnings, optRes.Warnings...)

	perfOpts := opts.Performance
	perfOpts.RiskFreeRate = rf
	divOpts := opts.Diversification
	divOpts.Weights = healthWeights
	if divOpts.ZeroEpsilon <= 0 {
		divOpts.ZeroEpsilon = opts.Solver.ZeroEpsilon
	}
	report := func(name string, w map[string]float64) (*PortfolioReport, error) {
		vec := WeightsFromMap(full.Symbols, w)
		return portfolioReport(name, full, fullModel, vec, perfOpts, divOpts, req.IncludeDiversification)
	}

	if out.Optimized, err = report("optimized", optRes.Weights.Map()); err != nil {
		return nil, err
	}
	if len(userW) > 0 {
		if out.User, err = report("user", userW); err != nil {
			return nil, err
		}
	}
	if len(benchW) > 0 {
		if out.Benchmark, err = report("benchmark", benchW); err != nil {
			return nil, err
		}
	}

	if req.UseGroupConstraints {
		var user []float64
		if len(userW) > 0 {
			user = WeightsFromMap(req.Symbols, userW).Weights
		}
		out.Groups = groupAllocations(req.Symbols, optRes.Weights.Weights, user, optReq.Constraints)
		for _, g := range out.Groups {
			if g.OptimizedViolation {
				out.Warnings = append(out.Warnings, fmt.Sprintf("optimized weight in group %s (%.4f) is outside its bound", g.Group, g.Optimized))
			}
		}
	}

	if req.IncludeFrontier {
		points := req.FrontierPoints
		if points <= 0 {
			points = opts.FrontierPoints
		}
		scatter := req.ScatterPoints
		if scatter <= 0 {
			scatter = opts.ScatterPoints
		}
		frontierConstraints := optReq.Constraints
		seq, err := EfficientFrontier(ctx, problem, FrontierRequest{Constraints: frontierConstraints, Points: points, RiskFreeRate: rf}, opts.Solver)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("efficient frontier unavailable: %v", err))
		} else {
			for pt := range seq {
				out.Frontier = append(out.Frontier, pt)
			}
			if len(out.Frontier) < points {
				out.Warnings = append(out.Warnings, fmt.Sprintf("%d of %d frontier targets were infeasible and omitted", points-len(out.Frontier), points))
			}
		}
		if out.Scatter, err = RandomScatter(problem, frontierConstraints, scatter, rf, opts.Solver.Seed); err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("random portfolios unavailable: %v", err))
		}
	}

	out.Elapsed = time.Since(start)
	logger.Success("COMPARE", fmt.Sprintf("run %s: %s over %d periods in %s", out.RunID, optRes.Objective, full.Len(), out.Elapsed.Round(time.Millisecond)))
	return out, nil
}

func portfolioReport(name string, m *ReturnMatrix, model *RiskModel, w WeightVector, perf PerformanceOptions, div DiversificationOptions, withDiv bool) (*PortfolioReport, error) {
	perfMetrics, err := ComputePerformance(m.Portfolio(w), perf)
	if err != nil {
		return nil, fmt.Errorf("%s performance: %w", name, err)
	}
	r := &PortfolioReport{
		Name:        name,
		Weights:     w.Display(div.ZeroEpsilon),
		Allocations: Allocations(w, div.ZeroEpsilon),
		Performance: perfMetrics,
	}
	if withDiv {
		r.Diversification, err = ComputeDiversification(model, w.Weights, perfMetrics.Sharpe, perfMetrics.MaxDrawdown, div)
		if err != nil {
			return nil, fmt.Errorf("%s diversification: %w", name, err)
		}
	}
	return r, nil
}

// Allocations lists the held positions, largest first, with percentages
// rounded half-up to two decimals. Weights below eps are dropped.
func Allocations(w WeightVector, eps float64) []Allocation {
	var out []Allocation
	for i, s := range w.Symbols {
		if math.Abs(w.Weights[i]) < eps {
			continue
		}
		out = append(out, Allocation{
			Symbol:  s,
			Weight:  w.Weights[i],
			Percent: decimal.NewFromFloat(w.Weights[i] * 100).Round(2),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// groupAllocations sums weights per group and flags those outside their bound.
func groupAllocations(symbols []string, optimized, user []float64, c Constraints) []GroupAllocation {
	names := make(map[string]bool)
	for _, g := range c.Membership {
		names[g] = true
	}
	for g := range c.Groups {
		names[g] = true
	}
	opt := groupWeights(symbols, optimized, c.Membership)
	var usr map[string]float64
	if user != nil {
		usr = groupWeights(symbols, user, c.Membership)
	}

	out := make([]GroupAllocation, 0, len(names))
	for name := range names {
		ga := GroupAllocation{Group: name, Optimized: opt[name]}
		if user != nil {
			ga.User = ptr(usr[name])
		}
		if b, ok := c.Groups[name]; ok {
			ga.Bound = &b
			ga.OptimizedViolation = outside(ga.Optimized, b)
			if ga.User != nil {
				ga.UserViolation = outside(*ga.User, b)
			}
		}
		out = append(out, ga)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

func outside(v float64, b Bound) bool {
	return v < b.Min-feasibilityTol || v > b.Max+feasibilityTol
}

// normalizedWeights rescales m to sum to 1; nil stays nil.
func normalizedWeights(field string, m map[string]float64) (map[string]float64, error) {
	if len(m) == 0 {
		return nil, nil
	}
	sum := 0.0
	for s, w := range m {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, invalidf(field, "weight for %s is not finite", s)
		}
		sum += w
	}
	if sum <= 0 {
		return nil, invalidf(field, "weights sum to %.4g, want a positive total", sum)
	}
	out := make(map[string]float64, len(m))
	for s, w := range m {
		out[s] = w / sum
	}
	return out, nil
}

// unionSymbols keeps base order, then appends extra symbols sorted by name.
func unionSymbols(base []string, extras ...map[string]float64) []string {
	seen := make(map[string]bool, len(base))
	out := append([]string(nil), base...)
	for _, s := range base {
		seen[s] = true
	}
	var more []string
	for _, m := range extras {
		for s := range m {
			if !seen[s] {
				seen[s] = true
				more = append(more, s)
			}
		}
	}
	sort.Strings(more)
	return append(out, more...)
}
