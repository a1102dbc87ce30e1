package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Frequency is the sampling period of a return series.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// PeriodsPerYear is the annualization scalar for the frequency.
func (f Frequency) PeriodsPerYear() float64 {
	switch f {
	case Weekly:
		return 52
	case Monthly:
		return 12
	default:
		return 252
	}
}

// ParseFrequency accepts the long names and the d/w/m shorthands.
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "d", "daily":
		return Daily, nil
	case "w", "weekly":
		return Weekly, nil
	case "m", "monthly":
		return Monthly, nil
	}
	return "", invalidf("frequency", "unknown frequency %q", s)
}

// ReturnKind selects simple or logarithmic period returns.
type ReturnKind string

const (
	SimpleReturns ReturnKind = "simple"
	LogReturns    ReturnKind = "log"
)

// PricePoint is one close price observation.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// ReturnSeries is the realized return path of one instrument or portfolio.
type ReturnSeries struct {
	Dates     []time.Time `json:"dates"`
	Returns   []float64   `json:"returns"`
	Frequency Frequency   `json:"frequency"`
}

// Len returns the number of periods.
func (s ReturnSeries) Len() int { return len(s.Returns) }

// ReturnMatrix is a set of return series aligned on one strictly increasing
// date index. Returns is indexed [period][asset].
type ReturnMatrix struct {
	Symbols   []string
	Dates     []time.Time
	Returns   [][]float64
	Frequency Frequency
}

// Len returns the number of aligned periods.
func (m *ReturnMatrix) Len() int { return len(m.Dates) }

// Index returns the column of symbol, or -1.
func (m *ReturnMatrix) Index(symbol string) int {
	for i, s := range m.Symbols {
		if s == symbol {
			return i
		}
	}
	return -1
}

// Column returns a copy of one asset's returns.
func (m *ReturnMatrix) Column(i int) []float64 {
	col := make([]float64, len(m.Returns))
	for t, row := range m.Returns {
		col[t] = row[i]
	}
	return col
}

// Series returns the single-asset series for symbol.
func (m *ReturnMatrix) Series(symbol string) (ReturnSeries, bool) {
	i := m.Index(symbol)
	if i < 0 {
		return ReturnSeries{}, false
	}
	return ReturnSeries{Dates: m.Dates, Returns: m.Column(i), Frequency: m.Frequency}, true
}

// Subset returns a matrix restricted to symbols, in the given order.
func (m *ReturnMatrix) Subset(symbols []string) (*ReturnMatrix, error) {
	idx := make([]int, len(symbols))
	for k, s := range symbols {
		i := m.Index(s)
		if i < 0 {
			return nil, &SymbolNotFoundError{Symbol: s}
		}
		idx[k] = i
	}
	out := &ReturnMatrix{
		Symbols:   append([]string(nil), symbols...),
		Dates:     m.Dates,
		Returns:   make([][]float64, len(m.Returns)),
		Frequency: m.Frequency,
	}
	for t, row := range m.Returns {
		r := make([]float64, len(idx))
		for k, i := range idx {
			r[k] = row[i]
		}
		out.Returns[t] = r
	}
	return out, nil
}

// Portfolio computes the weighted return path Σ wᵢ·rᵢ,ₜ. Symbols missing
// from weights contribute zero.
func (m *ReturnMatrix) Portfolio(weights WeightVector) ReturnSeries {
	w := make([]float64, len(m.Symbols))
	for i, s := range m.Symbols {
		w[i] = weights.Get(s)
	}
	out := ReturnSeries{
		Dates:     m.Dates,
		Returns:   make([]float64, len(m.Returns)),
		Frequency: m.Frequency,
	}
	for t, row := range m.Returns {
		out.Returns[t] = dotProduct(w, row)
	}
	return out
}

// WeightVector maps symbols to fractional weights, kept in symbol order.
type WeightVector struct {
	Symbols []string
	Weights []float64
}

// NewWeightVector pairs symbols with weights.
func NewWeightVector(symbols []string, weights []float64) WeightVector {
	return WeightVector{
		Symbols: append([]string(nil), symbols...),
		Weights: append([]float64(nil), weights...),
	}
}

// WeightsFromMap builds a vector over symbols; absent entries are zero.
func WeightsFromMap(symbols []string, m map[string]float64) WeightVector {
	w := make([]float64, len(symbols))
	for i, s := range symbols {
		w[i] = m[s]
	}
	return WeightVector{Symbols: append([]string(nil), symbols...), Weights: w}
}

// Get returns the weight of symbol, zero if absent.
func (v WeightVector) Get(symbol string) float64 {
	for i, s := range v.Symbols {
		if s == symbol {
			return v.Weights[i]
		}
	}
	return 0
}

// Sum returns Σw.
func (v WeightVector) Sum() float64 {
	s := 0.0
	for _, w := range v.Weights {
		s += w
	}
	return s
}

// Map returns the weights keyed by symbol at full precision.
func (v WeightVector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.Symbols))
	for i, s := range v.Symbols {
		m[s] = v.Weights[i]
	}
	return m
}

// Display returns the weights with entries below eps reported as zero.
func (v WeightVector) Display(eps float64) map[string]float64 {
	m := v.Map()
	for s, w := range m {
		if math.Abs(w) < eps {
			m[s] = 0
		}
	}
	return m
}

// Normalized rescales the vector to sum to 1. A zero-sum vector is returned unchanged.
func (v WeightVector) Normalized() WeightVector {
	sum := v.Sum()
	out := NewWeightVector(v.Symbols, v.Weights)
	if math.Abs(sum) < 1e-15 {
		return out
	}
	for i := range out.Weights {
		out.Weights[i] /= sum
	}
	return out
}

// Bound is an inclusive [Min, Max] weight interval.
type Bound struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// DefaultBound is the long-only, uncapped bound.
var DefaultBound = Bound{Min: 0, Max: 1}

// Constraints are the linear restrictions on a weight vector besides Σw = 1.
type Constraints struct {
	// Assets holds per-symbol bounds; missing symbols use DefaultBound.
	Assets map[string]Bound
	// Groups holds per-group bounds keyed by group name.
	Groups map[string]Bound
	// Membership maps symbols to group names. Ungrouped symbols are exempt.
	Membership map[string]string
}

// HasGroups reports whether any group bound is active.
func (c Constraints) HasGroups() bool { return len(c.Groups) > 0 }

// resolvedConstraints is the index-based form of Constraints used by solvers.
type resolvedConstraints struct {
	lower  []float64
	upper  []float64
	groups []resolvedGroup
}

type resolvedGroup struct {
	name    string
	members []int
	min     float64
	max     float64
}

// boundsActive reports whether any asset bound is tighter than [0,1].
func (rc *resolvedConstraints) boundsActive() bool {
	for i := range rc.lower {
		if rc.lower[i] > 0 || rc.upper[i] < 1 {
			return true
		}
	}
	return len(rc.groups) > 0
}

// resolve checks joint feasibility of the bounds for the given symbol order
// and converts them to slices. Every conflict is found without solving.
func (c Constraints) resolve(symbols []string) (*resolvedConstraints, error) {
	n := len(symbols)
	if n == 0 {
		return nil, invalidf("symbols", "no assets to allocate")
	}
	known := make(map[string]bool, n)
	for _, s := range symbols {
		known[s] = true
	}
	for s := range c.Assets {
		if !known[s] {
			return nil, invalidf("constraints", "bound for %s which is not in the universe", s)
		}
	}

	rc := &resolvedConstraints{
		lower: make([]float64, n),
		upper: make([]float64, n),
	}
	sumMin, sumMax := 0.0, 0.0
	for i, s := range symbols {
		b, ok := c.Assets[s]
		if !ok {
			b = DefaultBound
		}
		if math.IsNaN(b.Min) || math.IsNaN(b.Max) {
			return nil, invalidf("constraints", "bound for %s is NaN", s)
		}
		if b.Min > b.Max {
			return nil, infeasiblef("%s min %.4g exceeds max %.4g", s, b.Min, b.Max)
		}
		rc.lower[i], rc.upper[i] = b.Min, b.Max
		sumMin += b.Min
		sumMax += b.Max
	}
	if sumMin > 1+feasibilityTol {
		return nil, infeasiblef("asset minimums sum to %.4g > 1", sumMin)
	}
	if sumMax < 1-feasibilityTol {
		return nil, infeasiblef("asset maximums sum to %.4g < 1", sumMax)
	}

	if len(c.Groups) == 0 {
		return rc, nil
	}

	names := make([]string, 0, len(c.Groups))
	for name := range c.Groups {
		names = append(names, name)
	}
	sort.Strings(names)

	grouped := make([]bool, n)
	groupMinSum := 0.0
	// Largest attainable total: each group capped by its own max, ungrouped assets by theirs.
	attainable := 0.0
	for _, name := range names {
		b := c.Groups[name]
		if b.Min > b.Max {
			return nil, infeasiblef("group %s min %.4g exceeds max %.4g", name, b.Min, b.Max)
		}
		g := resolvedGroup{name: name, min: b.Min, max: b.Max}
		memberMin, memberMax := 0.0, 0.0
		for i, s := range symbols {
			if c.Membership[s] == name {
				g.members = append(g.members, i)
				grouped[i] = true
				memberMin += rc.lower[i]
				memberMax += rc.upper[i]
			}
		}
		if len(g.members) == 0 {
			if b.Min > feasibilityTol {
				return nil, infeasiblef("group %s requires %.4g but has no members", name, b.Min)
			}
			continue
		}
		if b.Min > memberMax+feasibilityTol {
			return nil, infeasiblef("group %s min %.4g exceeds its members' max total %.4g", name, b.Min, memberMax)
		}
		if b.Max < memberMin-feasibilityTol {
			return nil, infeasiblef("group %s max %.4g is below its members' min total %.4g", name, b.Max, memberMin)
		}
		groupMinSum += math.Max(b.Min, memberMin)
		attainable += math.Min(b.Max, memberMax)
		rc.groups = append(rc.groups, g)
	}
	for i := range symbols {
		if !grouped[i] {
			attainable += rc.upper[i]
			groupMinSum += rc.lower[i]
		}
	}
	if groupMinSum > 1+feasibilityTol {
		return nil, infeasiblef("group minimums sum to %.4g > 1", groupMinSum)
	}
	if attainable < 1-feasibilityTol {
		return nil, infeasiblef("group maximums allow at most %.4g of capital", attainable)
	}
	return rc, nil
}

// groupWeights sums weights per group name for the given symbol order.
func groupWeights(symbols []string, weights []float64, membership map[string]string) map[string]float64 {
	out := make(map[string]float64)
	for i, s := range symbols {
		if g, ok := membership[s]; ok {
			out[g] += weights[i]
		}
	}
	return out
}

// OptimizationRequest is one solve of one objective.
type OptimizationRequest struct {
	Objective    ObjectiveID
	Target       *float64
	Constraints  Constraints
	Resamples    int
	RiskFreeRate float64
	// Benchmark is the periodic benchmark return path aligned with Problem.Returns.
	Benchmark []float64
	// Views are absolute annualized return views for black_litterman.
	Views map[string]float64
	// MarketWeights is the equilibrium portfolio for black_litterman; equal weight when empty.
	MarketWeights map[string]float64
}

// OptimizationResult carries the weights and how the solve went.
type OptimizationResult struct {
	Objective      ObjectiveID      `json:"objective"`
	Weights        WeightVector     `json:"-"`
	ObjectiveValue float64          `json:"objective_value"`
	Converged      bool             `json:"converged"`
	Residual       float64          `json:"residual"`
	Iterations     int              `json:"iterations"`
	Restarts       int              `json:"restarts"`
	Warnings       []string         `json:"warnings,omitempty"`
	Resampling     *ResampleSummary `json:"resampling,omitempty"`
}

func (r *OptimizationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
