package engine

import (
	"context"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/diff/fd"
)

// ObjectiveID names an optimization objective.
type ObjectiveID string

const (
	MaxSharpe               ObjectiveID = "max_sharpe"
	MinVolatility           ObjectiveID = "min_volatility"
	MaxReturn               ObjectiveID = "max_return"
	MaxReturnTargetVol      ObjectiveID = "max_return_target_vol"
	MinVolTargetReturn      ObjectiveID = "min_vol_target_return"
	MinCVaR                 ObjectiveID = "min_cvar"
	MinCVaRTargetReturn     ObjectiveID = "min_cvar_target_return"
	MaxReturnTargetCVaR     ObjectiveID = "max_return_target_cvar"
	MinTrackingError        ObjectiveID = "min_tracking_error"
	MaxInformationRatio     ObjectiveID = "max_information_ratio"
	MaxExcessReturnTargetTE ObjectiveID = "max_excess_return_target_te"
	MaxKelly                ObjectiveID = "max_kelly"
	MinDrawdownTargetReturn ObjectiveID = "min_drawdown_target_return"
	MaxOmegaTargetReturn    ObjectiveID = "max_omega_target_return"
	MaxSortinoTargetReturn  ObjectiveID = "max_sortino_target_return"
	BlackLitterman          ObjectiveID = "black_litterman"
	EqualWeight             ObjectiveID = "equal_weight"
	RiskParity              ObjectiveID = "risk_parity"
	HierarchicalRiskParity  ObjectiveID = "hrp"
)

// robustPrefix marks an objective wrapped in resampling.
const robustPrefix = "robust_"

// Robust returns the resampled variant of id.
func (id ObjectiveID) Robust() ObjectiveID { return ObjectiveID(robustPrefix + string(id)) }

// Base strips the robust prefix.
func (id ObjectiveID) Base() (ObjectiveID, bool) {
	if s, ok := strings.CutPrefix(string(id), robustPrefix); ok {
		return ObjectiveID(s), true
	}
	return id, false
}

// TargetKind is the quantity an objective's target value constrains.
type TargetKind string

const (
	TargetNone          TargetKind = ""
	TargetReturn        TargetKind = "return"         // annualized expected return floor
	TargetVolatility    TargetKind = "volatility"     // annualized volatility ceiling
	TargetCVaR          TargetKind = "cvar"           // per-period CVaR floor, as a return
	TargetTrackingError TargetKind = "tracking_error" // annualized tracking error ceiling
)

// Family groups objectives by how they are solved.
type Family string

const (
	FamilyNonlinear Family = "nonlinear"
	FamilyHeuristic Family = "heuristic"
)

// objective is one row of the dispatch table.
type objective struct {
	id             ObjectiveID
	family         Family
	target         TargetKind
	needsHistory   bool
	needsBenchmark bool
	// convex objectives are solved from the equal-weight start only.
	convex bool
	// smooth objectives skip the Nelder-Mead polish.
	smooth bool
	build  func(p *Problem, req *OptimizationRequest) *program
	// allocate solves heuristic objectives.
	allocate func(ctx context.Context, p *Problem, rc *resolvedConstraints, s SolverSettings, res *OptimizationResult) ([]float64, error)
}

var objectiveTable = map[ObjectiveID]objective{
	MaxSharpe:               {family: FamilyNonlinear, smooth: true, build: buildMaxSharpe},
	MinVolatility:           {family: FamilyNonlinear, convex: true, smooth: true, build: buildMinVolatility},
	MaxReturn:               {family: FamilyNonlinear, convex: true, smooth: true, build: buildMaxReturn},
	MaxReturnTargetVol:      {family: FamilyNonlinear, target: TargetVolatility, convex: true, smooth: true, build: buildMaxReturnTargetVol},
	MinVolTargetReturn:      {family: FamilyNonlinear, target: TargetReturn, convex: true, smooth: true, build: buildMinVolTargetReturn},
	MinCVaR:                 {family: FamilyNonlinear, needsHistory: true, build: buildMinCVaR},
	MinCVaRTargetReturn:     {family: FamilyNonlinear, target: TargetReturn, needsHistory: true, build: buildMinCVaR},
	MaxReturnTargetCVaR:     {family: FamilyNonlinear, target: TargetCVaR, needsHistory: true, build: buildMaxReturnTargetCVaR},
	MinTrackingError:        {family: FamilyNonlinear, needsHistory: true, needsBenchmark: true, convex: true, smooth: true, build: buildMinTrackingError},
	MaxInformationRatio:     {family: FamilyNonlinear, needsHistory: true, needsBenchmark: true, smooth: true, build: buildMaxInformationRatio},
	MaxExcessReturnTargetTE: {family: FamilyNonlinear, target: TargetTrackingError, needsHistory: true, needsBenchmark: true, convex: true, smooth: true, build: buildMaxExcessReturnTargetTE},
	MaxKelly:                {family: FamilyNonlinear, needsHistory: true, smooth: true, build: buildMaxKelly},
	MinDrawdownTargetReturn: {family: FamilyNonlinear, target: TargetReturn, needsHistory: true, build: buildMinDrawdown},
	MaxOmegaTargetReturn:    {family: FamilyNonlinear, target: TargetReturn, needsHistory: true, build: buildMaxOmega},
	MaxSortinoTargetReturn:  {family: FamilyNonlinear, target: TargetReturn, needsHistory: true, build: buildMaxSortino},
	BlackLitterman:          {family: FamilyNonlinear, convex: true, smooth: true, build: buildBlackLitterman},
	EqualWeight:             {family: FamilyHeuristic, allocate: allocateEqualWeight},
	RiskParity:              {family: FamilyHeuristic, allocate: allocateRiskParity},
	HierarchicalRiskParity:  {family: FamilyHeuristic, allocate: allocateHRP},
}

func init() {
	for id, o := range objectiveTable {
		o.id = id
		objectiveTable[id] = o
	}
}

// ObjectiveInfo describes an objective for listings.
type ObjectiveInfo struct {
	ID             ObjectiveID `json:"id"`
	Family         Family      `json:"family"`
	Target         TargetKind  `json:"target,omitempty"`
	NeedsHistory   bool        `json:"needs_history"`
	NeedsBenchmark bool        `json:"needs_benchmark"`
	Robust         bool        `json:"robust"`
}

// Objectives lists every base objective and robust variant, sorted by id.
func Objectives() []ObjectiveInfo {
	var out []ObjectiveInfo
	for id, o := range objectiveTable {
		info := ObjectiveInfo{ID: id, Family: o.family, Target: o.target, NeedsHistory: o.needsHistory, NeedsBenchmark: o.needsBenchmark}
		out = append(out, info)
		if o.family == FamilyNonlinear {
			info.ID = id.Robust()
			info.Robust = true
			info.NeedsHistory = true
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParseObjective resolves an identifier, including robust_ variants.
func ParseObjective(s string) (ObjectiveID, error) {
	id := ObjectiveID(strings.ToLower(strings.TrimSpace(s)))
	base, robust := id.Base()
	o, ok := objectiveTable[base]
	if !ok {
		return "", invalidf("objective", "unknown objective %q", s)
	}
	if robust && o.family != FamilyNonlinear {
		return "", invalidf("objective", "%s has no robust variant", base)
	}
	return id, nil
}

// validate checks that the request carries what the objective needs.
func (o objective) validate(p *Problem, req *OptimizationRequest) error {
	if o.target != TargetNone {
		if req.Target == nil {
			return invalidf("target", "%s requires a target %s", o.id, o.target)
		}
		t := *req.Target
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return invalidf("target", "target must be finite")
		}
		if (o.target == TargetVolatility || o.target == TargetTrackingError) && t <= 0 {
			return invalidf("target", "%s target must be positive, got %g", o.target, t)
		}
	}
	if o.needsHistory && len(p.Returns) < 2 {
		return invalidf("returns", "%s needs a return history", o.id)
	}
	if o.needsBenchmark {
		if len(req.Benchmark) == 0 {
			return invalidf("benchmark", "%s needs a benchmark return series", o.id)
		}
		if len(req.Benchmark) != len(p.Returns) {
			return invalidf("benchmark", "benchmark has %d periods, returns have %d", len(req.Benchmark), len(p.Returns))
		}
	}
	if o.id == BlackLitterman {
		for sym := range req.Views {
			if indexOf(p.Symbols, sym) < 0 {
				return invalidf("views", "view on %s which is not in the universe", sym)
			}
		}
	}
	return nil
}

func indexOf(symbols []string, s string) int {
	for i, v := range symbols {
		if v == s {
			return i
		}
	}
	return -1
}

// program is a smooth-or-not minimization over weights with inequality
// constraints gⱼ(w) ≤ 0. Box bounds and Σw = 1 are handled by projection.
type program struct {
	f        func(w []float64) float64
	grad     func(dst, w []float64)
	cons     []inequality
	warnings []string
}

type inequality struct {
	name string
	g    func(w []float64) float64
	grad func(dst, w []float64)
}

// numericalGradient differentiates f by central differences.
func numericalGradient(f func([]float64) float64) func(dst, w []float64) {
	settings := &fd.Settings{Formula: fd.Central, Step: 1e-5}
	return func(dst, w []float64) {
		fd.Gradient(dst, f, w, settings)
	}
}

// --- mean-variance objectives ---

func buildMaxSharpe(p *Problem, req *OptimizationRequest) *program {
	rf := req.RiskFreeRate
	return &program{
		f: func(w []float64) float64 {
			vol := math.Sqrt(portfolioVariance(w, p.Cov))
			return -(portfolioReturn(w, p.Mean) - rf) / math.Max(vol, zeroVolatility)
		},
		grad: func(dst, w []float64) {
			sw := marginalRisk(w, p.Cov)
			vol := math.Max(math.Sqrt(math.Max(dotProduct(w, sw), 0)), zeroVolatility)
			ex := portfolioReturn(w, p.Mean) - rf
			for i := range dst {
				dst[i] = -(p.Mean[i]/vol - ex*sw[i]/(vol*vol*vol))
			}
		},
	}
}

func buildMinVolatility(p *Problem, _ *OptimizationRequest) *program {
	return &program{f: varianceFunc(p), grad: varianceGrad(p)}
}

func buildMaxReturn(p *Problem, _ *OptimizationRequest) *program {
	return &program{f: negReturnFunc(p), grad: negReturnGrad(p)}
}

func buildMaxReturnTargetVol(p *Problem, req *OptimizationRequest) *program {
	t := *req.Target
	return &program{
		f:    negReturnFunc(p),
		grad: negReturnGrad(p),
		cons: []inequality{{
			name: "volatility",
			g:    func(w []float64) float64 { return portfolioVariance(w, p.Cov) - t*t },
			grad: varianceGrad(p),
		}},
	}
}

func buildMinVolTargetReturn(p *Problem, req *OptimizationRequest) *program {
	return &program{
		f:    varianceFunc(p),
		grad: varianceGrad(p),
		cons: []inequality{returnFloor(p, *req.Target)},
	}
}

func varianceFunc(p *Problem) func([]float64) float64 {
	return func(w []float64) float64 { return portfolioVariance(w, p.Cov) }
}

func varianceGrad(p *Problem) func(dst, w []float64) {
	return func(dst, w []float64) {
		sw := marginalRisk(w, p.Cov)
		for i := range dst {
			dst[i] = 2 * sw[i]
		}
	}
}

func negReturnFunc(p *Problem) func([]float64) float64 {
	return func(w []float64) float64 { return -portfolioReturn(w, p.Mean) }
}

func negReturnGrad(p *Problem) func(dst, w []float64) {
	return func(dst, _ []float64) {
		for i := range dst {
			dst[i] = -p.Mean[i]
		}
	}
}

// returnFloor is target − μᵀw ≤ 0.
func returnFloor(p *Problem, target float64) inequality {
	return inequality{
		name: "return",
		g:    func(w []float64) float64 { return target - portfolioReturn(w, p.Mean) },
		grad: negReturnGrad(p),
	}
}

// withReturnFloor appends the return floor when the request carries a target.
func withReturnFloor(prog *program, p *Problem, req *OptimizationRequest) *program {
	if req.Target != nil {
		prog.cons = append(prog.cons, returnFloor(p, *req.Target))
	}
	return prog
}

// --- history-based objectives ---

// cvarAlpha is the tail probability used by CVaR objectives.
const cvarAlpha = 0.05

func portfolioCVaR(p *Problem, w []float64) float64 {
	_, c := historicalVaR(p.portfolioReturns(w), cvarAlpha)
	return c
}

func buildMinCVaR(p *Problem, req *OptimizationRequest) *program {
	f := func(w []float64) float64 { return -portfolioCVaR(p, w) }
	return withReturnFloor(&program{f: f, grad: numericalGradient(f)}, p, req)
}

// buildMaxReturnTargetCVaR reads the target as a CVaR return floor; a
// positive target is taken as a loss magnitude.
func buildMaxReturnTargetCVaR(p *Problem, req *OptimizationRequest) *program {
	t := -math.Abs(*req.Target)
	g := func(w []float64) float64 { return t - portfolioCVaR(p, w) }
	return &program{
		f:    negReturnFunc(p),
		grad: negReturnGrad(p),
		cons: []inequality{{name: "cvar", g: g, grad: numericalGradient(g)}},
	}
}

// activeStats holds the mean and sample variance of the active return d = Rw − b
// together with their gradients.
type activeStats struct {
	mean, variance float64
	gradMean       []float64
	gradVariance   []float64
}

func (p *Problem) active(w, bench []float64) activeStats {
	T, n := len(p.Returns), len(w)
	d := p.portfolioReturns(w)
	for t := range d {
		d[t] -= bench[t]
	}
	st := activeStats{mean: mean(d), gradMean: p.columnMeans(), gradVariance: make([]float64, n)}
	if T < 2 {
		return st
	}
	for t, row := range p.Returns {
		dev := d[t] - st.mean
		st.variance += dev * dev
		for i := range st.gradVariance {
			st.gradVariance[i] += 2 * dev * (row[i] - st.gradMean[i])
		}
	}
	st.variance /= float64(T - 1)
	for i := range st.gradVariance {
		st.gradVariance[i] /= float64(T - 1)
	}
	return st
}

func buildMinTrackingError(p *Problem, req *OptimizationRequest) *program {
	ppy := p.PeriodsPerYear
	return &program{
		// Tracking error squared keeps the objective smooth at zero.
		f: func(w []float64) float64 { return p.active(w, req.Benchmark).variance * ppy },
		grad: func(dst, w []float64) {
			st := p.active(w, req.Benchmark)
			for i := range dst {
				dst[i] = st.gradVariance[i] * ppy
			}
		},
	}
}

func buildMaxInformationRatio(p *Problem, req *OptimizationRequest) *program {
	k := math.Sqrt(p.PeriodsPerYear)
	return &program{
		f: func(w []float64) float64 {
			st := p.active(w, req.Benchmark)
			sd := math.Sqrt(st.variance)
			if sd <= zeroVolatility {
				return 0
			}
			return -k * st.mean / sd
		},
		grad: func(dst, w []float64) {
			st := p.active(w, req.Benchmark)
			sd := math.Sqrt(st.variance)
			if sd <= zeroVolatility {
				for i := range dst {
					dst[i] = -k * st.gradMean[i] / zeroVolatility
				}
				return
			}
			for i := range dst {
				dst[i] = -k * (st.gradMean[i]/sd - st.mean*st.gradVariance[i]/(2*sd*sd*sd))
			}
		},
	}
}

func buildMaxExcessReturnTargetTE(p *Problem, req *OptimizationRequest) *program {
	ppy := p.PeriodsPerYear
	te := *req.Target
	return &program{
		f: func(w []float64) float64 { return -p.active(w, req.Benchmark).mean * ppy },
		grad: func(dst, w []float64) {
			cm := p.columnMeans()
			for i := range dst {
				dst[i] = -cm[i] * ppy
			}
		},
		cons: []inequality{{
			name: "tracking_error",
			g:    func(w []float64) float64 { return p.active(w, req.Benchmark).variance*ppy - te*te },
			grad: func(dst, w []float64) {
				st := p.active(w, req.Benchmark)
				for i := range dst {
					dst[i] = st.gradVariance[i] * ppy
				}
			},
		}},
	}
}

// kellyFloor keeps log(1+r) finite for wipe-out periods.
const kellyFloor = 1e-9

// buildMaxKelly maximizes the annualized expected log growth ppy·mean(log(1+rₜ)).
func buildMaxKelly(p *Problem, _ *OptimizationRequest) *program {
	ppy := p.PeriodsPerYear
	T := float64(len(p.Returns))
	return &program{
		f: func(w []float64) float64 {
			g := 0.0
			for _, r := range p.portfolioReturns(w) {
				g += math.Log(math.Max(1+r, kellyFloor))
			}
			return -ppy * g / T
		},
		grad: func(dst, w []float64) {
			for i := range dst {
				dst[i] = 0
			}
			r := p.portfolioReturns(w)
			for t, row := range p.Returns {
				inv := 1 / math.Max(1+r[t], kellyFloor)
				for i := range dst {
					dst[i] -= ppy * row[i] * inv / T
				}
			}
		},
	}
}

// buildMinDrawdown minimizes the magnitude of the in-sample max drawdown.
func buildMinDrawdown(p *Problem, req *OptimizationRequest) *program {
	f := func(w []float64) float64 { return -maxDrawdown(p.portfolioReturns(w)).depth }
	return withReturnFloor(&program{f: f, grad: numericalGradient(f)}, p, req)
}

// buildMaxOmega uses the per-period risk-free rate as the Omega threshold.
func buildMaxOmega(p *Problem, req *OptimizationRequest) *program {
	tau := req.RiskFreeRate / p.PeriodsPerYear
	f := func(w []float64) float64 {
		gains, losses := 0.0, 0.0
		for _, r := range p.portfolioReturns(w) {
			if r > tau {
				gains += r - tau
			} else {
				losses += tau - r
			}
		}
		return -gains / math.Max(losses, 1e-9)
	}
	return withReturnFloor(&program{f: f, grad: numericalGradient(f)}, p, req)
}

func buildMaxSortino(p *Problem, req *OptimizationRequest) *program {
	ppy := p.PeriodsPerYear
	rf := req.RiskFreeRate
	f := func(w []float64) float64 {
		r := p.portfolioReturns(w)
		dd := downsideDeviation(r, 0) * math.Sqrt(ppy)
		return -(mean(r)*ppy - rf) / math.Max(dd, 1e-6)
	}
	return withReturnFloor(&program{f: f, grad: numericalGradient(f)}, p, req)
}
