package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"portfolio-optimizer/internal/logger"
	"portfolio-optimizer/internal/metrics"
)

const (
	// feasibilityTol is the largest constraint violation accepted as feasible.
	feasibilityTol = 1e-6
	// tieTol is the relative objective gap under which two restarts tie.
	tieTol = 1e-9
)

// Problem is the numeric input shared by every objective. Mean and Cov are
// annualized; Returns is the periodic history [period][asset] and is only
// required by history-based objectives.
type Problem struct {
	Symbols        []string
	Mean           []float64
	Cov            *mat.SymDense
	Returns        [][]float64
	PeriodsPerYear float64
}

// NewProblem pairs a risk model with the matrix it was estimated from.
func NewProblem(model *RiskModel, m *ReturnMatrix) (*Problem, error) {
	if len(model.Symbols) != len(m.Symbols) {
		return nil, invalidf("problem", "model has %d assets, returns have %d", len(model.Symbols), len(m.Symbols))
	}
	for i := range model.Symbols {
		if model.Symbols[i] != m.Symbols[i] {
			return nil, invalidf("problem", "asset order mismatch at %d: %s vs %s", i, model.Symbols[i], m.Symbols[i])
		}
	}
	return &Problem{
		Symbols:        model.Symbols,
		Mean:           model.Mean,
		Cov:            model.Cov,
		Returns:        m.Returns,
		PeriodsPerYear: model.PeriodsPerYear,
	}, nil
}

func (p *Problem) validate() error {
	n := len(p.Symbols)
	if n == 0 {
		return invalidf("symbols", "no assets to allocate")
	}
	if len(p.Mean) != n {
		return invalidf("mean", "%d expected returns for %d assets", len(p.Mean), n)
	}
	if p.Cov == nil || p.Cov.SymmetricDim() != n {
		return invalidf("covariance", "covariance must be %d×%d", n, n)
	}
	for t, row := range p.Returns {
		if len(row) != n {
			return invalidf("returns", "period %d has %d returns for %d assets", t, len(row), n)
		}
	}
	if p.PeriodsPerYear <= 0 {
		p.PeriodsPerYear = Daily.PeriodsPerYear()
	}
	return nil
}

// portfolioReturns returns the periodic path Rw.
func (p *Problem) portfolioReturns(w []float64) []float64 {
	out := make([]float64, len(p.Returns))
	for t, row := range p.Returns {
		out[t] = dotProduct(w, row)
	}
	return out
}

// columnMeans returns the per-period mean return of each asset.
func (p *Problem) columnMeans() []float64 {
	out := make([]float64, len(p.Symbols))
	if len(p.Returns) == 0 {
		return out
	}
	for _, row := range p.Returns {
		for i, r := range row {
			out[i] += r
		}
	}
	for i := range out {
		out[i] /= float64(len(p.Returns))
	}
	return out
}

// Linkage selects the HRP clustering rule.
type Linkage string

const (
	SingleLinkage  Linkage = "single"
	AverageLinkage Linkage = "average"
)

// SolverSettings bounds the work done per solve.
type SolverSettings struct {
	// Restarts for non-convex objectives, including the equal-weight start.
	Restarts int
	// MaxIterations caps each inner projected-gradient run.
	MaxIterations int
	// OuterIterations caps augmented-Lagrangian multiplier updates.
	OuterIterations int
	// Tolerance is the projected step size treated as stationary.
	Tolerance float64
	// Timeout is the wall-clock budget of one solve.
	Timeout time.Duration
	// Seed drives restart starting points.
	Seed uint64
	// ZeroEpsilon is the display threshold for weights.
	ZeroEpsilon float64

	RiskParityMaxIterations int
	RiskParityTolerance     float64
	HRPLinkage              Linkage

	Resample ResampleSettings
	Metrics  *metrics.Recorder
}

// DefaultSolverSettings mirrors the configuration defaults.
func DefaultSolverSettings() SolverSettings {
	return SolverSettings{
		Restarts:                6,
		MaxIterations:           5000,
		OuterIterations:         30,
		Tolerance:               1e-9,
		Timeout:                 30 * time.Second,
		Seed:                    42,
		ZeroEpsilon:             1e-4,
		RiskParityMaxIterations: 10000,
		RiskParityTolerance:     1e-10,
		HRPLinkage:              SingleLinkage,
		Resample:                DefaultResampleSettings(),
	}
}

func (s SolverSettings) withDefaults() SolverSettings {
	d := DefaultSolverSettings()
	if s.Restarts <= 0 {
		s.Restarts = d.Restarts
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = d.MaxIterations
	}
	if s.OuterIterations <= 0 {
		s.OuterIterations = d.OuterIterations
	}
	if s.Tolerance <= 0 {
		s.Tolerance = d.Tolerance
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	if s.ZeroEpsilon <= 0 {
		s.ZeroEpsilon = d.ZeroEpsilon
	}
	if s.RiskParityMaxIterations <= 0 {
		s.RiskParityMaxIterations = d.RiskParityMaxIterations
	}
	if s.RiskParityTolerance <= 0 {
		s.RiskParityTolerance = d.RiskParityTolerance
	}
	if s.HRPLinkage == "" {
		s.HRPLinkage = d.HRPLinkage
	}
	s.Resample = s.Resample.withDefaults()
	return s
}

// Optimize solves one objective. Robust variants are dispatched to Resample.
func Optimize(ctx context.Context, p *Problem, req OptimizationRequest, s SolverSettings) (*OptimizationResult, error) {
	s = s.withDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	base, robust := req.Objective.Base()
	o, ok := objectiveTable[base]
	if !ok {
		return nil, invalidf("objective", "unknown objective %q", req.Objective)
	}
	if robust {
		if o.family != FamilyNonlinear {
			return nil, invalidf("objective", "%s has no robust variant", base)
		}
		return Resample(ctx, p, req, s)
	}
	return optimizeBase(ctx, p, req, o, s)
}

func optimizeBase(ctx context.Context, p *Problem, req OptimizationRequest, o objective, s SolverSettings) (*OptimizationResult, error) {
	name := string(req.Objective)
	rc, err := req.Constraints.resolve(p.Symbols)
	if err != nil {
		if errors.Is(err, ErrInfeasibleConstraints) {
			s.Metrics.ObserveRejected(name)
		}
		return nil, err
	}
	if err := o.validate(p, &req); err != nil {
		return nil, err
	}

	start := time.Now()
	res := &OptimizationResult{Objective: req.Objective}
	var w []float64
	if o.family == FamilyHeuristic {
		w, err = o.allocate(ctx, p, rc, s, res)
	} else {
		w, err = solveProgram(ctx, o, o.build(p, &req), rc, s, res)
	}
	if err != nil {
		s.Metrics.ObserveSolve(name, metrics.OutcomeFailed, time.Since(start))
		logger.Warn("OPT", fmt.Sprintf("%s failed: %v", name, err))
		return nil, err
	}
	if o.family == FamilyHeuristic {
		res.ObjectiveValue = math.Sqrt(portfolioVariance(w, p.Cov))
	}
	res.Weights = NewWeightVector(p.Symbols, w)

	outcome := metrics.OutcomeConverged
	if !res.Converged {
		outcome = metrics.OutcomePartial
	}
	s.Metrics.ObserveSolve(name, outcome, time.Since(start))
	logger.Debug("OPT", fmt.Sprintf("%s: objective %.6g, %d iterations, %d restarts, converged=%v",
		name, res.ObjectiveValue, res.Iterations, res.Restarts, res.Converged))
	return res, nil
}

// candidate is the outcome of one restart.
type candidate struct {
	w          []float64
	f          float64
	residual   float64
	iterations int
	converged  bool
	// dist is the L2 distance to the equal-weight start, the tie-break.
	dist float64
}

// better prefers a lower objective; within tieTol it prefers the candidate
// closer to equal weight.
func (c *candidate) better(o *candidate) bool {
	tol := tieTol * (1 + math.Abs(o.f))
	switch {
	case c.f < o.f-tol:
		return true
	case c.f > o.f+tol:
		return false
	}
	return c.dist < o.dist
}

// solveProgram runs the restart loop and keeps the best feasible candidate.
func solveProgram(ctx context.Context, o objective, prog *program, rc *resolvedConstraints, s SolverSettings, res *OptimizationResult) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	prog.cons = append(groupInequalities(rc), prog.cons...)
	res.Warnings = append(res.Warnings, prog.warnings...)
	sv := newSolver(prog, rc, s, o.smooth)

	restarts := 1
	if !o.convex {
		restarts = s.Restarts
	}
	ew := equalWeightStart(rc)

	var best *candidate
	bestResidual := math.Inf(1)
	budgetHit := false
	for k := 0; k < restarts; k++ {
		// The equal-weight restart always runs so an expired budget still
		// yields a point.
		if k > 0 && ctx.Err() != nil {
			budgetHit = true
			break
		}
		w0 := ew
		if k > 0 {
			w0 = sv.randomStart(k)
		}
		c := sv.run(ctx, w0)
		if !o.smooth {
			sv.polish(ctx, &c)
		}
		res.Iterations += c.iterations
		res.Restarts++
		bestResidual = math.Min(bestResidual, c.residual)
		if c.residual > feasibilityTol {
			logger.Debug("OPT", fmt.Sprintf("%s restart %d infeasible (residual %.3g)", o.id, k, c.residual))
			continue
		}
		c.dist = l2Distance(c.w, ew)
		if best == nil || c.better(best) {
			cc := c
			best = &cc
		}
	}
	s.Metrics.AddRestarts(string(o.id), res.Restarts)
	if ctx.Err() != nil {
		budgetHit = true
	}

	if best == nil {
		reason := "no restart reached a feasible point"
		if budgetHit {
			reason = "budget exhausted before a feasible point was found"
		}
		return nil, &ConvergenceFailureError{Objective: res.Objective, Residual: bestResidual, Reason: reason}
	}
	res.ObjectiveValue = best.f
	res.Residual = best.residual
	res.Converged = best.converged && !budgetHit
	if budgetHit {
		res.warnf("solver budget exhausted after %d of %d restarts; returning best feasible point", res.Restarts, restarts)
	}
	return best.w, nil
}

// solver minimizes a program over {lower ≤ w ≤ upper, Σw = 1} with an
// augmented Lagrangian for the inequalities and spectral projected gradient
// for the inner problems.
type solver struct {
	prog    *program
	rc      *resolvedConstraints
	s       SolverSettings
	n       int
	maxIter int
}

func newSolver(prog *program, rc *resolvedConstraints, s SolverSettings, smooth bool) *solver {
	maxIter := s.MaxIterations
	if !smooth && maxIter > 500 {
		// Path-dependent objectives are finished by the Nelder-Mead polish.
		maxIter = 500
	}
	return &solver{prog: prog, rc: rc, s: s, n: len(rc.lower), maxIter: maxIter}
}

func (sv *solver) project(w []float64) {
	projectOntoCappedSimplex(w, sv.rc.lower, sv.rc.upper)
}

// violation is the largest positive gⱼ(w).
func (sv *solver) violation(w []float64) float64 {
	v := 0.0
	for _, c := range sv.prog.cons {
		v = math.Max(v, c.g(w))
	}
	return v
}

// run solves from w0 with multiplier updates λⱼ ← max(0, λⱼ + ρgⱼ(w)).
func (sv *solver) run(ctx context.Context, w0 []float64) candidate {
	m := len(sv.prog.cons)
	lambda := make([]float64, m)
	rho := 10.0
	w := append([]float64(nil), w0...)
	sv.project(w)

	var c candidate
	outer := sv.s.OuterIterations
	if m == 0 {
		outer = 1
	}
	prevViol := math.Inf(1)
	for k := 0; k < outer; k++ {
		f, grad := sv.lagrangian(lambda, rho)
		iters, ok := sv.descend(ctx, f, grad, w)
		c.iterations += iters
		if m == 0 {
			c.converged = ok
			break
		}
		viol := sv.violation(w)
		for j, con := range sv.prog.cons {
			lambda[j] = math.Max(0, lambda[j]+rho*con.g(w))
		}
		if viol <= feasibilityTol && ok {
			c.converged = true
			break
		}
		if ctx.Err() != nil {
			break
		}
		if viol > 0.25*prevViol {
			rho = math.Min(rho*10, 1e12)
		}
		prevViol = viol
	}
	c.w = w
	c.f = sv.prog.f(w)
	c.residual = sv.violation(w)
	return c
}

// lagrangian builds L(w) = f(w) + Σⱼ [max(0, λⱼ+ρgⱼ(w))² − λⱼ²] / 2ρ and its gradient.
func (sv *solver) lagrangian(lambda []float64, rho float64) (func([]float64) float64, func(dst, w []float64)) {
	prog := sv.prog
	f := func(w []float64) float64 {
		v := prog.f(w)
		for j, con := range prog.cons {
			t := math.Max(0, lambda[j]+rho*con.g(w))
			v += (t*t - lambda[j]*lambda[j]) / (2 * rho)
		}
		return v
	}
	tmp := make([]float64, sv.n)
	grad := func(dst, w []float64) {
		prog.grad(dst, w)
		for j, con := range prog.cons {
			t := math.Max(0, lambda[j]+rho*con.g(w))
			if t == 0 {
				continue
			}
			con.grad(tmp, w)
			for i := range dst {
				dst[i] += t * tmp[i]
			}
		}
	}
	return f, grad
}

// descend minimizes f over the bounded simplex in place. Steps use the
// Barzilai-Borwein length with Armijo backtracking along the projected
// direction. It reports false when the iteration cap or the deadline is hit.
func (sv *solver) descend(ctx context.Context, f func([]float64) float64, grad func(dst, w []float64), w []float64) (int, bool) {
	n := sv.n
	g := make([]float64, n)
	gPrev := make([]float64, n)
	wPrev := make([]float64, n)
	trial := make([]float64, n)
	d := make([]float64, n)

	grad(g, w)
	fw := f(w)
	alpha := 1.0
	if gmax := maxAbs(g); gmax > 0 {
		alpha = 0.1 / gmax
	}
	stalls := 0

	for it := 0; it < sv.maxIter; it++ {
		if it%32 == 0 && ctx.Err() != nil {
			return it, false
		}
		for i := range trial {
			trial[i] = w[i] - alpha*g[i]
		}
		sv.project(trial)
		gd := 0.0
		step := 0.0
		for i := range d {
			d[i] = trial[i] - w[i]
			gd += g[i] * d[i]
			step = math.Max(step, math.Abs(d[i]))
		}
		if step < sv.s.Tolerance || gd >= 0 {
			return it, true
		}

		// Armijo backtracking along d.
		t := 1.0
		ft := 0.0
		accepted := false
		for ls := 0; ls < 40; ls++ {
			for i := range trial {
				trial[i] = w[i] + t*d[i]
			}
			ft = f(trial)
			if ft <= fw+1e-4*t*gd {
				accepted = true
				break
			}
			t *= 0.5
		}
		if !accepted {
			return it, true
		}

		copy(wPrev, w)
		copy(gPrev, g)
		copy(w, trial)
		if math.Abs(fw-ft) <= 1e-15*(1+math.Abs(fw)) {
			stalls++
		} else {
			stalls = 0
		}
		fw = ft
		grad(g, w)
		if stalls >= 5 {
			return it + 1, true
		}

		ss, sy := 0.0, 0.0
		for i := range w {
			si := w[i] - wPrev[i]
			yi := g[i] - gPrev[i]
			ss += si * si
			sy += si * yi
		}
		if sy > 0 {
			alpha = math.Max(1e-10, math.Min(1e10, ss/sy))
		} else {
			alpha = math.Min(1e10, alpha*2)
		}
	}
	return sv.maxIter, false
}

// polish refines a candidate of a non-smooth program with Nelder-Mead on
// the projected, penalized objective and keeps the result when it is
// feasible and strictly better.
func (sv *solver) polish(ctx context.Context, c *candidate) {
	if ctx.Err() != nil || sv.n < 2 {
		return
	}
	const penalty = 1e4
	obj := func(x []float64) float64 {
		y := append([]float64(nil), x...)
		sv.project(y)
		v := sv.prog.f(y)
		for _, con := range sv.prog.cons {
			if g := con.g(y); g > 0 {
				v += penalty * g
			}
		}
		return v
	}
	settings := &optimize.Settings{
		FuncEvaluations: 300 * sv.n,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-12, Relative: 1e-12, Iterations: 100},
	}
	if dl, ok := ctx.Deadline(); ok {
		settings.Runtime = time.Until(dl)
	}
	res, _ := optimize.Minimize(optimize.Problem{Func: obj}, c.w, settings, &optimize.NelderMead{SimplexSize: 0.05})
	if res == nil || len(res.X) != sv.n {
		return
	}
	y := append([]float64(nil), res.X...)
	sv.project(y)
	if hasNaN(y) {
		return
	}
	fy := sv.prog.f(y)
	viol := sv.violation(y)
	if viol <= feasibilityTol && fy < c.f-1e-12*(1+math.Abs(c.f)) {
		c.w, c.f, c.residual = y, fy, viol
	}
	c.iterations += res.Stats.MajorIterations
}

// randomStart draws an exponential (flat Dirichlet) vector and projects it.
// Restart k always yields the same point for a given seed.
func (sv *solver) randomStart(k int) []float64 {
	rng := rand.New(rand.NewPCG(sv.s.Seed, uint64(k)))
	w := make([]float64, sv.n)
	sum := 0.0
	for i := range w {
		w[i] = rng.ExpFloat64()
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	sv.project(w)
	return w
}

// groupInequalities turns group bounds into Σ_{i∈G} wᵢ − max ≤ 0 and
// min − Σ_{i∈G} wᵢ ≤ 0, skipping bounds the asset bounds already imply.
func groupInequalities(rc *resolvedConstraints) []inequality {
	var out []inequality
	for _, g := range rc.groups {
		members := g.members
		memberMin, memberMax := 0.0, 0.0
		for _, i := range members {
			memberMin += rc.lower[i]
			memberMax += rc.upper[i]
		}
		sum := func(w []float64) float64 {
			s := 0.0
			for _, i := range members {
				s += w[i]
			}
			return s
		}
		indicator := func(sign float64) func(dst, w []float64) {
			return func(dst, _ []float64) {
				for i := range dst {
					dst[i] = 0
				}
				for _, i := range members {
					dst[i] = sign
				}
			}
		}
		if g.max < memberMax {
			hi := g.max
			out = append(out, inequality{
				name: "group " + g.name + " max",
				g:    func(w []float64) float64 { return sum(w) - hi },
				grad: indicator(1),
			})
		}
		if g.min > memberMin {
			lo := g.min
			out = append(out, inequality{
				name: "group " + g.name + " min",
				g:    func(w []float64) float64 { return lo - sum(w) },
				grad: indicator(-1),
			})
		}
	}
	return out
}

// satisfies reports whether w meets every bound within feasibilityTol.
func (rc *resolvedConstraints) satisfies(w []float64) bool {
	sum := 0.0
	for i, x := range w {
		if x < rc.lower[i]-feasibilityTol || x > rc.upper[i]+feasibilityTol {
			return false
		}
		sum += x
	}
	if math.Abs(sum-1) > feasibilityTol {
		return false
	}
	for _, g := range rc.groups {
		s := 0.0
		for _, i := range g.members {
			s += w[i]
		}
		if s < g.min-feasibilityTol || s > g.max+feasibilityTol {
			return false
		}
	}
	return true
}

// nearestFeasible returns the point closest to w (in L2) satisfying rc.
func nearestFeasible(ctx context.Context, w []float64, rc *resolvedConstraints, s SolverSettings) ([]float64, error) {
	target := append([]float64(nil), w...)
	prog := &program{
		f: func(x []float64) float64 {
			d := 0.0
			for i := range x {
				d += (x[i] - target[i]) * (x[i] - target[i])
			}
			return d
		},
		grad: func(dst, x []float64) {
			for i := range dst {
				dst[i] = 2 * (x[i] - target[i])
			}
		},
		cons: groupInequalities(rc),
	}
	sv := newSolver(prog, rc, s, true)
	c := sv.run(ctx, target)
	if c.residual > feasibilityTol {
		return nil, &ConvergenceFailureError{Objective: "bound_projection", Residual: c.residual}
	}
	return c.w, nil
}

// enforceBounds returns w when it already satisfies rc, otherwise the nearest
// feasible point together with a warning on res.
func enforceBounds(ctx context.Context, w []float64, rc *resolvedConstraints, s SolverSettings, res *OptimizationResult) ([]float64, error) {
	if rc.satisfies(w) {
		return w, nil
	}
	out, err := nearestFeasible(ctx, w, rc, s)
	if err != nil {
		return nil, err
	}
	res.warnf("%s allocation projected onto the weight bounds", res.Objective)
	return out, nil
}

func allocateEqualWeight(ctx context.Context, p *Problem, rc *resolvedConstraints, s SolverSettings, res *OptimizationResult) ([]float64, error) {
	n := len(p.Symbols)
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	res.Converged = true
	return enforceBounds(ctx, w, rc, s, res)
}

// equalWeightStart is 1/N clipped to the asset bounds and renormalized.
func equalWeightStart(rc *resolvedConstraints) []float64 {
	n := len(rc.lower)
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	projectOntoCappedSimplex(w, rc.lower, rc.upper)
	return w
}

// projectOntoCappedSimplex projects v in place onto {lo ≤ x ≤ hi, Σx = 1}.
// The projection is xᵢ = clip(vᵢ − θ, loᵢ, hiᵢ) where θ solves Σxᵢ(θ) = 1;
// the sum is non-increasing in θ, so θ is found by bisection. Requires
// Σlo ≤ 1 ≤ Σhi.
func projectOntoCappedSimplex(v, lo, hi []float64) {
	n := len(v)
	if n == 0 {
		return
	}
	clipSum := func(theta float64) float64 {
		s := 0.0
		for i := range v {
			s += math.Max(lo[i], math.Min(hi[i], v[i]-theta))
		}
		return s
	}
	a, b := math.Inf(1), math.Inf(-1)
	for i := range v {
		a = math.Min(a, v[i]-hi[i])
		b = math.Max(b, v[i]-lo[i])
	}
	for k := 0; k < 200; k++ {
		mid := 0.5 * (a + b)
		if mid <= a || mid >= b {
			break
		}
		if clipSum(mid) > 1 {
			a = mid
		} else {
			b = mid
		}
	}
	theta := 0.5 * (a + b)
	sum := 0.0
	free := 0
	for i := range v {
		v[i] = math.Max(lo[i], math.Min(hi[i], v[i]-theta))
		sum += v[i]
		if v[i] > lo[i] && v[i] < hi[i] {
			free++
		}
	}
	// Spread the bisection residue over the coordinates strictly inside their bounds.
	if free > 0 && sum != 1 {
		adj := (1 - sum) / float64(free)
		for i := range v {
			if v[i] > lo[i] && v[i] < hi[i] {
				v[i] += adj
			}
		}
	}
}

func l2Distance(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}

func maxAbs(x []float64) float64 {
	m := 0.0
	for _, v := range x {
		m = math.Max(m, math.Abs(v))
	}
	return m
}

func hasNaN(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
