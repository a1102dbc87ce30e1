package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"portfolio-optimizer/internal/logger"
	"portfolio-optimizer/internal/metrics"
)

// ResampleMethod selects how resampled histories are drawn.
type ResampleMethod string

const (
	// StationaryBootstrap draws blocks of geometric length with mean BlockSize.
	StationaryBootstrap ResampleMethod = "stationary"
	// BlockBootstrap draws fixed-length blocks of BlockSize periods.
	BlockBootstrap ResampleMethod = "block"
	// IIDBootstrap draws single periods with replacement.
	IIDBootstrap ResampleMethod = "iid"
)

// ParseResampleMethod validates a method name; empty means stationary.
func ParseResampleMethod(s string) (ResampleMethod, error) {
	switch ResampleMethod(s) {
	case "", StationaryBootstrap:
		return StationaryBootstrap, nil
	case BlockBootstrap, IIDBootstrap:
		return ResampleMethod(s), nil
	}
	return "", invalidf("resample_method", "unknown method %q", s)
}

// ResampleSettings controls the robust wrapper.
type ResampleSettings struct {
	Count     int
	Min       int
	Max       int
	BlockSize int
	Method    ResampleMethod
	// MinSuccessFraction of Count must converge or the wrapper fails.
	MinSuccessFraction float64
	// RetryFraction of Count extra resamples may replace failed ones.
	RetryFraction float64
	// Resample i is drawn with seed BaseSeed+i.
	BaseSeed  uint64
	Workers   int
	Estimator CovarianceEstimator
}

// DefaultResampleSettings: 100 resamples in [10,500], stationary bootstrap
// with mean block 5, at least half must converge.
func DefaultResampleSettings() ResampleSettings {
	return ResampleSettings{
		Count:              100,
		Min:                10,
		Max:                500,
		BlockSize:          5,
		Method:             StationaryBootstrap,
		MinSuccessFraction: 0.5,
		RetryFraction:      0.5,
		BaseSeed:           42,
		Estimator:          SampleCovariance,
	}
}

func (r ResampleSettings) withDefaults() ResampleSettings {
	d := DefaultResampleSettings()
	if r.Count <= 0 {
		r.Count = d.Count
	}
	if r.Min <= 0 {
		r.Min = d.Min
	}
	if r.Max <= 0 {
		r.Max = d.Max
	}
	if r.BlockSize <= 0 {
		r.BlockSize = d.BlockSize
	}
	if r.Method == "" {
		r.Method = d.Method
	}
	if r.MinSuccessFraction <= 0 || r.MinSuccessFraction > 1 {
		r.MinSuccessFraction = d.MinSuccessFraction
	}
	if r.RetryFraction < 0 {
		r.RetryFraction = d.RetryFraction
	}
	if r.Workers <= 0 {
		r.Workers = runtime.GOMAXPROCS(0)
	}
	if r.Estimator == "" {
		r.Estimator = d.Estimator
	}
	return r
}

// ResampleSummary reports how the robust wrapper spent its budget.
type ResampleSummary struct {
	Requested int            `json:"requested"`
	Attempted int            `json:"attempted"`
	Succeeded int            `json:"succeeded"`
	Used      int            `json:"used"`
	Method    ResampleMethod `json:"method"`
	BlockSize int            `json:"block_size"`
}

type resampleOutcome struct {
	index int
	res   *OptimizationResult
	err   error
}

// Resample solves the base objective on bootstrapped histories and averages
// the weights. Failed resamples are replaced from a retry budget; the result
// depends only on the inputs and the seed sequence, not on scheduling.
func Resample(ctx context.Context, p *Problem, req OptimizationRequest, s SolverSettings) (*OptimizationResult, error) {
	s = s.withDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	baseID, _ := req.Objective.Base()
	o, ok := objectiveTable[baseID]
	if !ok || o.family != FamilyNonlinear {
		return nil, invalidf("objective", "%s cannot be resampled", req.Objective)
	}
	rs := s.Resample
	count := req.Resamples
	if count == 0 {
		count = rs.Count
	}
	if count < rs.Min || count > rs.Max {
		return nil, invalidf("resamples", "%d outside [%d, %d]", count, rs.Min, rs.Max)
	}
	if len(p.Returns) < 2 {
		return nil, invalidf("returns", "%s needs a return history to resample", req.Objective)
	}
	rc, err := req.Constraints.resolve(p.Symbols)
	if err != nil {
		if errors.Is(err, ErrInfeasibleConstraints) {
			s.Metrics.ObserveRejected(string(req.Objective))
		}
		return nil, err
	}
	baseReq := req
	baseReq.Objective = baseID
	if err := o.validate(p, &baseReq); err != nil {
		return nil, err
	}

	budget := int(math.Ceil(rs.RetryFraction * float64(count)))
	var done []resampleOutcome
	succeeded, next := 0, 0
	for succeeded < count && next < count+budget {
		if ctx.Err() != nil {
			break
		}
		batch := count - succeeded
		if next+batch > count+budget {
			batch = count + budget - next
		}
		wave := runResampleWave(ctx, p, baseReq, o, s, next, batch)
		for _, w := range wave {
			if w.err == nil {
				succeeded++
				s.Metrics.ObserveResample(metrics.OutcomeConverged)
			} else {
				s.Metrics.ObserveResample(metrics.OutcomeFailed)
			}
		}
		done = append(done, wave...)
		next += batch
	}

	summary := &ResampleSummary{
		Requested: count,
		Attempted: next,
		Succeeded: succeeded,
		Method:    rs.Method,
		BlockSize: rs.BlockSize,
	}
	minOK := int(math.Ceil(rs.MinSuccessFraction * float64(count)))
	if succeeded < minOK {
		residual := math.Inf(1)
		for _, d := range done {
			var cf *ConvergenceFailureError
			if errors.As(d.err, &cf) {
				residual = math.Min(residual, cf.Residual)
			}
		}
		return nil, &ConvergenceFailureError{
			Objective: req.Objective,
			Residual:  residual,
			Reason:    fmt.Sprintf("%d of %d resamples converged, need %d", succeeded, count, minOK),
		}
	}

	// Average the first successes in index order.
	res := &OptimizationResult{Objective: req.Objective, Converged: true, Resampling: summary}
	avg := make([]float64, len(p.Symbols))
	for _, d := range done {
		if d.err != nil || summary.Used == count {
			continue
		}
		for i, w := range d.res.Weights.Weights {
			avg[i] += w
		}
		res.Iterations += d.res.Iterations
		res.Restarts += d.res.Restarts
		res.Converged = res.Converged && d.res.Converged
		summary.Used++
	}
	for i := range avg {
		avg[i] /= float64(summary.Used)
	}
	if summary.Used < count {
		res.warnf("only %d of %d resamples converged", summary.Used, count)
	}
	if ctx.Err() != nil {
		res.Converged = false
		res.warnf("resampling stopped early: %v", ctx.Err())
	}

	normalizeInPlace(avg)
	projectOntoCappedSimplex(avg, rc.lower, rc.upper)
	w, err := enforceBounds(ctx, avg, rc, s, res)
	if err != nil {
		return nil, err
	}
	prog := o.build(p, &baseReq)
	prog.cons = append(groupInequalities(rc), prog.cons...)
	res.ObjectiveValue = prog.f(w)
	for _, c := range prog.cons {
		res.Residual = math.Max(res.Residual, c.g(w))
	}
	res.Weights = NewWeightVector(p.Symbols, w)
	logger.Info("OPT", fmt.Sprintf("%s: averaged %d of %d resamples (%d attempted)", req.Objective, summary.Used, count, summary.Attempted))
	return res, nil
}

// runResampleWave solves resamples [first, first+n) in parallel and returns
// them in index order.
func runResampleWave(ctx context.Context, p *Problem, req OptimizationRequest, o objective, s SolverSettings, first, n int) []resampleOutcome {
	out := make([]resampleOutcome, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Resample.Workers)
	for k := 0; k < n; k++ {
		idx := first + k
		g.Go(func() error {
			r, err := resampleOnce(gctx, p, req, o, s, idx)
			out[k] = resampleOutcome{index: idx, res: r, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// resampleStream separates resampling draws from restart draws.
const resampleStream = 0x9e3779b97f4a7c15

func resampleOnce(ctx context.Context, p *Problem, req OptimizationRequest, o objective, s SolverSettings, idx int) (*OptimizationResult, error) {
	rs := s.Resample
	rng := rand.New(rand.NewPCG(rs.BaseSeed+uint64(idx), resampleStream))
	rows := bootstrapRows(rng, len(p.Returns), rs.Method, rs.BlockSize)

	returns := make([][]float64, len(rows))
	var bench []float64
	if len(req.Benchmark) > 0 {
		bench = make([]float64, len(rows))
	}
	for t, r := range rows {
		returns[t] = p.Returns[r]
		if bench != nil {
			bench[t] = req.Benchmark[r]
		}
	}
	mean, cov := estimateMoments(returns, rs.Estimator)
	for i := range mean {
		mean[i] *= p.PeriodsPerYear
	}
	cov.ScaleSym(p.PeriodsPerYear, cov)

	sub := &Problem{
		Symbols:        p.Symbols,
		Mean:           mean,
		Cov:            cov,
		Returns:        returns,
		PeriodsPerYear: p.PeriodsPerYear,
	}
	subReq := req
	subReq.Benchmark = bench
	inner := s
	inner.Metrics = nil
	return optimizeBase(ctx, sub, subReq, o, inner)
}

// bootstrapRows draws T row indices.
func bootstrapRows(rng *rand.Rand, T int, method ResampleMethod, block int) []int {
	rows := make([]int, T)
	switch method {
	case IIDBootstrap:
		for t := range rows {
			rows[t] = rng.IntN(T)
		}
	case BlockBootstrap:
		for t := 0; t < T; {
			start := rng.IntN(T)
			for k := 0; k < block && t < T; k++ {
				rows[t] = (start + k) % T
				t++
			}
		}
	default:
		// Politis-Romano: continue the current block with probability 1 − 1/block.
		pNew := 1 / float64(block)
		cur := rng.IntN(T)
		for t := range rows {
			if t > 0 {
				if rng.Float64() < pNew {
					cur = rng.IntN(T)
				} else {
					cur = (cur + 1) % T
				}
			}
			rows[t] = cur
		}
	}
	return rows
}
