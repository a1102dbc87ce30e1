package engine

import (
	"context"
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"sync/atomic"

	"portfolio-optimizer/internal/logger"
)

// FrontierPoint is one attainable portfolio on the efficient frontier.
type FrontierPoint struct {
	Risk    float64   `json:"risk"`   // annualized volatility
	Return  float64   `json:"return"` // annualized expected return
	Sharpe  *float64  `json:"sharpe"`
	Target  float64   `json:"target"`
	Weights []float64 `json:"weights"`
}

// FrontierRequest configures EfficientFrontier.
type FrontierRequest struct {
	Constraints  Constraints
	Points       int
	RiskFreeRate float64
}

// EfficientFrontier sweeps a target-return grid from the minimum-variance
// portfolio's return to the largest return the bounds allow, solving
// min_vol_target_return at each point. The endpoints are solved eagerly so
// infeasible bounds fail here; grid points are solved lazily as the sequence
// is consumed and infeasible ones are skipped. The sequence can be ranged
// over once; later iterations yield nothing.
func EfficientFrontier(ctx context.Context, p *Problem, req FrontierRequest, s SolverSettings) (iter.Seq[FrontierPoint], error) {
	s = s.withDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	points := req.Points
	if points < 2 {
		return nil, invalidf("points", "frontier needs at least 2 points, got %d", points)
	}
	base := OptimizationRequest{Constraints: req.Constraints, RiskFreeRate: req.RiskFreeRate}

	minVolReq := base
	minVolReq.Objective = MinVolatility
	minVol, err := optimizeBase(ctx, p, minVolReq, objectiveTable[MinVolatility], s)
	if err != nil {
		return nil, fmt.Errorf("frontier minimum-variance point: %w", err)
	}
	maxRetReq := base
	maxRetReq.Objective = MaxReturn
	maxRet, err := optimizeBase(ctx, p, maxRetReq, objectiveTable[MaxReturn], s)
	if err != nil {
		return nil, fmt.Errorf("frontier maximum-return point: %w", err)
	}
	lo := portfolioReturn(minVol.Weights.Weights, p.Mean)
	hi := portfolioReturn(maxRet.Weights.Weights, p.Mean)
	if hi < lo {
		hi = lo
	}
	target := objectiveTable[MinVolTargetReturn]

	var used atomic.Bool
	return func(yield func(FrontierPoint) bool) {
		if used.Swap(true) {
			return
		}
		skipped := 0
		for k := 0; k < points; k++ {
			if ctx.Err() != nil {
				return
			}
			t := lo + (hi-lo)*float64(k)/float64(points-1)
			pointReq := base
			pointReq.Objective = MinVolTargetReturn
			pointReq.Target = &t
			var w []float64
			switch k {
			case 0:
				w = minVol.Weights.Weights
			default:
				res, err := optimizeBase(ctx, p, pointReq, target, s)
				if err != nil {
					skipped++
					logger.Debug("FRONTIER", fmt.Sprintf("skip target %.4f: %v", t, err))
					continue
				}
				w = res.Weights.Weights
			}
			if !yield(newFrontierPoint(p, w, t, req.RiskFreeRate)) {
				return
			}
		}
		if skipped > 0 {
			logger.Warn("FRONTIER", fmt.Sprintf("%d of %d frontier targets were infeasible and omitted", skipped, points))
		}
	}, nil
}

func newFrontierPoint(p *Problem, w []float64, target, rf float64) FrontierPoint {
	pt := FrontierPoint{
		Risk:    math.Sqrt(portfolioVariance(w, p.Cov)),
		Return:  portfolioReturn(w, p.Mean),
		Target:  target,
		Weights: append([]float64(nil), w...),
	}
	if pt.Risk > zeroVolatility {
		pt.Sharpe = ptr((pt.Return - rf) / pt.Risk)
	}
	return pt
}

// ScatterPoint is a random feasible portfolio for context around the frontier.
type ScatterPoint struct {
	Risk   float64  `json:"risk"`
	Return float64  `json:"return"`
	Sharpe *float64 `json:"sharpe"`
}

// RandomScatter draws n feasible portfolios uniformly from the simplex,
// projected onto the asset bounds; draws breaking a group bound are discarded.
func RandomScatter(p *Problem, c Constraints, n int, rf float64, seed uint64) ([]ScatterPoint, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	rc, err := c.resolve(p.Symbols)
	if err != nil {
		return nil, err
	}
	out := make([]ScatterPoint, 0, n)
	for _, w := range randomFeasibleWeights(rc, n, seed) {
		sp := ScatterPoint{
			Risk:   math.Sqrt(portfolioVariance(w, p.Cov)),
			Return: portfolioReturn(w, p.Mean),
		}
		if sp.Risk > zeroVolatility {
			sp.Sharpe = ptr((sp.Return - rf) / sp.Risk)
		}
		out = append(out, sp)
	}
	return out, nil
}

// randomFeasibleWeights returns up to n feasible weight vectors, trying at
// most 20n draws.
func randomFeasibleWeights(rc *resolvedConstraints, n int, seed uint64) [][]float64 {
	rng := rand.New(rand.NewPCG(seed, 0))
	dim := len(rc.lower)
	var out [][]float64
	for tries := 0; len(out) < n && tries < 20*n; tries++ {
		w := make([]float64, dim)
		sum := 0.0
		for i := range w {
			w[i] = rng.ExpFloat64()
			sum += w[i]
		}
		for i := range w {
			w[i] /= sum
		}
		projectOntoCappedSimplex(w, rc.lower, rc.upper)
		if rc.satisfies(w) {
			out = append(out, w)
		}
	}
	return out
}
