package engine

import (
	"context"
	"math"
)

// riskParityStep is the damping exponent of the multiplicative update.
const riskParityStep = 0.5

// RiskContributions returns wᵢ·(Σw)ᵢ / σ_p for each asset; they sum to σ_p.
func RiskContributions(w []float64, cov interface{ At(i, j int) float64 }) []float64 {
	n := len(w)
	sw := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sw[i] += cov.At(i, j) * w[j]
		}
	}
	vol := math.Sqrt(math.Max(dotProduct(w, sw), 0))
	out := make([]float64, n)
	if vol <= zeroVolatility {
		return out
	}
	for i := range out {
		out[i] = w[i] * sw[i] / vol
	}
	return out
}

// allocateRiskParity equalizes risk contributions with the fixed-point update
//
//	wᵢ ← wᵢ·(target/rcᵢ)^step,  target = σ_p/N
//
// followed by renormalization. With active bounds every iterate is projected
// back onto the bounded simplex before the next update. Hitting the iteration
// cap returns the most balanced iterate seen with a warning.
func allocateRiskParity(ctx context.Context, p *Problem, rc *resolvedConstraints, s SolverSettings, res *OptimizationResult) ([]float64, error) {
	n := len(p.Symbols)
	bounded := rc.boundsActive()

	// Start from inverse volatility.
	w := make([]float64, n)
	for i := range w {
		v := p.Cov.At(i, i)
		if v > 0 {
			w[i] = 1 / math.Sqrt(v)
		} else {
			w[i] = 1
		}
	}
	normalizeInPlace(w)
	if bounded {
		projectOntoCappedSimplex(w, rc.lower, rc.upper)
	}

	best := append([]float64(nil), w...)
	bestDev := math.Inf(1)
	converged := false
	it := 0
	for ; it < s.RiskParityMaxIterations; it++ {
		if it%64 == 0 && ctx.Err() != nil {
			break
		}
		sw := marginalRisk(w, p.Cov)
		vol := math.Sqrt(math.Max(dotProduct(w, sw), 0))
		if vol <= zeroVolatility {
			break
		}
		target := vol / float64(n)
		dev := 0.0
		prev := append([]float64(nil), w...)
		for i := range w {
			rci := w[i] * sw[i] / vol
			dev = math.Max(dev, math.Abs(rci-target)/vol)
			if rci > 0 {
				w[i] *= math.Pow(target/rci, riskParityStep)
			} else {
				// A non-positive contribution means the asset hedges the rest; grow it.
				w[i] = math.Max(w[i], 1e-8) * 2
			}
		}
		if dev < bestDev {
			bestDev = dev
			copy(best, prev)
		}
		if dev < s.RiskParityTolerance {
			converged = true
			break
		}
		normalizeInPlace(w)
		if bounded {
			projectOntoCappedSimplex(w, rc.lower, rc.upper)
			// Projected iterates may stall short of parity; stop once they stop moving.
			if l2Distance(w, prev) < 1e-14 {
				converged = true
				break
			}
		}
	}
	res.Iterations = it
	res.Converged = converged
	if !converged {
		res.warnf("risk parity stopped after %d iterations (max contribution gap %.3g); returning the most balanced iterate", it, bestDev)
	}
	if bounded {
		res.warnf("risk parity projected onto the weight bounds; contributions are not exactly equal")
	}
	return enforceBounds(ctx, best, rc, s, res)
}

func normalizeInPlace(w []float64) {
	sum := 0.0
	for _, x := range w {
		sum += x
	}
	if sum == 0 {
		return
	}
	for i := range w {
		w[i] /= sum
	}
}
