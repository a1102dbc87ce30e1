package engine

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Black-Litterman parameters.
const (
	blTau            = 0.05 // scale of prior uncertainty
	blRiskAversion   = 2.5  // λ in π = λΣw_mkt
	blViewConfidence = 0.25 // Ω_kk = c·τ·Σ_ii
)

// blackLittermanReturns blends the equilibrium returns π = λΣw_mkt with
// absolute views Q on single assets:
//
//	μ = [(τΣ)⁻¹ + PᵀΩ⁻¹P]⁻¹ [(τΣ)⁻¹π + PᵀΩ⁻¹Q]
//
// Ill-conditioned but non-singular systems are solved anyway and reported in
// the returned warnings.
func blackLittermanReturns(p *Problem, marketWeights, views map[string]float64) ([]float64, []string, error) {
	n := len(p.Symbols)
	wm := make([]float64, n)
	total := 0.0
	for i, s := range p.Symbols {
		wm[i] = marketWeights[s]
		total += wm[i]
	}
	if total <= 0 {
		for i := range wm {
			wm[i] = 1 / float64(n)
		}
	} else {
		for i := range wm {
			wm[i] /= total
		}
	}

	var pi mat.VecDense
	pi.MulVec(p.Cov, mat.NewVecDense(n, wm))
	pi.ScaleVec(blRiskAversion, &pi)
	if len(views) == 0 {
		return pi.RawVector().Data, nil, nil
	}
	var warnings []string

	var tauSigmaInv mat.Dense
	tauSigma := mat.NewDense(n, n, nil)
	tauSigma.Scale(blTau, p.Cov)
	if err := tauSigmaInv.Inverse(tauSigma); err != nil {
		if !usableCondition(err) {
			return nil, nil, fmt.Errorf("invert prior covariance: %w", err)
		}
		warnings = append(warnings, fmt.Sprintf("prior covariance is ill-conditioned: %v", err))
	}

	// Views in symbol order for determinism.
	var idx []int
	for i, s := range p.Symbols {
		if _, ok := views[s]; ok {
			idx = append(idx, i)
		}
	}
	k := len(idx)
	P := mat.NewDense(k, n, nil)
	Q := mat.NewVecDense(k, nil)
	omegaInv := mat.NewDiagDense(k, nil)
	for v, i := range idx {
		P.Set(v, i, 1)
		Q.SetVec(v, views[p.Symbols[i]])
		omega := blViewConfidence * blTau * p.Cov.At(i, i)
		if omega <= 0 {
			return nil, nil, fmt.Errorf("zero variance for view asset %s", p.Symbols[i])
		}
		omegaInv.SetDiag(v, 1/omega)
	}

	// A = (τΣ)⁻¹ + PᵀΩ⁻¹P
	var ptOmegaInv, A mat.Dense
	ptOmegaInv.Mul(P.T(), omegaInv)
	A.Mul(&ptOmegaInv, P)
	A.Add(&A, &tauSigmaInv)

	// b = (τΣ)⁻¹π + PᵀΩ⁻¹Q
	var b, viewTerm mat.VecDense
	b.MulVec(&tauSigmaInv, &pi)
	viewTerm.MulVec(&ptOmegaInv, Q)
	b.AddVec(&b, &viewTerm)

	var mu mat.VecDense
	if err := mu.SolveVec(&A, &b); err != nil {
		if !usableCondition(err) {
			return nil, nil, fmt.Errorf("solve posterior returns: %w", err)
		}
		warnings = append(warnings, fmt.Sprintf("posterior system is ill-conditioned: %v", err))
	}
	return mu.RawVector().Data, warnings, nil
}

// usableCondition reports whether err is a gonum condition warning with a
// finite condition number, in which case the computed result is still valid.
func usableCondition(err error) bool {
	var c mat.Condition
	return errors.As(err, &c) && !math.IsInf(float64(c), 0) && !math.IsNaN(float64(c))
}

// buildBlackLitterman maximizes the mean-variance utility μ_BLᵀw − (λ/2)wᵀΣw.
// When the posterior cannot be formed the equilibrium returns are used and
// the result carries a warning.
func buildBlackLitterman(p *Problem, req *OptimizationRequest) *program {
	mu, warnings, err := blackLittermanReturns(p, req.MarketWeights, req.Views)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("views ignored, using equilibrium returns: %v", err))
		mu, _, _ = blackLittermanReturns(p, req.MarketWeights, nil)
	}
	return &program{
		warnings: warnings,
		f: func(w []float64) float64 {
			return -(dotProduct(mu, w) - blRiskAversion/2*portfolioVariance(w, p.Cov))
		},
		grad: func(dst, w []float64) {
			sw := marginalRisk(w, p.Cov)
			for i := range dst {
				dst[i] = -(mu[i] - blRiskAversion*sw[i])
			}
		},
	}
}
