package engine

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// CovarianceEstimator selects how the covariance matrix is estimated.
type CovarianceEstimator string

const (
	SampleCovariance CovarianceEstimator = "sample"
	LedoitWolf       CovarianceEstimator = "ledoit_wolf"
)

// ParseCovarianceEstimator validates an estimator name; empty means sample.
func ParseCovarianceEstimator(s string) (CovarianceEstimator, error) {
	switch CovarianceEstimator(s) {
	case "", SampleCovariance:
		return SampleCovariance, nil
	case LedoitWolf:
		return LedoitWolf, nil
	}
	return "", invalidf("covariance_estimator", "unknown estimator %q", s)
}

// RiskModel holds annualized first and second moments of a return matrix.
type RiskModel struct {
	Symbols        []string
	Mean           []float64 // annualized arithmetic mean
	Vols           []float64 // annualized
	Cov            *mat.SymDense
	Corr           *mat.SymDense
	PeriodsPerYear float64
	Estimator      CovarianceEstimator
}

// NewRiskModel estimates mean, covariance and correlation from m and
// annualizes them by the matrix frequency.
func NewRiskModel(m *ReturnMatrix, est CovarianceEstimator) (*RiskModel, error) {
	if m == nil || m.Len() < 2 {
		have := 0
		if m != nil {
			have = m.Len()
		}
		return nil, &InsufficientDataError{Have: have, Need: 2}
	}
	ppy := m.Frequency.PeriodsPerYear()
	mean, cov := estimateMoments(m.Returns, est)
	n := len(m.Symbols)
	for i := range mean {
		mean[i] *= ppy
	}
	cov.ScaleSym(ppy, cov)

	vols := make([]float64, n)
	for i := 0; i < n; i++ {
		vols[i] = math.Sqrt(math.Max(cov.At(i, i), 0))
	}
	return &RiskModel{
		Symbols:        append([]string(nil), m.Symbols...),
		Mean:           mean,
		Vols:           vols,
		Cov:            cov,
		Corr:           correlationFromCov(cov),
		PeriodsPerYear: ppy,
		Estimator:      est,
	}, nil
}

// estimateMoments returns the per-period column means and covariance of rows.
func estimateMoments(rows [][]float64, est CovarianceEstimator) ([]float64, *mat.SymDense) {
	T, n := len(rows), len(rows[0])
	data := mat.NewDense(T, n, nil)
	for t, row := range rows {
		data.SetRow(t, row)
	}
	mean := make([]float64, n)
	for i := 0; i < n; i++ {
		mean[i] = stat.Mean(mat.Col(nil, i, data), nil)
	}
	if est == LedoitWolf {
		return mean, ledoitWolfCov(data, mean)
	}
	cov := mat.NewSymDense(n, nil)
	stat.CovarianceMatrix(cov, data, nil)
	return mean, cov
}

// ledoitWolfCov shrinks the sample covariance towards μ̄·I, where μ̄ is the
// average sample variance, with the Ledoit-Wolf (2004) optimal intensity.
func ledoitWolfCov(data *mat.Dense, means []float64) *mat.SymDense {
	T, n := data.Dims()
	sample := mat.NewSymDense(n, nil)
	stat.CovarianceMatrix(sample, data, nil)

	avgVar := 0.0
	for i := 0; i < n; i++ {
		avgVar += sample.At(i, i)
	}
	avgVar /= float64(n)

	// δ² = ||S − F||²_F
	dSq := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			diff := sample.At(i, j)
			if i == j {
				diff -= avgVar
			}
			dSq += diff * diff
		}
	}

	// β̂² = (1/T²) Σₖ ||zₖzₖ' − S||²_F with zₖ the centered observation.
	bSq := 0.0
	z := make([]float64, n)
	for k := 0; k < T; k++ {
		for i := 0; i < n; i++ {
			z[i] = data.At(k, i) - means[i]
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				diff := z[i]*z[j] - sample.At(i, j)
				bSq += diff * diff
			}
		}
	}
	bSq /= float64(T) * float64(T)

	alpha := 0.0
	if dSq > 1e-15 {
		alpha = math.Min(bSq/dSq, 1)
	}

	shrunk := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := (1 - alpha) * sample.At(i, j)
			if i == j {
				v += alpha * avgVar
			}
			shrunk.SetSym(i, j, v)
		}
	}
	return shrunk
}

// correlationFromCov normalizes a covariance matrix. Zero-variance assets get
// zero correlation with everything else and 1 on the diagonal.
func correlationFromCov(cov *mat.SymDense) *mat.SymDense {
	n := cov.SymmetricDim()
	corr := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		si := math.Sqrt(math.Max(cov.At(i, i), 0))
		for j := i; j < n; j++ {
			if i == j {
				corr.SetSym(i, i, 1)
				continue
			}
			sj := math.Sqrt(math.Max(cov.At(j, j), 0))
			if si == 0 || sj == 0 {
				continue
			}
			c := cov.At(i, j) / (si * sj)
			corr.SetSym(i, j, math.Max(-1, math.Min(1, c)))
		}
	}
	return corr
}

// Submodel restricts the model to the given column indices.
func (r *RiskModel) Submodel(idx []int) *RiskModel {
	n := len(idx)
	sub := &RiskModel{
		Symbols:        make([]string, n),
		Mean:           make([]float64, n),
		Vols:           make([]float64, n),
		Cov:            mat.NewSymDense(n, nil),
		Corr:           mat.NewSymDense(n, nil),
		PeriodsPerYear: r.PeriodsPerYear,
		Estimator:      r.Estimator,
	}
	for a, i := range idx {
		sub.Symbols[a] = r.Symbols[i]
		sub.Mean[a] = r.Mean[i]
		sub.Vols[a] = r.Vols[i]
		for b := a; b < n; b++ {
			j := idx[b]
			sub.Cov.SetSym(a, b, r.Cov.At(i, j))
			sub.Corr.SetSym(a, b, r.Corr.At(i, j))
		}
	}
	return sub
}

// symRows converts a symmetric matrix to nested slices for payloads.
func symRows(m *mat.SymDense) [][]float64 {
	n := m.SymmetricDim()
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		for j := range out[i] {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}

func portfolioVariance(w []float64, cov *mat.SymDense) float64 {
	v := mat.NewVecDense(len(w), w)
	return math.Max(mat.Inner(v, cov, v), 0)
}

func portfolioReturn(w, means []float64) float64 {
	return dotProduct(w, means)
}

// marginalRisk returns Σw.
func marginalRisk(w []float64, cov *mat.SymDense) []float64 {
	var out mat.VecDense
	out.MulVec(cov, mat.NewVecDense(len(w), w))
	return out.RawVector().Data
}

func dotProduct(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
