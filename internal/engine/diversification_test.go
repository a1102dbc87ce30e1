package engine

import (
	"errors"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// toyModel builds a risk model straight from vols and a correlation matrix
// (nil = uncorrelated).
func toyModel(vol []float64, corr [][]float64) *RiskModel {
	n := len(vol)
	p := toyProblem(make([]float64, n), vol, corr)
	return &RiskModel{
		Symbols:        p.Symbols,
		Mean:           p.Mean,
		Vols:           vol,
		Cov:            p.Cov,
		Corr:           correlationFromCov(p.Cov),
		PeriodsPerYear: 252,
	}
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

func TestComputeDiversification_EqualWeightUncorrelated(t *testing.T) {
	model := toyModel([]float64{0.2, 0.2, 0.2, 0.2}, nil)
	d, err := ComputeDiversification(model, equalWeights(4), ptr(1.0), -0.25, DiversificationOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(d.HHI-0.25) > 1e-12 {
		t.Errorf("HHI = %v, want 0.25", d.HHI)
	}
	if d.HHILabel != "moderate" {
		t.Errorf("HHILabel = %q, want moderate", d.HHILabel)
	}
	if d.DiversificationRatio == nil || math.Abs(*d.DiversificationRatio-2) > 1e-9 {
		t.Errorf("DiversificationRatio = %v, want 2", d.DiversificationRatio)
	}
	if d.EffectiveBets == nil || math.Abs(*d.EffectiveBets-4) > 1e-9 {
		t.Errorf("EffectiveBets = %v, want 4", d.EffectiveBets)
	}
	if d.EffectiveBetsMethod != "entropy" {
		t.Errorf("EffectiveBetsMethod = %q", d.EffectiveBetsMethod)
	}
	// Sharpe 1 → 50, DR 2 → 100, HHI 0.25 → 50, drawdown 25% → 50.
	want := (40*50.0 + 30*100.0 + 10*50.0 + 20*50.0) / 100
	if math.Abs(d.HealthScore-want) > 1e-9 {
		t.Errorf("HealthScore = %v, want %v (subscores %+v)", d.HealthScore, want, d.SubScores)
	}
}

func TestComputeDiversification_ConcentratedAndCorrelated(t *testing.T) {
	corr := [][]float64{{1, 0.999999}, {0.999999, 1}}
	model := toyModel([]float64{0.1, 0.1}, corr)
	d, err := ComputeDiversification(model, []float64{1, 0}, nil, 0, DiversificationOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if d.HHI != 1 || d.HHILabel != "concentrated" {
		t.Errorf("HHI = %v (%s), want 1 concentrated", d.HHI, d.HHILabel)
	}
	if d.DiversificationRatio == nil || math.Abs(*d.DiversificationRatio-1) > 1e-9 {
		t.Errorf("DiversificationRatio = %v, want 1", d.DiversificationRatio)
	}
	// Only the held asset enters the effective-bets block.
	if d.EffectiveBets == nil || math.Abs(*d.EffectiveBets-1) > 1e-9 {
		t.Errorf("EffectiveBets = %v, want 1", d.EffectiveBets)
	}
	if d.SubScores.Sharpe != 0 {
		t.Errorf("Sharpe subscore = %v, want 0 when Sharpe is undefined", d.SubScores.Sharpe)
	}
	if d.SubScores.Drawdown != 100 {
		t.Errorf("Drawdown subscore = %v, want 100", d.SubScores.Drawdown)
	}
}

func TestComputeDiversification_BoundsAcrossRandomWeights(t *testing.T) {
	p := historyProblem(t, 400, 3)
	model := &RiskModel{Symbols: p.Symbols, Mean: p.Mean, Cov: p.Cov, Corr: correlationFromCov(p.Cov)}
	for i := 0; i < p.Cov.SymmetricDim(); i++ {
		model.Vols = append(model.Vols, math.Sqrt(p.Cov.At(i, i)))
	}
	rc, err := Constraints{}.resolve(p.Symbols)
	if err != nil {
		t.Fatal(err)
	}
	n := float64(len(p.Symbols))
	for _, w := range randomFeasibleWeights(rc, 200, 9) {
		d, err := ComputeDiversification(model, w, ptr(0.5), -0.1, DiversificationOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if d.HHI < 1/n-1e-12 || d.HHI > 1+1e-12 {
			t.Errorf("HHI %v outside [1/N, 1]", d.HHI)
		}
		if d.DiversificationRatio != nil && *d.DiversificationRatio < 1-1e-9 {
			t.Errorf("DiversificationRatio %v < 1 for long-only weights", *d.DiversificationRatio)
		}
		if d.HealthScore < 0 || d.HealthScore > 100 {
			t.Errorf("HealthScore %v outside [0, 100]", d.HealthScore)
		}
	}
}

func TestComputeDiversification_Rejects(t *testing.T) {
	model := toyModel([]float64{0.1, 0.2}, nil)
	if _, err := ComputeDiversification(model, []float64{1}, nil, 0, DiversificationOptions{}); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("length mismatch: err = %v", err)
	}
	bad := DiversificationOptions{Weights: HealthWeights{Sharpe: 50, DivRatio: 50, HHI: 50}}
	if _, err := ComputeDiversification(model, []float64{0.5, 0.5}, nil, 0, bad); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("bad weights: err = %v", err)
	}
}

func TestResolveHealthWeights(t *testing.T) {
	w, warn := ResolveHealthWeights(nil)
	if w != DefaultHealthWeights() || warn != "" {
		t.Errorf("nil override = %+v, %q", w, warn)
	}
	custom := HealthWeights{Sharpe: 25, DivRatio: 25, HHI: 25, Drawdown: 25}
	if w, warn := ResolveHealthWeights(&custom); w != custom || warn != "" {
		t.Errorf("valid override = %+v, %q", w, warn)
	}
	bad := HealthWeights{Sharpe: 90, DivRatio: 30}
	w, warn = ResolveHealthWeights(&bad)
	if w != DefaultHealthWeights() {
		t.Errorf("invalid override should fall back, got %+v", w)
	}
	if !strings.Contains(warn, "sum to 120") {
		t.Errorf("warning = %q", warn)
	}
}

func TestScore_InterpolatesAndClamps(t *testing.T) {
	hhiTable := DefaultHealthScale().HHI
	tests := []struct {
		x, want float64
	}{
		{0.05, 100},
		{0.10, 100},
		{0.175, 75},
		{0.25, 50},
		{1, 0},
		{2, 0},
	}
	for _, tt := range tests {
		if got := score(hhiTable, tt.x); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("score(hhi, %v) = %v, want %v", tt.x, got, tt.want)
		}
	}
	if got := score(nil, 1); got != 0 {
		t.Errorf("empty table = %v", got)
	}
	if got := score([]Breakpoint{{0, -20}, {1, 150}}, 1); got != 100 {
		t.Errorf("score above 100 should clamp, got %v", got)
	}
}

func TestBetsEstimators_AgreeOnIdentity(t *testing.T) {
	id := mat.NewSymDense(3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	for _, name := range []string{"entropy", "inverse_hhi"} {
		b, err := BetsEstimatorByName(name)
		if err != nil {
			t.Fatal(err)
		}
		got, err := b.EffectiveBets(id)
		if err != nil || math.Abs(got-3) > 1e-9 {
			t.Errorf("%s on identity = %v, %v; want 3", name, got, err)
		}
	}
	if _, err := BetsEstimatorByName("pca"); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("unknown method err = %v", err)
	}
}

func TestNewRiskModel_AnnualizesAndShrinks(t *testing.T) {
	m := syntheticMatrix(60, []float64{0.001, 0.0005, 0.0002}, []float64{0.02, 0.01, 0.005}, 5)
	sample, err := NewRiskModel(m, SampleCovariance)
	if err != nil {
		t.Fatal(err)
	}
	col := m.Column(0)
	if math.Abs(sample.Mean[0]-mean(col)*252) > 1e-12 {
		t.Errorf("Mean[0] = %v, want %v", sample.Mean[0], mean(col)*252)
	}
	for i := range sample.Symbols {
		if sample.Corr.At(i, i) != 1 {
			t.Errorf("Corr[%d][%d] = %v", i, i, sample.Corr.At(i, i))
		}
	}

	lw, err := NewRiskModel(m, LedoitWolf)
	if err != nil {
		t.Fatal(err)
	}
	var trS, trLW float64
	for i := range lw.Symbols {
		trS += sample.Cov.At(i, i)
		trLW += lw.Cov.At(i, i)
		for j := range lw.Symbols {
			if i == j {
				continue
			}
			if math.Abs(lw.Cov.At(i, j)) > math.Abs(sample.Cov.At(i, j))+1e-15 {
				t.Errorf("shrunk cov[%d][%d] = %v exceeds sample %v", i, j, lw.Cov.At(i, j), sample.Cov.At(i, j))
			}
		}
	}
	if math.Abs(trS-trLW) > 1e-12 {
		t.Errorf("trace changed under shrinkage: %v vs %v", trS, trLW)
	}
}

func TestNewRiskModel_NeedsTwoPeriods(t *testing.T) {
	m := syntheticMatrix(1, []float64{0, 0}, []float64{0.01, 0.01}, 1)
	if _, err := NewRiskModel(m, SampleCovariance); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("err = %v, want InsufficientData", err)
	}
	if _, err := ParseCovarianceEstimator("shrinkage"); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("ParseCovarianceEstimator err = %v", err)
	}
}
