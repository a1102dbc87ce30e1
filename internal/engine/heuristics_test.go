package engine

import (
	"context"
	"math"
	"slices"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestRiskParity_UncorrelatedIsInverseVolatility(t *testing.T) {
	p := toyProblem([]float64{0.05, 0.06, 0.07}, []float64{0.1, 0.2, 0.4}, nil)
	res, err := Optimize(context.Background(), p, OptimizationRequest{Objective: RiskParity}, testSettings())
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{4.0 / 7, 2.0 / 7, 1.0 / 7}
	for i, w := range res.Weights.Weights {
		if math.Abs(w-want[i]) > 1e-6 {
			t.Errorf("w[%d] = %v, want %v", i, w, want[i])
		}
	}
	if !res.Converged {
		t.Errorf("Converged = false, warnings %v", res.Warnings)
	}
}

func TestRiskParity_EqualContributions(t *testing.T) {
	p := historyProblem(t, 500, 21)
	res, err := Optimize(context.Background(), p, OptimizationRequest{Objective: RiskParity}, testSettings())
	if err != nil {
		t.Fatal(err)
	}
	w := res.Weights.Weights
	if math.Abs(sum(w)-1) > 1e-9 {
		t.Fatalf("sum = %v", sum(w))
	}
	rc := RiskContributions(w, p.Cov)
	avg := sum(rc) / float64(len(rc))
	for i, c := range rc {
		if math.Abs(c-avg)/avg > 0.01 {
			t.Errorf("contribution %d = %v, mean %v (more than 1%% apart)", i, c, avg)
		}
	}
}

func TestRiskParity_BoundsWarn(t *testing.T) {
	p := toyProblem([]float64{0.05, 0.06, 0.07}, []float64{0.05, 0.2, 0.4}, nil)
	req := OptimizationRequest{
		Objective:   RiskParity,
		Constraints: Constraints{Assets: map[string]Bound{"A0": {Min: 0, Max: 0.5}}},
	}
	res, err := Optimize(context.Background(), p, req, testSettings())
	if err != nil {
		t.Fatal(err)
	}
	if w := res.Weights.Weights[0]; w > 0.5+feasibilityTol {
		t.Errorf("w[A0] = %v exceeds its 0.5 cap", w)
	}
	if len(res.Warnings) == 0 {
		t.Error("bounded risk parity should carry a warning")
	}
}

func TestClusterOrder_KeepsCorrelatedPairsAdjacent(t *testing.T) {
	corr := mat.NewSymDense(4, []float64{
		1, 0.1, 0.9, 0.0,
		0.1, 1, 0.2, 0.8,
		0.9, 0.2, 1, 0.1,
		0.0, 0.8, 0.1, 1,
	})
	for _, l := range []Linkage{SingleLinkage, AverageLinkage} {
		got := clusterOrder(corr, l)
		if !slices.Equal(got, []int{0, 2, 1, 3}) {
			t.Errorf("%s linkage order = %v, want [0 2 1 3]", l, got)
		}
	}
}

func TestHRP_TwoAssetsInverseVariance(t *testing.T) {
	p := toyProblem([]float64{0.05, 0.05}, []float64{0.1, 0.2}, nil)
	res, err := Optimize(context.Background(), p, OptimizationRequest{Objective: HierarchicalRiskParity}, testSettings())
	if err != nil {
		t.Fatal(err)
	}
	if w := res.Weights.Weights; math.Abs(w[0]-0.8) > 1e-9 || math.Abs(w[1]-0.2) > 1e-9 {
		t.Errorf("weights = %v, want [0.8 0.2]", w)
	}
}

func TestHRP_DeterministicAndFullyInvested(t *testing.T) {
	p := historyProblem(t, 300, 8)
	s := testSettings()
	first, err := Optimize(context.Background(), p, OptimizationRequest{Objective: HierarchicalRiskParity}, s)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Optimize(context.Background(), p, OptimizationRequest{Objective: HierarchicalRiskParity}, s)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(first.Weights.Weights, second.Weights.Weights) {
		t.Errorf("HRP not deterministic: %v vs %v", first.Weights.Weights, second.Weights.Weights)
	}
	if math.Abs(sum(first.Weights.Weights)-1) > 1e-9 {
		t.Errorf("sum = %v", sum(first.Weights.Weights))
	}
	for i, w := range first.Weights.Weights {
		if w <= 0 {
			t.Errorf("w[%d] = %v, HRP weights are strictly positive", i, w)
		}
	}
}

func TestRecursiveBisection_SumsToOne(t *testing.T) {
	p := historyProblem(t, 200, 4)
	w := recursiveBisection(p.Cov, []int{4, 2, 0, 1, 3})
	if math.Abs(sum(w)-1) > 1e-12 {
		t.Errorf("sum = %v", sum(w))
	}
}
