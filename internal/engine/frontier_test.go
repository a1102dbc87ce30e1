package engine

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestEfficientFrontier_MonotoneAndSingleUse(t *testing.T) {
	p := toyProblem(
		[]float64{0.04, 0.07, 0.10, 0.13},
		[]float64{0.05, 0.10, 0.16, 0.25},
		[][]float64{{1, 0.2, 0.1, 0.0}, {0.2, 1, 0.3, 0.2}, {0.1, 0.3, 1, 0.4}, {0.0, 0.2, 0.4, 1}},
	)
	seq, err := EfficientFrontier(context.Background(), p, FrontierRequest{Points: 8, RiskFreeRate: 0.02}, testSettings())
	if err != nil {
		t.Fatal(err)
	}
	var pts []FrontierPoint
	for pt := range seq {
		pts = append(pts, pt)
	}
	if len(pts) < 7 {
		t.Fatalf("got %d points, want at least 7 of 8", len(pts))
	}
	for k := 1; k < len(pts); k++ {
		if pts[k].Return < pts[k-1].Return-1e-6 {
			t.Errorf("return decreases at %d: %v < %v", k, pts[k].Return, pts[k-1].Return)
		}
		if pts[k].Risk < pts[k-1].Risk-1e-6 {
			t.Errorf("risk decreases at %d: %v < %v", k, pts[k].Risk, pts[k-1].Risk)
		}
		if math.Abs(sum(pts[k].Weights)-1) > 1e-6 {
			t.Errorf("point %d weights sum to %v", k, sum(pts[k].Weights))
		}
	}
	if last := pts[len(pts)-1]; last.Return < 0.12 {
		t.Errorf("last point return = %v, want near the max-return asset's 0.13", last.Return)
	}

	again := 0
	for range seq {
		again++
	}
	if again != 0 {
		t.Errorf("second iteration yielded %d points, want 0", again)
	}
}

func TestEfficientFrontier_EarlyBreak(t *testing.T) {
	p := toyProblem([]float64{0.05, 0.09}, []float64{0.1, 0.2}, nil)
	seq, err := EfficientFrontier(context.Background(), p, FrontierRequest{Points: 10}, testSettings())
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Errorf("consumed %d points, want 3", n)
	}
}

func TestEfficientFrontier_Rejects(t *testing.T) {
	p := toyProblem([]float64{0.05, 0.09}, []float64{0.1, 0.2}, nil)
	if _, err := EfficientFrontier(context.Background(), p, FrontierRequest{Points: 1}, testSettings()); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("points=1: err = %v", err)
	}
	bad := FrontierRequest{Points: 5, Constraints: Constraints{Assets: map[string]Bound{"A0": {Min: 0.7, Max: 1}, "A1": {Min: 0.7, Max: 1}}}}
	if _, err := EfficientFrontier(context.Background(), p, bad, testSettings()); !errors.Is(err, ErrInfeasibleConstraints) {
		t.Errorf("infeasible: err = %v", err)
	}
}

func TestRandomScatter_FeasibleAndSeeded(t *testing.T) {
	p := historyProblem(t, 200, 12)
	c := Constraints{Assets: map[string]Bound{"A0": {Min: 0, Max: 0.2}}}
	a, err := RandomScatter(p, c, 100, 0.02, 7)
	if err != nil {
		t.Fatal(err)
	}
	b, err := RandomScatter(p, c, 100, 0.02, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 100 || len(b) != 100 {
		t.Fatalf("len = %d, %d; want 100", len(a), len(b))
	}
	for i := range a {
		if a[i].Risk != b[i].Risk || a[i].Return != b[i].Return {
			t.Fatalf("point %d differs between runs with the same seed", i)
		}
		if a[i].Risk <= 0 || a[i].Sharpe == nil {
			t.Errorf("point %d = %+v", i, a[i])
		}
	}
}
