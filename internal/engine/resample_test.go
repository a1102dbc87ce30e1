package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"testing"
)

func resampleSettings(workers int) SolverSettings {
	s := testSettings()
	s.Restarts = 2
	s.Resample.Count = 20
	s.Resample.Workers = workers
	return s
}

func TestResample_DeterministicAcrossWorkerCounts(t *testing.T) {
	p := historyProblem(t, 250, 13)
	for _, count := range []int{20, 50} {
		req := OptimizationRequest{Objective: MinVolatility.Robust(), Resamples: count}

		serial, err := Optimize(context.Background(), p, req, resampleSettings(1))
		if err != nil {
			t.Fatalf("R=%d: %v", count, err)
		}
		parallel, err := Optimize(context.Background(), p, req, resampleSettings(4))
		if err != nil {
			t.Fatalf("R=%d: %v", count, err)
		}
		again, err := Optimize(context.Background(), p, req, resampleSettings(4))
		if err != nil {
			t.Fatalf("R=%d: %v", count, err)
		}
		if !slices.Equal(serial.Weights.Weights, parallel.Weights.Weights) {
			t.Errorf("R=%d: weights depend on scheduling:\n%v\n%v", count, serial.Weights.Weights, parallel.Weights.Weights)
		}
		if !slices.Equal(parallel.Weights.Weights, again.Weights.Weights) {
			t.Errorf("R=%d: repeated run differs:\n%v\n%v", count, parallel.Weights.Weights, again.Weights.Weights)
		}
		if math.Abs(sum(serial.Weights.Weights)-1) > 1e-9 {
			t.Errorf("R=%d: sum = %v", count, sum(serial.Weights.Weights))
		}
		sm := serial.Resampling
		if sm == nil || sm.Requested != count || sm.Used != count || sm.Method != StationaryBootstrap {
			t.Errorf("R=%d: summary = %+v", count, sm)
		}
	}
}

func TestResample_RespectsBounds(t *testing.T) {
	p := historyProblem(t, 250, 2)
	req := OptimizationRequest{
		Objective:   MaxSharpe.Robust(),
		Resamples:   10,
		Constraints: Constraints{Assets: map[string]Bound{"A0": {Min: 0, Max: 0.3}, "A2": {Min: 0.1, Max: 1}}},
	}
	res, err := Optimize(context.Background(), p, req, resampleSettings(2))
	if err != nil {
		t.Fatal(err)
	}
	w := res.Weights.Weights
	if w[0] > 0.3+feasibilityTol || w[2] < 0.1-feasibilityTol {
		t.Errorf("weights %v break the bounds", w)
	}
}

func TestResample_CountOutOfRange(t *testing.T) {
	p := historyProblem(t, 100, 1)
	for _, n := range []int{5, 501} {
		req := OptimizationRequest{Objective: MinVolatility.Robust(), Resamples: n}
		if _, err := Optimize(context.Background(), p, req, resampleSettings(1)); !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("R=%d: err = %v, want InvalidConfiguration", n, err)
		}
	}
}

func TestResample_FailsBelowMinimumSuccess(t *testing.T) {
	p := historyProblem(t, 120, 6)
	target := 25.0 // far above any attainable annual return
	s := resampleSettings(2)
	s.MaxIterations = 200
	s.OuterIterations = 5
	req := OptimizationRequest{Objective: MinVolTargetReturn.Robust(), Target: &target, Resamples: 10}
	_, err := Optimize(context.Background(), p, req, s)
	var cf *ConvergenceFailureError
	if !errors.As(err, &cf) {
		t.Fatalf("err = %v, want ConvergenceFailure", err)
	}
	if cf.Objective != MinVolTargetReturn.Robust() {
		t.Errorf("Objective = %s", cf.Objective)
	}
}

func TestBootstrapRows_InRangeAndSeeded(t *testing.T) {
	for _, m := range []ResampleMethod{StationaryBootstrap, BlockBootstrap, IIDBootstrap} {
		a := bootstrapRows(rand.New(rand.NewPCG(1, resampleStream)), 50, m, 5)
		b := bootstrapRows(rand.New(rand.NewPCG(1, resampleStream)), 50, m, 5)
		if !slices.Equal(a, b) {
			t.Errorf("%s: same seed drew different rows", m)
		}
		for _, r := range a {
			if r < 0 || r >= 50 {
				t.Errorf("%s: row %d out of range", m, r)
			}
		}
	}
	// Fixed blocks advance one row at a time within a block.
	rows := bootstrapRows(rand.New(rand.NewPCG(3, resampleStream)), 20, BlockBootstrap, 5)
	for b := 0; b < 20; b += 5 {
		for k := 1; k < 5; k++ {
			if rows[b+k] != (rows[b+k-1]+1)%20 {
				t.Fatalf("block at %d is not contiguous: %v", b, rows[b:b+5])
			}
		}
	}
}

func TestParseResampleMethod(t *testing.T) {
	if m, err := ParseResampleMethod(""); err != nil || m != StationaryBootstrap {
		t.Errorf("empty = %v, %v", m, err)
	}
	if _, err := ParseResampleMethod("jackknife"); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("err = %v", err)
	}
}
