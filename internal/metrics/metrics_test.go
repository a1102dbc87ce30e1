package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ObserveSolve(t *testing.T) {
	r := NewRecorder()
	r.ObserveSolve("max_sharpe", OutcomeConverged, 20*time.Millisecond)
	r.ObserveSolve("max_sharpe", OutcomeConverged, 30*time.Millisecond)
	r.ObserveSolve("min_cvar", OutcomeFailed, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Solves.WithLabelValues("max_sharpe", OutcomeConverged)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Solves.WithLabelValues("min_cvar", OutcomeFailed)))
	assert.Equal(t, 2, testutil.CollectAndCount(r.SolveDuration))
}

func TestRecorder_Counters(t *testing.T) {
	r := NewRecorder()
	r.AddRestarts("hrp", 0)
	r.AddRestarts("max_kelly", 5)
	r.ObserveResample(OutcomeConverged)
	r.ObserveResample(OutcomeFailed)
	r.ObserveFetch(OutcomeError)
	r.ObserveCache(OutcomeHit)

	assert.Equal(t, 5.0, testutil.ToFloat64(r.Restarts.WithLabelValues("max_kelly")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.Restarts))
	assert.Equal(t, 2, testutil.CollectAndCount(r.Resamples))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Fetches.WithLabelValues(OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CacheLookups.WithLabelValues(OutcomeHit)))
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	r.ObserveSolve("x", OutcomeConverged, time.Second)
	r.AddRestarts("x", 3)
	r.ObserveResample(OutcomeFailed)
	r.ObserveFetch(OutcomeMiss)
	r.ObserveCache(OutcomeMiss)
	assert.Nil(t, r.Registry())
	assert.NoError(t, r.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.ObserveSolve("min_volatility", OutcomeConverged, 10*time.Millisecond)

	path := filepath.Join(t.TempDir(), "portfolio.prom")
	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `portfolio_solves_total{objective="min_volatility",outcome="converged"} 1`))
}
