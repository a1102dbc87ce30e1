// Package metrics exposes Prometheus collectors for solver and data-fetch
// instrumentation. A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeConverged  = "converged"
	OutcomePartial    = "partial"
	OutcomeFailed     = "failed"
	OutcomeInfeasible = "infeasible"
	OutcomeHit        = "hit"
	OutcomeMiss       = "miss"
	OutcomeError      = "error"
	OutcomeOK         = "ok"
	OutcomeNotFound   = "not_found"
)

// Recorder holds the collectors on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	SolveDuration *prometheus.HistogramVec
	Solves        *prometheus.CounterVec
	Restarts      *prometheus.CounterVec
	Resamples     *prometheus.CounterVec
	Fetches       *prometheus.CounterVec
	CacheLookups  *prometheus.CounterVec
}

// NewRecorder creates and registers all collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		SolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portfolio_solve_duration_seconds",
				Help:    "Wall time of one optimization solve",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"objective"},
		),
		Solves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolio_solves_total",
				Help: "Optimization solves by objective and outcome",
			},
			[]string{"objective", "outcome"},
		),
		Restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolio_solver_restarts_total",
				Help: "Solver restarts run per objective",
			},
			[]string{"objective"},
		),
		Resamples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolio_resamples_total",
				Help: "Robust resample solves by outcome",
			},
			[]string{"outcome"},
		),
		Fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolio_price_fetches_total",
				Help: "Upstream price history requests by outcome",
			},
			[]string{"outcome"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolio_price_cache_lookups_total",
				Help: "Price cache lookups by outcome",
			},
			[]string{"outcome"},
		),
	}
	r.registry.MustRegister(r.SolveDuration, r.Solves, r.Restarts, r.Resamples, r.Fetches, r.CacheLookups)
	return r
}

// Registry returns the registry the collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveSolve records one finished solve.
func (r *Recorder) ObserveSolve(objective, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.SolveDuration.WithLabelValues(objective).Observe(d.Seconds())
	r.Solves.WithLabelValues(objective, outcome).Inc()
}

// ObserveRejected counts a request refused before solving.
func (r *Recorder) ObserveRejected(objective string) {
	if r == nil {
		return
	}
	r.Solves.WithLabelValues(objective, OutcomeInfeasible).Inc()
}

// AddRestarts counts solver restarts.
func (r *Recorder) AddRestarts(objective string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.Restarts.WithLabelValues(objective).Add(float64(n))
}

// ObserveResample counts one resample solve.
func (r *Recorder) ObserveResample(outcome string) {
	if r == nil {
		return
	}
	r.Resamples.WithLabelValues(outcome).Inc()
}

// ObserveFetch counts one upstream price request.
func (r *Recorder) ObserveFetch(outcome string) {
	if r == nil {
		return
	}
	r.Fetches.WithLabelValues(outcome).Inc()
}

// ObserveCache counts one cache lookup.
func (r *Recorder) ObserveCache(outcome string) {
	if r == nil {
		return
	}
	r.CacheLookups.WithLabelValues(outcome).Inc()
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
