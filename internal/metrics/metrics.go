// Package metrics records convergence activity on a private prometheus
// registry. The CLI writes the registry to a node-exporter textfile after a
// command finishes.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kingrea/converge/internal/evaluate"
	"github.com/kingrea/converge/internal/workflow/engine"
)

const namespace = "converge"

// Recorder implements the engine and spawn observers.
type Recorder struct {
	registry *prometheus.Registry

	iterations    *prometheus.CounterVec
	checks        *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	delta         *prometheus.GaugeVec
	converged     *prometheus.CounterVec
	spawns        *prometheus.CounterVec
	foldBacks     *prometheus.CounterVec
}

// New builds a Recorder on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		iterations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Iterations completed per edge.",
		}, []string{"edge"}),
		checks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Checks evaluated by edge, evaluator category, and outcome.",
		}, []string{"edge", "check_type", "outcome"}),
		checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Wall time spent evaluating one check.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"check_type"}),
		delta: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delta",
			Help:      "Delta of the latest iteration per feature and edge.",
		}, []string{"feature", "edge"}),
		converged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edges_converged_total",
			Help:      "Edges that reached delta zero.",
		}, []string{"edge"}),
		spawns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spawn",
			Name:      "created_total",
			Help:      "Child investigations spawned by vector type.",
		}, []string{"vector_type"}),
		foldBacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spawn",
			Name:      "folded_back_total",
			Help:      "Children folded back into their parent by outcome.",
		}, []string{"outcome"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// CheckEvaluated implements engine.Observer.
func (r *Recorder) CheckEvaluated(edge string, result evaluate.CheckResult) {
	r.checks.WithLabelValues(edge, string(result.CheckType), string(result.Outcome)).Inc()
	r.checkDuration.WithLabelValues(string(result.CheckType)).Observe(result.Duration.Seconds())
}

// IterationCompleted implements engine.Observer.
func (r *Recorder) IterationCompleted(result engine.EvaluationResult) {
	r.iterations.WithLabelValues(result.Edge).Inc()
	r.delta.WithLabelValues(result.Feature, result.Edge).Set(float64(result.Delta))
	if result.Converged {
		r.converged.WithLabelValues(result.Edge).Inc()
	}
}

// SpawnCreated implements spawn.Observer.
func (r *Recorder) SpawnCreated(vectorType string) {
	r.spawns.WithLabelValues(vectorType).Inc()
}

// FoldedBack implements spawn.Observer.
func (r *Recorder) FoldedBack(outcome string) {
	r.foldBacks.WithLabelValues(outcome).Inc()
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("metrics: ensure dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
