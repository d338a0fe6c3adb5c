// Package telemetry exposes Prometheus instruments for the planning pipeline.
// A nil *Metrics is valid and records nothing, so components take it as an
// optional dependency.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument. Build it with New.
type Metrics struct {
	registry *prometheus.Registry

	scenarios        *prometheus.CounterVec
	scenarioRetries  prometheus.Counter
	scenarioDuration prometheus.Histogram
	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram
	queueDepth       *prometheus.GaugeVec
	explanations     *prometheus.CounterVec
	artifacts        *prometheus.CounterVec
}

// New registers the instruments on a fresh registry under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scenarios: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scenarios_total",
			Help: "Scenario simulations by terminal status.",
		}, []string{"status"}),
		scenarioRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scenario_retries_total",
			Help: "Retried simulation attempts after transient failures.",
		}),
		scenarioDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "scenario_duration_seconds",
			Help:    "Wall-clock time per scenario, retries included.",
			Buckets: prometheus.DefBuckets,
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Runs by terminal state.",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Wall-clock time per run.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_entries",
			Help: "Simulation queue entries by state.",
		}, []string{"state"}),
		explanations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "explanations_total",
			Help: "Explanations by abstention flag.",
		}, []string{"abstained"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "artifacts_persisted_total",
			Help: "Artifacts written to the store by type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		m.scenarios, m.scenarioRetries, m.scenarioDuration,
		m.runs, m.runDuration, m.queueDepth, m.explanations, m.artifacts,
	)
	return m
}

// Registry returns the registry holding the instruments.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ScenarioFinished(status string, retries int, d time.Duration) {
	if m == nil {
		return
	}
	m.scenarios.WithLabelValues(status).Inc()
	m.scenarioDuration.Observe(d.Seconds())
	if retries > 0 {
		m.scenarioRetries.Add(float64(retries))
	}
}

func (m *Metrics) RunFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
	m.runDuration.Observe(d.Seconds())
}

// QueueDepth sets the gauge for each state in counts. States absent from
// counts are reset to zero.
func (m *Metrics) QueueDepth(states []string, counts map[string]int) {
	if m == nil {
		return
	}
	for _, s := range states {
		m.queueDepth.WithLabelValues(s).Set(float64(counts[s]))
	}
}

func (m *Metrics) Explanation(abstained bool) {
	if m == nil {
		return
	}
	m.explanations.WithLabelValues(strconv.FormatBool(abstained)).Inc()
}

func (m *Metrics) ArtifactPersisted(artifactType string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(artifactType).Inc()
}
