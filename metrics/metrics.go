// Package metrics exposes Prometheus collectors for the job pipeline.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codequeue"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	outcomes   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    prometheus.Counter
	deadLetter prometheus.Counter
	submitted  *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Executions finished, by result category.",
		}, []string{"category"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of sandboxed executions.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
		}, []string{"language"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Failed attempts scheduled for retry.",
		}),
		deadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Jobs that exhausted their attempts.",
		}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted into the queue, by language.",
		}, []string{"language"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs currently held by the queue, by state.",
		}, []string{"state"}),
	}
	m.registry.MustRegister(
		m.outcomes, m.duration, m.retries, m.deadLetter, m.submitted, m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveExecution records one finished execution.
func (m *Metrics) ObserveExecution(language, category string, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(category).Inc()
	m.duration.WithLabelValues(language).Observe(d.Seconds())
}

// IncRetry counts an attempt scheduled for retry.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// IncDeadLetter counts a job moved to the failed set.
func (m *Metrics) IncDeadLetter() {
	if m == nil {
		return
	}
	m.deadLetter.Inc()
}

// IncSubmitted counts an accepted submission.
func (m *Metrics) IncSubmitted(language string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(language).Inc()
}

// SetQueueDepth sets the gauge for one queue state.
func (m *Metrics) SetQueueDepth(state string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(state).Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
