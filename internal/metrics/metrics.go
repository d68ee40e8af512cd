// Package metrics exports orchestrator counters/gauges/histograms in
// Prometheus format, following the 88lin-divinesense family's pattern of
// a dedicated exporter type wrapping its own prometheus.Registry rather
// than relying on the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter holds the process's Prometheus metrics.
type Exporter struct {
	registry *prometheus.Registry

	tasksDispatched *prometheus.CounterVec
	tasksFailed     *prometheus.CounterVec
	tasksRetried    *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	taskDuration    *prometheus.HistogramVec
}

// New constructs an Exporter on a fresh registry.
func New() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{registry: registry}

	e.tasksDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipelinetool",
		Name:      "tasks_dispatched_total",
		Help:      "Total number of task dispatch attempts.",
	}, []string{"pipeline", "function"})

	e.tasksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipelinetool",
		Name:      "tasks_failed_total",
		Help:      "Total number of task attempts that ended in failure.",
	}, []string{"pipeline", "function"})

	e.tasksRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipelinetool",
		Name:      "tasks_retried_total",
		Help:      "Total number of task attempts re-enqueued as a retry.",
	}, []string{"pipeline", "function"})

	e.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipelinetool",
		Name:      "queue_depth",
		Help:      "Current number of ready tasks waiting in the priority queue.",
	})

	e.taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipelinetool",
		Name:      "task_duration_seconds",
		Help:      "Task execution duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pipeline", "function"})

	e.registry.MustRegister(e.tasksDispatched, e.tasksFailed, e.tasksRetried, e.queueDepth, e.taskDuration)
	return e
}

// Handler returns the HTTP handler serving this exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ObserveDispatch records a dispatch attempt for a (pipeline, function) pair.
func (e *Exporter) ObserveDispatch(pipeline, function string) {
	e.tasksDispatched.WithLabelValues(pipeline, function).Inc()
}

// ObserveFailure records a failed attempt.
func (e *Exporter) ObserveFailure(pipeline, function string) {
	e.tasksFailed.WithLabelValues(pipeline, function).Inc()
}

// ObserveRetry records an attempt re-enqueued as a retry.
func (e *Exporter) ObserveRetry(pipeline, function string) {
	e.tasksRetried.WithLabelValues(pipeline, function).Inc()
}

// ObserveDuration records a task's wall-clock execution time.
func (e *Exporter) ObserveDuration(pipeline, function string, seconds float64) {
	e.taskDuration.WithLabelValues(pipeline, function).Observe(seconds)
}

// SetQueueDepth sets the current ready-queue length gauge.
func (e *Exporter) SetQueueDepth(n int) {
	e.queueDepth.Set(float64(n))
}
