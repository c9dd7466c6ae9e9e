// Package metrics provides Prometheus collectors for the pipeline runtime.
// Covers queue, pipeline, sandbox, rate-limit, and webhook instrumentation.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	// Queue metrics
	JobsEnqueuedTotal  prometheus.Counter
	JobsCompletedTotal *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	JobDuration        prometheus.Histogram

	// Pipeline metrics
	PipelineStatusTotal *prometheus.CounterVec
	PipelineIterations  prometheus.Histogram
	PhaseDuration       *prometheus.HistogramVec

	// Sandbox metrics
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionsInFlight prometheus.Gauge
	ExecutionRetries   prometheus.Counter
	CleanupFailures    prometheus.Counter

	// Rate limit metrics
	RateLimitChecksTotal *prometheus.CounterVec
	RecordedCostTotal    prometheus.Counter

	// Webhook metrics
	WebhookDeliveriesTotal *prometheus.CounterVec
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics.
func newMetrics() *Metrics {
	m := &Metrics{}

	// Queue metrics
	m.JobsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs accepted into the queue",
		},
	)

	m.JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "queue",
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	m.QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of jobs currently waiting in the queue",
		},
	)

	m.JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "End-to-end job duration from dequeue to terminal status",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	// Pipeline metrics
	m.PipelineStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "pipeline",
			Name:      "status_total",
			Help:      "Terminal pipeline statuses by status name",
		},
		[]string{"status"},
	)

	m.PipelineIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "pipeline",
			Name:      "iterations",
			Help:      "Number of iterations a pipeline ran before terminating",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		},
	)

	m.PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Duration of individual pipeline phases",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"phase"},
	)

	// Sandbox metrics
	m.ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Sandbox executions by language, phase, and outcome",
		},
		[]string{"language", "phase", "status"},
	)

	m.ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "crucible",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Container execution wall-clock duration",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"language", "phase"},
	)

	m.ExecutionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crucible",
			Subsystem: "sandbox",
			Name:      "executions_in_flight",
			Help:      "Sandbox executions currently holding a semaphore slot",
		},
	)

	m.ExecutionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "sandbox",
			Name:      "execution_retries_total",
			Help:      "Retry attempts performed by ExecuteWithRetry",
		},
	)

	m.CleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "sandbox",
			Name:      "cleanup_failures_total",
			Help:      "Container or workspace teardown failures",
		},
	)

	// Rate limit metrics
	m.RateLimitChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "ratelimit",
			Name:      "checks_total",
			Help:      "Admission checks by outcome (allowed, denied)",
		},
		[]string{"outcome"},
	)

	m.RecordedCostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "ratelimit",
			Name:      "recorded_cost_total",
			Help:      "Cumulative cost recorded across all pipeline runs",
		},
	)

	// Webhook metrics
	m.WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crucible",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	return m
}

// RecordJobCompleted records a terminal job with its total duration.
func (m *Metrics) RecordJobCompleted(status string, duration time.Duration) {
	m.JobsCompletedTotal.WithLabelValues(status).Inc()
	m.JobDuration.Observe(duration.Seconds())
}

// RecordPipelineResult records the terminal status and iteration count of a run.
func (m *Metrics) RecordPipelineResult(status string, iterations int) {
	m.PipelineStatusTotal.WithLabelValues(status).Inc()
	m.PipelineIterations.Observe(float64(iterations))
}

// RecordPhase records one pipeline phase execution.
func (m *Metrics) RecordPhase(phase string, duration time.Duration) {
	m.PhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordExecution records one sandbox execution outcome.
func (m *Metrics) RecordExecution(language, phase, status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(language, phase, status).Inc()
	m.ExecutionDuration.WithLabelValues(language, phase).Observe(duration.Seconds())
}

// RecordRateLimitCheck records an admission decision.
func (m *Metrics) RecordRateLimitCheck(allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.RateLimitChecksTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func (m *Metrics) RecordWebhookDelivery(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}
