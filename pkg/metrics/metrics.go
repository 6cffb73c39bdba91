// Package metrics exposes Prometheus metrics for flow executions, the durable scheduler and the
// HTTP API. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes recorded by RecordJobFinished.
const (
	JobCompleted = "completed"
	JobRetried   = "retried"
	JobFailed    = "failed"
)

// Metrics holds all Prometheus metrics for convoflow
type Metrics struct {
	// Event metrics
	eventsTotal *prometheus.CounterVec
	dedupHits   prometheus.Counter

	// Execution metrics
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	// Scheduler metrics
	jobsScheduled *prometheus.CounterVec
	jobsClaimed   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
	jobsRecovered prometheus.Counter
	jobDuration   prometheus.Histogram

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a metrics instance backed by its own registry
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoflow_events_total",
				Help: "Total number of inbound events by event type",
			},
			[]string{"event_type"},
		),

		dedupHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "convoflow_dedup_hits_total",
				Help: "Total number of inbound events dropped as duplicates",
			},
		),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoflow_executions_total",
				Help: "Total number of flow executions by final status",
			},
			[]string{"status"},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convoflow_execution_duration_seconds",
				Help:    "Flow execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		jobsScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoflow_jobs_scheduled_total",
				Help: "Total number of scheduled jobs created by kind",
			},
			[]string{"kind"},
		),

		jobsClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "convoflow_jobs_claimed_total",
				Help: "Total number of jobs claimed by this worker",
			},
		),

		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoflow_jobs_finished_total",
				Help: "Total number of job runs by outcome",
			},
			[]string{"outcome"},
		),

		jobsCancelled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoflow_jobs_cancelled_total",
				Help: "Total number of pending jobs cancelled by reason",
			},
			[]string{"reason"},
		),

		jobsRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "convoflow_jobs_recovered_total",
				Help: "Total number of stuck running jobs returned to pending",
			},
		),

		jobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convoflow_job_duration_seconds",
				Help:    "Job run duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoflow_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convoflow_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.eventsTotal,
		m.dedupHits,
		m.executionsTotal,
		m.executionDuration,
		m.jobsScheduled,
		m.jobsClaimed,
		m.jobsFinished,
		m.jobsCancelled,
		m.jobsRecovered,
		m.jobDuration,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordEvent records an inbound event
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}

	m.eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordDuplicate records an event dropped by deduplication
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}

	m.dedupHits.Inc()
}

// RecordExecution records a finished flow execution
func (m *Metrics) RecordExecution(status string, duration time.Duration) {
	if m == nil {
		return
	}

	m.executionsTotal.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordJobScheduled records a newly created job
func (m *Metrics) RecordJobScheduled(kind string) {
	if m == nil {
		return
	}

	m.jobsScheduled.WithLabelValues(kind).Inc()
}

// RecordJobClaimed records a successful claim
func (m *Metrics) RecordJobClaimed() {
	if m == nil {
		return
	}

	m.jobsClaimed.Inc()
}

// RecordJobFinished records the outcome of a job run
func (m *Metrics) RecordJobFinished(outcome string, duration time.Duration) {
	if m == nil {
		return
	}

	m.jobsFinished.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(duration.Seconds())
}

// RecordJobsCancelled records cancelled pending jobs
func (m *Metrics) RecordJobsCancelled(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}

	m.jobsCancelled.WithLabelValues(reason).Add(float64(count))
}

// RecordJobsRecovered records stuck jobs returned to pending
func (m *Metrics) RecordJobsRecovered(count int) {
	if m == nil || count <= 0 {
		return
	}

	m.jobsRecovered.Add(float64(count))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}

	m.httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
