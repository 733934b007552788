// Package metrics exposes Prometheus collectors for the queue, the worker
// pool and the realtime registry. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/ai-response-service/internal/queue"
)

const namespace = "ai_response"

// Job outcomes recorded by jobs_processed_total.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Metrics groups the service collectors.
type Metrics struct {
	jobsProcessed *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsInFlight  *prometheus.GaugeVec
	queueJobs     *prometheus.GaugeVec
	connections   prometheus.Gauge
	messagesSent  *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Job attempts finished, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler time of successful jobs.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"queue"}),
		jobsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being handled by this process.",
		}, []string{"queue"}),
		queueJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs per queue and state, sampled by the janitor.",
		}, []string{"queue", "state"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Live push connections.",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_messages_sent_total",
			Help:      "Messages delivered to push connections, by addressing scope.",
		}, []string{"scope"}),
	}

	for _, c := range []prometheus.Collector{
		m.jobsProcessed, m.jobDuration, m.jobsInFlight, m.queueJobs, m.connections, m.messagesSent,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// JobStarted implements worker.Observer.
func (m *Metrics) JobStarted(job *queue.Job) {
	if m == nil {
		return
	}
	m.jobsInFlight.WithLabelValues(job.QueueName).Inc()
}

// JobCompleted implements worker.Observer.
func (m *Metrics) JobCompleted(job *queue.Job, took time.Duration) {
	if m == nil {
		return
	}
	m.jobsInFlight.WithLabelValues(job.QueueName).Dec()
	m.jobsProcessed.WithLabelValues(job.QueueName, OutcomeCompleted).Inc()
	m.jobDuration.WithLabelValues(job.QueueName).Observe(took.Seconds())
}

// JobFailed implements worker.Observer.
func (m *Metrics) JobFailed(job *queue.Job, _ error, willRetry bool) {
	if m == nil {
		return
	}
	m.jobsInFlight.WithLabelValues(job.QueueName).Dec()
	outcome := OutcomeFailed
	if willRetry {
		outcome = OutcomeRetried
	}
	m.jobsProcessed.WithLabelValues(job.QueueName, outcome).Inc()
}

// RecordQueueStats implements worker.DepthRecorder.
func (m *Metrics) RecordQueueStats(s *queue.Stats) {
	if m == nil || s == nil {
		return
	}
	m.queueJobs.WithLabelValues(s.Queue, string(queue.StateQueued)).Set(float64(s.Queued))
	m.queueJobs.WithLabelValues(s.Queue, string(queue.StateDelayed)).Set(float64(s.Delayed))
	m.queueJobs.WithLabelValues(s.Queue, string(queue.StateActive)).Set(float64(s.Active))
	m.queueJobs.WithLabelValues(s.Queue, string(queue.StateCompleted)).Set(float64(s.Completed))
	m.queueJobs.WithLabelValues(s.Queue, string(queue.StateFailed)).Set(float64(s.Failed))
}

// ConnectionsChanged sets the live connection gauge.
func (m *Metrics) ConnectionsChanged(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// MessagesSent counts deliveries for one addressing scope.
func (m *Metrics) MessagesSent(scope string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesSent.WithLabelValues(scope).Add(float64(n))
}
