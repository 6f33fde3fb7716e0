package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricJobsTotal        = "ingest_jobs_total"
	MetricJobsDuration     = "ingest_job_duration_seconds"
	MetricJobErrorsTotal   = "ingest_job_errors_total"
	MetricJobsEnqueued     = "ingest_jobs_enqueued_total"
	MetricFailedJobsTotal  = "ingest_failed_jobs_total"
	MetricQueueDepth       = "ingest_queue_depth"
)

// Status constants for job completion.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics contains Prometheus metrics for queue and job operations.
// All operations are thread-safe.
type Metrics struct {
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobErrors   *prometheus.CounterVec
	enqueued    *prometheus.CounterVec
	failedJobs  *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobsTotal,
				Help: "Total number of processed ingestion jobs by queue and status",
			},
			[]string{"queue", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricJobsDuration,
				Help:    "Histogram of ingestion job handler duration in seconds by queue",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"queue"},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobErrorsTotal,
				Help: "Total number of ingestion job handler errors by queue and error type",
			},
			[]string{"queue", "error_type"},
		),
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricJobsEnqueued,
				Help: "Total number of jobs successfully enqueued by queue",
			},
			[]string{"queue"},
		),
		failedJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricFailedJobsTotal,
				Help: "Total number of jobs parked in the failed-job store by queue",
			},
			[]string{"queue"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: MetricQueueDepth,
				Help: "Number of jobs currently waiting on each queue",
			},
			[]string{"queue"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.jobsTotal,
		m.jobDuration,
		m.jobErrors,
		m.enqueued,
		m.failedJobs,
		m.queueDepth,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncJobsTotal increments the processed-jobs counter.
func (m *Metrics) IncJobsTotal(q Queue, status string) {
	m.jobsTotal.WithLabelValues(string(q), status).Inc()
}

// ObserveJobDuration records one handler execution duration.
func (m *Metrics) ObserveJobDuration(q Queue, seconds float64) {
	m.jobDuration.WithLabelValues(string(q)).Observe(seconds)
}

// IncJobErrors increments the handler-error counter.
func (m *Metrics) IncJobErrors(q Queue, errorType string) {
	m.jobErrors.WithLabelValues(string(q), errorType).Inc()
}

// IncEnqueued increments the enqueued counter.
func (m *Metrics) IncEnqueued(q Queue) {
	m.enqueued.WithLabelValues(string(q)).Inc()
}

// IncFailedJobs increments the parked-jobs counter.
func (m *Metrics) IncFailedJobs(q Queue) {
	m.failedJobs.WithLabelValues(string(q)).Inc()
}

// SetQueueDepth sets the queue depth gauge.
func (m *Metrics) SetQueueDepth(q Queue, depth float64) {
	m.queueDepth.WithLabelValues(string(q)).Set(depth)
}
