package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// JobRunsTotal tracks lifecycle job executions
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tslc_job_runs_total",
			Help: "Total number of lifecycle job executions",
		},
		[]string{"job", "kind", "status"}, // status: success, failed
	)

	// JobDuration measures lifecycle job execution duration in seconds
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tslc_job_duration_seconds",
			Help:    "Lifecycle job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"job", "kind", "status"},
	)

	// JobsRunning tracks the number of currently running lifecycle jobs
	JobsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tslc_jobs_running",
			Help: "Number of currently running lifecycle jobs",
		},
		[]string{"kind"},
	)

	// JobRetriesTotal counts job runs that ended in a retry state
	JobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tslc_job_retries_total",
			Help: "Total number of job runs scheduled for retry",
		},
		[]string{"job", "kind"},
	)

	// ChunksCompressedTotal counts chunks converted to columnar form
	ChunksCompressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tslc_chunks_compressed_total",
			Help: "Total number of chunks converted to columnar form",
		},
		[]string{"hypertable"},
	)

	// CompressionBytes tracks bytes before and after the columnar transform
	CompressionBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tslc_compression_bytes_total",
			Help: "Bytes processed by compression, by stage",
		},
		[]string{"hypertable", "stage"}, // stage: raw, compressed
	)

	// ChunksDroppedTotal counts chunks removed by retention
	ChunksDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tslc_chunks_dropped_total",
			Help: "Total number of chunks dropped by retention",
		},
		[]string{"hypertable"},
	)

	// RowsDroppedTotal counts rows removed by retention
	RowsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tslc_rows_dropped_total",
			Help: "Total number of rows dropped by retention",
		},
		[]string{"hypertable"},
	)

	// AggregateBucketsTotal counts buckets written by refresh runs
	AggregateBucketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tslc_aggregate_buckets_total",
			Help: "Total number of aggregate buckets materialized",
		},
		[]string{"aggregate"},
	)

	// AggregateRefreshDuration measures refresh duration in seconds
	AggregateRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tslc_aggregate_refresh_duration_seconds",
			Help:    "Continuous aggregate refresh duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"aggregate"},
	)

	// TasksEnqueued counts lifecycle tasks dispatched to the queue
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tslc_tasks_enqueued_total",
			Help: "Total number of lifecycle tasks enqueued",
		},
		[]string{"job", "trigger"}, // trigger: schedule, retry, manual
	)

	// SchedulerLeader indicates whether this node holds the scheduler lease
	SchedulerLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tslc_scheduler_leader",
			Help: "Whether this node holds the scheduler lease (1=leader)",
		},
	)

	// ErrorsTotal counts total number of errors
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tslc_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordJobStart records the start of a lifecycle job
func RecordJobStart(kind string) {
	JobsRunning.WithLabelValues(kind).Inc()
}

// RecordJobComplete records lifecycle job completion
func RecordJobComplete(job, kind, status string, duration float64) {
	JobsRunning.WithLabelValues(kind).Dec()
	JobRunsTotal.WithLabelValues(job, kind, status).Inc()
	JobDuration.WithLabelValues(job, kind, status).Observe(duration)
}

// RecordJobRetry records a job run that ended in a retry state
func RecordJobRetry(job, kind string) {
	JobRetriesTotal.WithLabelValues(job, kind).Inc()
}

// RecordCompression records one chunk's columnar transform
func RecordCompression(hypertable string, bytesBefore, bytesAfter int64) {
	ChunksCompressedTotal.WithLabelValues(hypertable).Inc()
	CompressionBytes.WithLabelValues(hypertable, "raw").Add(float64(bytesBefore))
	CompressionBytes.WithLabelValues(hypertable, "compressed").Add(float64(bytesAfter))
}

// RecordDrop records chunks removed by retention
func RecordDrop(hypertable string, chunks int, rows int64) {
	ChunksDroppedTotal.WithLabelValues(hypertable).Add(float64(chunks))
	RowsDroppedTotal.WithLabelValues(hypertable).Add(float64(rows))
}

// RecordRefresh records one continuous aggregate refresh
func RecordRefresh(aggregate string, buckets int, duration float64) {
	AggregateBucketsTotal.WithLabelValues(aggregate).Add(float64(buckets))
	AggregateRefreshDuration.WithLabelValues(aggregate).Observe(duration)
}

// RecordTaskEnqueued records a task dispatch
func RecordTaskEnqueued(job, trigger string) {
	TasksEnqueued.WithLabelValues(job, trigger).Inc()
}

// RecordLeadership records whether this node holds the scheduler lease
func RecordLeadership(leader bool) {
	if leader {
		SchedulerLeader.Set(1)
	} else {
		SchedulerLeader.Set(0)
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
