package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker metrics
var (
	// JobsProcessed counts jobs processed by type and outcome.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed",
		},
		[]string{"type", "outcome"},
	)

	// JobDuration tracks job execution time by type.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "job_duration_seconds",
			Help:      "Time taken to execute jobs",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)

	// ActiveJobs tracks currently executing jobs by type.
	ActiveJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vod",
			Name:      "active_jobs",
			Help:      "Number of currently executing jobs",
		},
		[]string{"type"},
	)

	// JobRetries counts re-enqueued attempts by type.
	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Name:      "job_retries_total",
			Help:      "Total number of job retry re-enqueues",
		},
		[]string{"type"},
	)

	// LadderRungs tracks the number of renditions produced per transcode job.
	LadderRungs = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "ladder_rungs_produced",
			Help:      "Renditions produced per transcode job",
			Buckets:   []float64{0, 1, 2, 3, 4},
		},
	)

	// EncodeDuration tracks per-rung encode time.
	EncodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "encode_duration_seconds",
			Help:      "Time taken to encode a single rendition",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"height"},
	)

	// DownloadDuration tracks source fetch time.
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "source_download_duration_seconds",
			Help:      "Time taken to download source videos",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// UploadDuration tracks artifact upload time.
	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Name:      "artifact_upload_duration_seconds",
			Help:      "Time taken to upload derived artifacts",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)
)

// View aggregator metrics
var (
	// ViewsBuffered counts accepted view increments.
	ViewsBuffered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "views",
			Name:      "buffered_total",
			Help:      "Total accepted view increments buffered in cache",
		},
	)

	// ViewsRejected counts rejected redemptions by reason.
	ViewsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "views",
			Name:      "rejected_total",
			Help:      "Total rejected view redemptions",
		},
		[]string{"reason"},
	)

	// ViewsFlushed counts view counts applied to durable storage.
	ViewsFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "views",
			Name:      "flushed_total",
			Help:      "Total view counts applied to the metadata store",
		},
	)

	// FlushDuration tracks flush cycle duration.
	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Subsystem: "views",
			Name:      "flush_duration_seconds",
			Help:      "Time taken by a view flush cycle",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	// FlushSkipped counts flush ticks skipped because a run was in flight.
	FlushSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "views",
			Name:      "flush_skipped_total",
			Help:      "Flush ticks skipped due to an in-flight run",
		},
	)
)

// Deletion metrics
var (
	// ObjectVersionsDeleted counts object-store versions removed.
	ObjectVersionsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "deletion",
			Name:      "object_versions_deleted_total",
			Help:      "Total object-store versions deleted",
		},
	)

	// DeletionDuration tracks cascade deletion duration.
	DeletionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Subsystem: "deletion",
			Name:      "duration_seconds",
			Help:      "Time taken by cascading deletions",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60},
		},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vod",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)
)

// RecordJobSuccess records a successfully completed job.
func RecordJobSuccess(jobType string) {
	JobsProcessed.WithLabelValues(jobType, "success").Inc()
}

// RecordJobFailure records a terminally failed job.
func RecordJobFailure(jobType string) {
	JobsProcessed.WithLabelValues(jobType, "failed").Inc()
}

// RecordJobCancelled records a job dropped due to asset cancellation.
func RecordJobCancelled(jobType string) {
	JobsProcessed.WithLabelValues(jobType, "cancelled").Inc()
}
