package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcription_http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	JobsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transcription_jobs_submitted_total",
			Help: "Jobs accepted into the admission queue",
		},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_jobs_finished_total",
			Help: "Jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcription_job_duration_seconds",
			Help:    "Wall time from admission to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"model", "status"},
	)

	QueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcription_queue_length",
			Help: "Jobs waiting for admission",
		},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcription_active_jobs",
			Help: "Jobs holding an admission slot",
		},
	)

	DeviceUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transcription_gpu_utilization_percent",
			Help: "Accelerator utilization from the latest snapshot",
		},
		[]string{"device"},
	)

	DeviceMemoryFree = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transcription_gpu_memory_free_mb",
			Help: "Accelerator free memory from the latest snapshot",
		},
		[]string{"device"},
	)

	HostCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcription_host_cpu_percent",
			Help: "Host CPU utilization from the latest snapshot",
		},
	)

	TelemetryFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_telemetry_source_failures_total",
			Help: "Telemetry source failures by source",
		},
		[]string{"source"},
	)

	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transcription_subscribers",
			Help: "Connected real-time subscribers",
		},
	)

	DeliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transcription_subscriber_delivery_failures_total",
			Help: "Events that could not be queued for a subscriber",
		},
	)

	BackendSegments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_backend_segments_total",
			Help: "Segments emitted by inference backends",
		},
		[]string{"backend"},
	)

	RecordsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transcription_job_records_dropped_total",
			Help: "Job lifecycle records dropped because the persistence buffer was full",
		},
	)

	ArchiveTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcription_archive_tasks_total",
			Help: "Archive and cleanup tasks processed by the worker",
		},
		[]string{"type", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(HTTPDuration)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueLength)
	prometheus.MustRegister(ActiveJobs)
	prometheus.MustRegister(DeviceUtilization)
	prometheus.MustRegister(DeviceMemoryFree)
	prometheus.MustRegister(HostCPU)
	prometheus.MustRegister(TelemetryFallbacks)
	prometheus.MustRegister(Subscribers)
	prometheus.MustRegister(DeliveryFailures)
	prometheus.MustRegister(BackendSegments)
	prometheus.MustRegister(RecordsDropped)
	prometheus.MustRegister(ArchiveTasks)
}

// GinMiddleware records request count and latency keyed by the matched route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
