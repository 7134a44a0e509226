package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics

	JobPickupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "importd",
		Name:      "job_pickup_latency_seconds",
		Help:      "Time from job submission to a worker leasing it.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "importd",
		Name:      "job_duration_seconds",
		Help:      "Duration of one pipeline run, by outcome.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
	}, []string{"outcome"})

	JobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "importd",
		Name:      "worker_jobs_in_flight",
		Help:      "Number of imports currently being processed.",
	})

	JobsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "importd",
		Name:      "jobs_completed_total",
		Help:      "Total imports finished, by outcome.",
	}, []string{"outcome"})

	// Pipeline stage metrics

	DownloadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "importd",
		Name:      "download_duration_seconds",
		Help:      "Source fetch duration, by source kind.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"kind"})

	UploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "importd",
		Name:      "upload_duration_seconds",
		Help:      "Origin upload duration.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	BytesImported = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "importd",
		Name:      "bytes_imported_total",
		Help:      "Total bytes delivered to the origin.",
	})

	EgressAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "importd",
		Name:      "egress_attempts_total",
		Help:      "Egress identity attempts, by result.",
	}, []string{"result"})

	// Supervision metrics

	StalledRescuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "importd",
		Name:      "stalled_rescued_total",
		Help:      "Stalled jobs handled, by action.",
	}, []string{"action"})

	WebhookFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "importd",
		Name:      "catalog_webhook_failures_total",
		Help:      "Catalog webhook deliveries that failed (and were swallowed).",
	})

	HeapBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "importd",
		Name:      "heap_bytes",
		Help:      "Current heap allocation as sampled by the memory watchdog.",
	})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "importd",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "importd",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		JobPickupLatency,
		JobDuration,
		JobsInFlight,
		JobsCompletedTotal,
		DownloadDuration,
		UploadDuration,
		BytesImported,
		EgressAttemptsTotal,
		StalledRescuedTotal,
		WebhookFailuresTotal,
		HeapBytes,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

type HealthHandler interface {
	LivenessHandler() http.Handler
	ReadinessHandler() http.Handler
}

func NewServer(addr string, health HealthHandler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if health != nil {
		mux.Handle("/healthz", health.LivenessHandler())
		mux.Handle("/readyz", health.ReadinessHandler())
	}
	return &http.Server{Addr: addr, Handler: mux}
}
