package http

import (
	"context"
	"strconv"
	"time"

	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fuzzbench.harness/internal/core/domain"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Job metrics
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fuzzbench_jobs_total",
			Help: "Total number of finished jobs by status",
		},
		[]string{"status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fuzzbench_job_duration_seconds",
			Help:    "Job wall time in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 14400},
		},
		[]string{"status"},
	)

	jobInstructionsCovered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fuzzbench_job_instructions_covered",
			Help: "Instructions covered at the last coverage sample of a job",
		},
		[]string{"job_id"},
	)

	// Slot metrics
	slotsInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fuzzbench_slots_in_use",
			Help: "Number of granted execution slots by kind",
		},
		[]string{"kind"},
	)
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics for WebSocket upgrade requests
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordJobFinished counts a recorded outcome.
func RecordJobFinished(o *domain.JobOutcome) {
	status := string(o.Status)
	jobsTotal.WithLabelValues(status).Inc()
	jobDuration.WithLabelValues(status).Observe((time.Duration(o.WallTimeMs) * time.Millisecond).Seconds())
	if o.Metrics != nil {
		jobInstructionsCovered.WithLabelValues(o.JobID).Set(float64(o.Metrics.InstructionsCovered))
	}
}

// ObserveSlots matches services.SlotObserver.
func ObserveSlots(kind domain.SlotKind, inUse int) {
	slotsInUse.WithLabelValues(string(kind)).Set(float64(inUse))
}

// MetricsSink feeds recorded outcomes into the Prometheus registry.
type MetricsSink struct{}

func (MetricsSink) Name() string { return "metrics" }

func (MetricsSink) Publish(ctx context.Context, run *domain.RunMeta, o *domain.JobOutcome) error {
	RecordJobFinished(o)
	return nil
}
