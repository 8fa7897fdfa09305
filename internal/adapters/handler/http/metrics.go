package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RSchleutker/cell-aggregation-assays/internal/core/domain"
)

// Metrics holds the Prometheus collectors of a run. It implements
// ports.Metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Job metrics
	jobsTotal   *prometheus.CounterVec
	jobsRunning prometheus.Gauge
	jobsPending prometheus.Gauge
	jobDuration prometheus.Histogram

	workersActive prometheus.Gauge

	// Log stream metrics
	logRecordsTotal *prometheus.CounterVec
	malformedTotal  prometheus.Counter
}

// NewMetrics registers the collectors on reg; a nil reg gets a private
// registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		jobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_total",
				Help: "Total number of finished jobs by status",
			},
			[]string{"status"},
		),
		jobsRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobs_running",
				Help: "Number of jobs currently held by a worker",
			},
		),
		jobsPending: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobs_pending",
				Help: "Number of jobs without an outcome yet",
			},
		),
		jobDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "job_duration_seconds",
				Help:    "Job execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		workersActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "workers_active",
				Help: "Number of live worker contexts",
			},
		),
		logRecordsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "log_records_total",
				Help: "Log records delivered by the aggregator by level",
			},
			[]string{"level"},
		),
		malformedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "malformed_log_records_total",
				Help: "Log records skipped by the aggregator",
			},
		),
	}
}

func (m *Metrics) JobStarted(context.Context, string, domain.Job) {
	m.jobsRunning.Inc()
}

func (m *Metrics) JobFinished(_ context.Context, out domain.Outcome) {
	// Jobs failed without ever reaching a worker were never counted as running.
	if !out.StartedAt.IsZero() {
		m.jobsRunning.Dec()
	}
	m.jobsTotal.WithLabelValues(string(out.Status)).Inc()
	if d := out.Duration(); d > 0 {
		m.jobDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) WorkersActive(n int) {
	m.workersActive.Set(float64(n))
}

func (m *Metrics) JobsPending(n int) {
	m.jobsPending.Set(float64(n))
}

func (m *Metrics) LogRecord(level slog.Level) {
	m.logRecordsTotal.WithLabelValues(level.String()).Inc()
}

func (m *Metrics) MalformedRecord() {
	m.malformedTotal.Inc()
}

// Middleware records HTTP request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics for WebSocket upgrade requests
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		// Wrap ResponseWriter to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			path = rc.RoutePattern()
		}
		if path == "" {
			path = r.URL.Path
		}

		m.httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
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

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
