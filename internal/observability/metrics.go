package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the application's Prometheus metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	schedulesGenerated *prometheus.CounterVec
	scheduleLines      *prometheus.CounterVec
	recalculations     prometheus.Counter
	entriesProcessed   prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assetflow_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "assetflow_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	generated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assetflow_schedules_generated_total",
		Help: "Generated schedules by acquisition type.",
	}, []string{"acquisition_type"})
	lines := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assetflow_schedule_lines_total",
		Help: "Generated schedule lines by acquisition type.",
	}, []string{"acquisition_type"})
	recalcs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assetflow_recalculations_total",
		Help: "Schedule recalculations after edits and allocation changes.",
	})
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assetflow_depreciation_entries_processed_total",
		Help: "Depreciation entries posted by the worker.",
	})
	registry.MustRegister(requests, duration, generated, lines, recalcs, processed)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		schedulesGenerated: generated,
		scheduleLines:      lines,
		recalculations:     recalcs,
		entriesProcessed:   processed,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// CountScheduleGenerated records one generated schedule and its line count.
func (m *Metrics) CountScheduleGenerated(acquisitionType string, lineCount int) {
	if m == nil {
		return
	}
	m.schedulesGenerated.WithLabelValues(acquisitionType).Inc()
	m.scheduleLines.WithLabelValues(acquisitionType).Add(float64(lineCount))
}

// CountRecalculation records one schedule recalculation.
func (m *Metrics) CountRecalculation() {
	if m == nil {
		return
	}
	m.recalculations.Inc()
}

// CountEntriesProcessed records posted depreciation entries.
func (m *Metrics) CountEntriesProcessed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.entriesProcessed.Add(float64(n))
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
