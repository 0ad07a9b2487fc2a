package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	engineDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for flowgate.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	DeploymentsTotal         *prometheus.CounterVec
	InstanceStartsTotal      *prometheus.CounterVec
	InstanceCompletionsTotal *prometheus.CounterVec
	VariableUpdatesTotal     *prometheus.CounterVec

	// Reconciliation metrics
	ReconciliationRunsTotal        *prometheus.CounterVec
	ReconciliationTransitionsTotal *prometheus.CounterVec
	ReconciliationDuration         prometheus.Histogram

	// Worker metrics
	WorkerPollCyclesTotal     prometheus.Counter
	WorkerPollSkippedTotal    prometheus.Counter
	WorkerTasksFetchedTotal   *prometheus.CounterVec
	WorkerTasksCompletedTotal *prometheus.CounterVec
	WorkerTasksFailedTotal    *prometheus.CounterVec
	WorkerTaskDuration        *prometheus.HistogramVec
	WorkerTasksInFlight       prometheus.Gauge

	// Engine metrics
	EngineCircuitBreakerState prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowgate_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowgate_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		DeploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_deployments_total",
			Help: "Total number of workflow definition deployments.",
		}, []string{"process_key", "status"}),
		InstanceStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_instance_starts_total",
			Help: "Total number of process instance starts.",
		}, []string{"process_key"}),
		InstanceCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_instance_completions_total",
			Help: "Total number of process instances that reached a terminal status.",
		}, []string{"final_status"}),
		VariableUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_variable_updates_total",
			Help: "Total number of process variable update operations.",
		}, []string{"status"}),

		// Reconciliation
		ReconciliationRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_reconciliation_runs_total",
			Help: "Total number of instance reconciliation runs.",
		}, []string{"outcome"}),
		ReconciliationTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_reconciliation_transitions_total",
			Help: "Total number of status transitions applied by the reconciler.",
		}, []string{"to_status"}),
		ReconciliationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowgate_reconciliation_duration_seconds",
			Help:    "Reconciliation run duration in seconds.",
			Buckets: engineDurationBuckets,
		}),

		// Worker
		WorkerPollCyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgate_worker_poll_cycles_total",
			Help: "Total number of external task poll cycles.",
		}),
		WorkerPollSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowgate_worker_poll_skipped_total",
			Help: "Total number of poll ticks skipped because the previous cycle was still running.",
		}),
		WorkerTasksFetchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_worker_tasks_fetched_total",
			Help: "Total number of external tasks fetched and locked.",
		}, []string{"topic"}),
		WorkerTasksCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_worker_tasks_completed_total",
			Help: "Total number of external tasks completed.",
		}, []string{"topic"}),
		WorkerTasksFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowgate_worker_tasks_failed_total",
			Help: "Total number of external task handler failures reported to the engine.",
		}, []string{"topic"}),
		WorkerTaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowgate_worker_task_duration_seconds",
			Help:    "External task handler duration in seconds.",
			Buckets: engineDurationBuckets,
		}, []string{"topic"}),
		WorkerTasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowgate_worker_tasks_in_flight",
			Help: "Number of external tasks currently being handled.",
		}),

		// Engine
		EngineCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowgate_engine_circuit_breaker_state",
			Help: "Engine circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflow
		m.DeploymentsTotal,
		m.InstanceStartsTotal,
		m.InstanceCompletionsTotal,
		m.VariableUpdatesTotal,
		// Reconciliation
		m.ReconciliationRunsTotal,
		m.ReconciliationTransitionsTotal,
		m.ReconciliationDuration,
		// Worker
		m.WorkerPollCyclesTotal,
		m.WorkerPollSkippedTotal,
		m.WorkerTasksFetchedTotal,
		m.WorkerTasksCompletedTotal,
		m.WorkerTasksFailedTotal,
		m.WorkerTaskDuration,
		m.WorkerTasksInFlight,
		// Engine
		m.EngineCircuitBreakerState,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordDeployment records a workflow definition deployment.
func (m *Metrics) RecordDeployment(processKey, status string) {
	m.DeploymentsTotal.WithLabelValues(processKey, status).Inc()
}

// RecordInstanceStart records a process instance start.
func (m *Metrics) RecordInstanceStart(processKey string) {
	m.InstanceStartsTotal.WithLabelValues(processKey).Inc()
}

// RecordInstanceCompletion records a process instance reaching a terminal status.
func (m *Metrics) RecordInstanceCompletion(finalStatus string) {
	m.InstanceCompletionsTotal.WithLabelValues(finalStatus).Inc()
}

// RecordVariableUpdate records a variable update operation.
func (m *Metrics) RecordVariableUpdate(status string) {
	m.VariableUpdatesTotal.WithLabelValues(status).Inc()
}

// RecordReconciliationRun records a reconciliation run outcome and duration.
func (m *Metrics) RecordReconciliationRun(outcome string, duration time.Duration) {
	m.ReconciliationRunsTotal.WithLabelValues(outcome).Inc()
	m.ReconciliationDuration.Observe(duration.Seconds())
}

// RecordReconciliationTransition records a status transition applied during
// reconciliation.
func (m *Metrics) RecordReconciliationTransition(toStatus string) {
	m.ReconciliationTransitionsTotal.WithLabelValues(toStatus).Inc()
}

// RecordPollCycle records a completed external task poll cycle.
func (m *Metrics) RecordPollCycle() {
	m.WorkerPollCyclesTotal.Inc()
}

// RecordPollSkipped records a poll tick skipped due to an in-flight cycle.
func (m *Metrics) RecordPollSkipped() {
	m.WorkerPollSkippedTotal.Inc()
}

// RecordTasksFetched records tasks fetched and locked for a topic.
func (m *Metrics) RecordTasksFetched(topic string, count int) {
	m.WorkerTasksFetchedTotal.WithLabelValues(topic).Add(float64(count))
}

// RecordTaskCompleted records a completed external task and its handler duration.
func (m *Metrics) RecordTaskCompleted(topic string, duration time.Duration) {
	m.WorkerTasksCompletedTotal.WithLabelValues(topic).Inc()
	m.WorkerTaskDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordTaskFailed records an external task handler failure.
func (m *Metrics) RecordTaskFailed(topic string) {
	m.WorkerTasksFailedTotal.WithLabelValues(topic).Inc()
}

// AddTasksInFlight adjusts the in-flight task gauge.
func (m *Metrics) AddTasksInFlight(delta float64) {
	m.WorkerTasksInFlight.Add(delta)
}

// SetEngineCircuitBreakerState sets the engine circuit breaker state gauge.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetEngineCircuitBreakerState(state float64) {
	m.EngineCircuitBreakerState.Set(state)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
