package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return InitMetrics(prometheus.NewRegistry())
}

func TestRecordHTTPRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordHTTPRequest(http.MethodGet, "/api/workflows/instances/{instanceId}", 200, 15*time.Millisecond, 0, 512)
	m.RecordHTTPRequest(http.MethodGet, "/api/workflows/instances/{instanceId}", 200, 5*time.Millisecond, 0, 256)
	m.RecordHTTPRequest(http.MethodGet, "/api/workflows/instances/{instanceId}", 404, time.Millisecond, 0, 64)

	ok := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/workflows/instances/{instanceId}", "200"))
	if ok != 2 {
		t.Errorf("200 count = %v, want 2", ok)
	}
	notFound := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/workflows/instances/{instanceId}", "404"))
	if notFound != 1 {
		t.Errorf("404 count = %v, want 1", notFound)
	}
}

func TestRecordDeployment(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDeployment("leave-request", "created")
	m.RecordDeployment("leave-request", "updated")
	m.RecordDeployment("leave-request", "updated")

	if got := testutil.ToFloat64(m.DeploymentsTotal.WithLabelValues("leave-request", "updated")); got != 2 {
		t.Errorf("updated deployments = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DeploymentsTotal.WithLabelValues("leave-request", "created")); got != 1 {
		t.Errorf("created deployments = %v, want 1", got)
	}
}

func TestRecordInstanceLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordInstanceStart("leave-request")
	m.RecordInstanceStart("leave-request")
	m.RecordInstanceCompletion("COMPLETED")
	m.RecordVariableUpdate("ok")
	m.RecordVariableUpdate("error")

	if got := testutil.ToFloat64(m.InstanceStartsTotal.WithLabelValues("leave-request")); got != 2 {
		t.Errorf("starts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.InstanceCompletionsTotal.WithLabelValues("COMPLETED")); got != 1 {
		t.Errorf("completions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.VariableUpdatesTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("variable update errors = %v, want 1", got)
	}
}

func TestRecordReconciliation(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordReconciliationRun("ok", 20*time.Millisecond)
	m.RecordReconciliationRun("error", 5*time.Millisecond)
	m.RecordReconciliationTransition("COMPLETED")

	if got := testutil.ToFloat64(m.ReconciliationRunsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReconciliationRunsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("error runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReconciliationTransitionsTotal.WithLabelValues("COMPLETED")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
}

func TestRecordWorkerMetrics(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordPollCycle()
	m.RecordPollCycle()
	m.RecordPollSkipped()
	m.RecordTasksFetched("notify-hr", 3)
	m.RecordTaskCompleted("notify-hr", 10*time.Millisecond)
	m.RecordTaskFailed("notify-hr")

	if got := testutil.ToFloat64(m.WorkerPollCyclesTotal); got != 2 {
		t.Errorf("poll cycles = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.WorkerPollSkippedTotal); got != 1 {
		t.Errorf("skipped ticks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WorkerTasksFetchedTotal.WithLabelValues("notify-hr")); got != 3 {
		t.Errorf("fetched = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.WorkerTasksCompletedTotal.WithLabelValues("notify-hr")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WorkerTasksFailedTotal.WithLabelValues("notify-hr")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
}

func TestTasksInFlightGauge(t *testing.T) {
	m := newTestMetrics(t)

	m.AddTasksInFlight(2)
	m.AddTasksInFlight(-1)

	if got := testutil.ToFloat64(m.WorkerTasksInFlight); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}
}

func TestEngineCircuitBreakerGauge(t *testing.T) {
	m := newTestMetrics(t)

	m.SetEngineCircuitBreakerState(2)
	if got := testutil.ToFloat64(m.EngineCircuitBreakerState); got != 2 {
		t.Errorf("breaker state = %v, want 2", got)
	}
	m.SetEngineCircuitBreakerState(0)
	if got := testutil.ToFloat64(m.EngineCircuitBreakerState); got != 0 {
		t.Errorf("breaker state = %v, want 0", got)
	}
}

func TestMetricsMiddleware_usesRoutePattern(t *testing.T) {
	m := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/workflows/instances/{instanceId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"wi-1"}`))
	})

	for _, id := range []string{"wi-1", "wi-2", "wi-3"} {
		req := httptest.NewRequest(http.MethodGet, "/api/workflows/instances/"+id, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
	}

	// All three requests should collapse into one label set.
	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/workflows/instances/{instanceId}", "200"))
	if got != 3 {
		t.Errorf("pattern count = %v, want 3", got)
	}
}

func TestMetricsMiddleware_capturesStatus(t *testing.T) {
	m := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/workflows/definitions/{key}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/definitions/missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/workflows/definitions/{key}", "404"))
	if got != 1 {
		t.Errorf("404 count = %v, want 1", got)
	}
}

func TestRoutePattern_fallsBackToPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	if got := routePattern(req); got != "/raw/path" {
		t.Errorf("routePattern = %q, want /raw/path", got)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	h := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("metrics body should not be empty")
	}
}
