package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/korir254/flowgate/internal/config"
	"github.com/korir254/flowgate/internal/observability"
	"github.com/korir254/flowgate/internal/worker"
	"github.com/korir254/flowgate/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Service   *workflow.Service
	Processor *worker.Processor
	Metrics   *observability.Metrics
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints skip the
// handler timeout and request logging.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware, applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Operational routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	// API routes.
	r.Group(func(r chi.Router) {
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/api/workflows", func(r chi.Router) {
			r.Post("/definitions", handleDeploy(deps.Service))
			r.Get("/definitions", handleListDefinitions(deps.Service))
			r.Get("/definitions/{key}", handleGetDefinition(deps.Service))
			r.Post("/definitions/{key}/start", handleStartInstance(deps.Service))
			r.Delete("/definitions/{key}", handleDeactivateDefinition(deps.Service))

			r.Get("/instances", handleListInstances(deps.Service))
			r.Get("/instances/{instanceId}", handleGetInstance(deps.Service))
			r.Get("/instances/{instanceId}/variables", handleGetVariables(deps.Service))
			r.Patch("/instances/{instanceId}/variables", handleUpdateVariables(deps.Service))
			r.Get("/instances/{instanceId}/tasks", handleListTasks(deps.Service))
			r.Post("/instances/{instanceId}/tasks/{taskId}/complete", handleCompleteTask(deps.Service))
			r.Get("/process-instances/{processInstanceId}", handleGetInstanceByProcessID(deps.Service))

			r.Get("/statistics", handleStatistics(deps.Service))
		})

		if deps.Processor != nil {
			r.Get("/api/worker/status", handleWorkerStatus(deps.Processor))
		} else {
			r.Get("/api/worker/status", workerDisabled)
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "route not found")
	})

	return r
}

func workerDisabled(w http.ResponseWriter, _ *http.Request) {
	WriteNotFound(w, "external task worker is disabled")
}
