/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     One structured zap line per request (logging.Middleware)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/resources/*      Resource catalog, balances, ledger, stock
  /api/events/*         Event registration and allocation
  /api/allocations/*    Allocation lifecycle
  /api/audit/*          Reconciliation runs
  /api/scenarios/*      Demo scenarios
  /healthz              Liveness
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. Actor identity and role arrive as headers
  set by the gateway in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/resource-engine/logging"
)

// NewRouter creates a new router with all routes configured. An empty
// origins list allows the local dashboard defaults.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.Middleware(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-ID", "X-Actor-Role"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/resources", func(r chi.Router) {
			r.Get("/", h.ListResources)
			r.Post("/", h.CreateResource)
			r.Get("/{id}", h.GetResource)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/usage", h.GetUsage)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Get("/{id}/allocations", h.GetResourceAllocations)
			r.Post("/{id}/restock", h.Restock)
			r.Post("/{id}/adjustments", h.CreateAdjustment)
			r.Post("/{id}/reconcile", h.Reconcile)
			r.Get("/{id}/shortages", h.GetShortages)
		})

		r.Route("/events", func(r chi.Router) {
			r.Put("/{id}", h.RegisterEvent)
			r.Get("/{id}", h.GetEvent)
			r.Get("/{id}/allocations", h.GetEventAllocations)
			r.Post("/{id}/allocations", h.Allocate)
		})

		r.Route("/allocations", func(r chi.Router) {
			r.Get("/{id}", h.GetAllocation)
			r.Patch("/{id}", h.UpdateAllocation)
			r.Delete("/{id}", h.RemoveAllocation)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/runs", h.ListAuditRuns)
			r.Post("/runs", h.RunAuditNow)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
