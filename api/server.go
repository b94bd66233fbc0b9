/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/tenants/{tenantID}/cycles/*    Billing cycle runs
  /api/tenants/{tenantID}/periods/*   Finalize, list and delete a period
  /api/tenants/{tenantID}/members/*   Directory, balance, outstanding, payments
  /api/tenants/{tenantID}/bills/*     Bill corrections
  /api/tenants/{tenantID}/ledger      Ledger query
  /healthz                            Liveness
  /metrics                            Prometheus exposition

SECURITY NOTE:
  No authentication middleware. Put the server behind an authenticating
  proxy before exposing it.

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

	"github.com/warp/society-ledger/metrics"
)

// DefaultAllowedOrigins is used when NewRouter gets no origins.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/cycles/{periodID}", h.RunCycle)
		r.Post("/overdue", h.MarkOverdue)
		r.Get("/ledger", h.QueryLedger)

		r.Route("/periods/{periodID}", func(r chi.Router) {
			r.Post("/finalize", h.FinalizePeriod)
			r.Get("/bills", h.ListBills)
			r.Delete("/bills", h.DeletePeriod)
		})

		r.Route("/members", func(r chi.Router) {
			r.Post("/", h.CreateMember)
			r.Get("/{memberID}/balance", h.GetBalance)
			r.Get("/{memberID}/outstanding", h.GetOutstanding)
			r.Post("/{memberID}/payments", h.RecordPayment)
			r.Get("/{memberID}/replay", h.ReplayLedger)
		})

		r.Route("/bills/{billID}", func(r chi.Router) {
			r.Get("/", h.GetBill)
			r.Patch("/", h.UpdateBill)
			r.Delete("/", h.DeleteBill)
		})
	})

	return r
}
