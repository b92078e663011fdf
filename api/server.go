/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator console
  5. RateLimit:  Per-IP limit on /api/triggers only

ROUTE GROUPS:
  /api/triggers/*       Orchestrator runs
  /api/obligations/*    Obligation queries and manual lifecycle moves
  /api/accounts/*       Wallet ledger
  /api/entries/*        Entry reversal
  /healthz              Liveness plus repository ping

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - ratelimit.go: Trigger rate limiter
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes the middleware around the handlers.
type RouterOptions struct {
	AllowedOrigins []string
	// TriggerLimiter guards the trigger endpoints. Nil disables limiting.
	TriggerLimiter *RateLimiter
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/triggers", func(r chi.Router) {
			if opts.TriggerLimiter != nil {
				r.Use(opts.TriggerLimiter.Middleware)
			}
			r.Post("/{kind}", h.Trigger)
		})

		r.Route("/obligations", func(r chi.Router) {
			r.Get("/", h.ListObligations)
			r.Get("/{id}", h.GetObligation)
			r.Post("/{id}/paid", h.MarkPaid)
			r.Post("/{id}/cancel", h.CancelObligation)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/{id}/entries", h.AppendEntry)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/ledger", h.ListLedger)
			r.Get("/{id}/expiring", h.ListExpiring)
		})

		r.Post("/entries/{id}/reversal", h.ReverseEntry)
	})

	return r
}
