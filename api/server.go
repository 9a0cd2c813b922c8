/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. RateLimit:  Token bucket on approval actions only (golang.org/x/time/rate)

ROUTE GROUPS:
  /api/payments/*       Payments and approval actions
  /api/operators/*      Revenue settings, goals, recompute, earnings, sessions
  /api/goals/*          Goal provisioning
  /api/sessions/*       Session stop
  /api/sweep/*          Day-boundary sweep
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

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
	"golang.org/x/time/rate"
)

// RouterOptions carries the optional pieces of the router.
type RouterOptions struct {
	// AllowedOrigins defaults to the local frontend dev servers.
	AllowedOrigins []string
	// ApprovalLimiter throttles POST /api/payments/{id}/actions. Nil disables it.
	ApprovalLimiter *rate.Limiter
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.CreatePayment)
			r.Get("/{id}", h.GetPayment)
			r.With(rateLimit(opts.ApprovalLimiter)).Post("/{id}/actions", h.ApplyAction)
		})

		// Operator routes
		r.Route("/operators", func(r chi.Router) {
			r.Get("/", h.ListOperators)
			r.Get("/{id}", h.GetOperator)
			r.Put("/{id}", h.PutOperator)
			r.Post("/{id}/recalculate", h.Recalculate)
			r.Get("/{id}/earnings", h.GetEarnings)
			r.Get("/{id}/goals/{date}", h.GetGoal)
			r.Put("/{id}/goals/{date}", h.PutGoal)
			r.Post("/{id}/sessions", h.StartSession)
		})

		r.Post("/goals/provision", h.ProvisionGoals)
		r.Post("/sessions/{id}/stop", h.StopSession)

		// Sweep routes
		r.Route("/sweep", func(r chi.Router) {
			r.Post("/", h.RunSweep)
			r.Get("/runs", h.ListSweepRuns)
		})

		r.Get("/progress", h.GetProgress)
		r.Get("/notifications", h.ListNotifications)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// rateLimit rejects requests with 429 once limiter runs dry. A nil
// limiter passes everything through.
func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "Too many approval actions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
