/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend
  6. RateLimit:  Token bucket per client IP (disabled when RPS is 0)

ROUTE GROUPS:
  /api/commissions/rules/*         Rule definitions
  /api/commissions/calculate       Record a commission
  /api/commissions/simulate        Preview a commission
  /api/commissions/calculations/*  Calculation lookup and lifecycle
  /api/commissions/recipients/*    Per-recipient listings
  /api/commissions/payments/*      Payment batching and lifecycle
  /api/admin/*                     Admin operations
  /api/scenarios/*                 Demo scenarios
  /health                          Liveness check

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
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))
	if opts.RateLimitRPS > 0 {
		r.Use(NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst).Middleware)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/commissions", func(r chi.Router) {
			// Rule routes
			r.Route("/rules", func(r chi.Router) {
				r.Get("/", h.ListRules)
				r.Post("/", h.CreateRule)
				r.Get("/{id}", h.GetRule)
			})

			r.Post("/calculate", h.Calculate)
			r.Post("/simulate", h.Simulate)

			// Calculation routes
			r.Route("/calculations", func(r chi.Router) {
				r.Get("/{id}", h.GetCalculation)
				r.Put("/{id}/status", h.UpdateCalculationStatus)
			})

			// Recipient routes
			r.Route("/recipients/{recipientId}", func(r chi.Router) {
				r.Get("/calculations", h.ListRecipientCalculations)
				r.Get("/payments", h.ListRecipientPayments)
			})

			// Payment routes
			r.Route("/payments", func(r chi.Router) {
				r.Post("/generate", h.GeneratePayment)
				r.Get("/{id}", h.GetPayment)
				r.Put("/{id}/status", h.UpdatePaymentStatus)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/batch-run", h.BatchRun)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
