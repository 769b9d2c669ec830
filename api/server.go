/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client IP from proxy headers (rate limiting keys on it)
  3. RequestLogger: zerolog event + Prometheus histogram per request
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for the front desk app
  6. RateLimit:     Per-IP token bucket
  7. Authenticate:  JWT -> domain.Caller (API routes only)

ROUTE GROUPS:
  /healthz              Liveness check (no auth)
  /api/appointments/*   Booking lifecycle and settlement
  /api/availability     Conflict check
  /api/blocks/*         Staff blocked ranges
  /api/staff/*          Per-staff views
  /api/gift-cards/*     Gift card ledger
  /api/packages/*       Visit packages
  /api/expenses/*       Branch expenses
  /api/customers/*      Customer contact records
  /api/reports/*        Daily report (JSON, xlsx)
  /api/scenarios/*      Demo scenarios (only when enabled)

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Auth, rate limiting, request logging
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	CORSOrigins   []string
	Auth          AuthConfig
	RPS           float64
	Burst         int
	LoadScenarios bool
	Log           zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(opts.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(RateLimit(opts.RPS, opts.Burst, opts.Log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(opts.Auth))

		// Appointment routes
		r.Route("/appointments", func(r chi.Router) {
			r.Get("/", h.ListAppointments)
			r.Post("/", h.CreateAppointment)
			r.Get("/{id}", h.GetAppointment)
			r.Patch("/{id}", h.RescheduleAppointment)
			r.Post("/{id}/cancel", h.CancelAppointment)
			r.Post("/{id}/complete", h.CompleteAppointment)
			r.Post("/{id}/feedback", h.AttachFeedback)
			r.Post("/{id}/receipt", h.UploadReceipt)
			r.Get("/{id}/audit", h.GetAudit)
		})
		r.Get("/availability", h.CheckAvailability)

		// Staff block routes
		r.Route("/blocks", func(r chi.Router) {
			r.Post("/", h.CreateBlock)
			r.Post("/weekly", h.CreateWeeklyBlocks)
			r.Post("/weekly/remove", h.DeleteWeeklyBlocks)
			r.Delete("/{id}", h.DeleteBlock)
		})
		r.Get("/staff/{staffID}/blocks", h.ListBlocks)

		// Gift card routes
		r.Route("/gift-cards", func(r chi.Router) {
			r.Get("/", h.ListGiftCards)
			r.Post("/", h.IssueGiftCard)
			r.Get("/stats", h.GiftCardStats)
			r.Get("/{code}/validate", h.ValidateGiftCard)
			r.Post("/{code}/consume", h.ConsumeGiftCard)
			r.Put("/{code}/notes", h.UpdateGiftCardNotes)
			r.Delete("/{code}", h.DeleteGiftCard)
		})

		// Package routes
		r.Route("/packages", func(r chi.Router) {
			r.Get("/", h.ListPackages)
			r.Post("/", h.SellPackage)
			r.Get("/{id}", h.GetPackage)
			r.Post("/{id}/visits", h.UsePackageVisit)
			r.Delete("/{id}", h.DeletePackage)
		})

		// Expense routes
		r.Route("/expenses", func(r chi.Router) {
			r.Get("/", h.ListExpenses)
			r.Post("/", h.CreateExpense)
			r.Delete("/{id}", h.DeleteExpense)
		})

		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Post("/", h.SaveCustomer)
			r.Get("/{id}", h.GetCustomer)
		})

		// Report routes
		r.Route("/reports", func(r chi.Router) {
			r.Get("/daily/{date}", h.DailyReport)
			r.Get("/daily/{date}/xlsx", h.DailyReportXLSX)
		})

		// Scenario routes
		if opts.LoadScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetStore)
			})
		}
	})

	return r
}
