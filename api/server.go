/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. Metrics:    Prometheus request counters and latency
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/clients/*       Client accounts, balances, history, streams
  /api/transactions/*  Void operations
  /api/packages/*      Prepaid packages
  /api/memberships/*   Memberships
  /api/giftcards/*     Gift cards
  /api/admin/*         Batch adjustments
  /metrics             Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - metrics.go: Prometheus collectors
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Client routes
		r.Route("/clients", func(r chi.Router) {
			r.Get("/", h.ListClients)
			r.Post("/", h.CreateClient)
			r.Get("/{id}", h.GetClient)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/transactions", h.RecordTransaction)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Get("/{id}/reconcile", h.Reconcile)
			r.Get("/{id}/stats", h.GetStats)
			r.Get("/{id}/stream", h.StreamBalance)
			r.Get("/{id}/packages", h.ListPackages)
			r.Get("/{id}/memberships", h.ListMemberships)
			r.Get("/{id}/giftcards", h.ListGiftCards)
			r.Get("/{id}/loyalty", h.GetLoyalty)
			r.Post("/{id}/loyalty/earn", h.EarnPoints)
			r.Post("/{id}/loyalty/redeem", h.RedeemPoints)
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/{id}/void", h.VoidTransaction)
		})

		// Package routes
		r.Route("/packages", func(r chi.Router) {
			r.Post("/", h.CreatePackage)
			r.Get("/{id}", h.GetPackage)
			r.Post("/{id}/use", h.UsePackage)
		})

		// Membership routes
		r.Route("/memberships", func(r chi.Router) {
			r.Post("/", h.Subscribe)
			r.Post("/{id}/cancel", h.CancelMembership)
		})

		// Gift card routes
		r.Route("/giftcards", func(r chi.Router) {
			r.Post("/", h.IssueGiftCard)
			r.Post("/redeem", h.RedeemGiftCard)
			r.Get("/{code}", h.GetGiftCard)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/adjustments", h.BatchAdjust)
		})
	})

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	return r
}
