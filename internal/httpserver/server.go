package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PortNumber53/indigenious/backend/internal/config"
	"github.com/PortNumber53/indigenious/backend/internal/handlers"
	requesttracking "github.com/PortNumber53/indigenious/backend/internal/middleware"
)

// Dependencies are the stores and handlers the router mounts. Nil entries
// leave their routes unregistered.
type Dependencies struct {
	Health  handlers.Pinger
	Billing handlers.BillingStore
	Jobs    handlers.JobStore
	Stripe  *handlers.StripeHandler
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Dependencies) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requesttracking.RequestTracker)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health(deps.Health))
	router.Handle("/metrics", promhttp.Handler())

	if deps.Stripe != nil {
		deps.Stripe.RegisterRoutes(router)
	} else {
		router.Get("/api/plans", handlers.ListPlans)
	}
	if deps.Billing != nil {
		handlers.RegisterBillingRoutes(router, deps.Billing)
	}
	if deps.Jobs != nil {
		handlers.RegisterJobRoutes(router, deps.Jobs)
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv}
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
