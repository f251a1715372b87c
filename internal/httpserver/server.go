package httpserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/PortNumber53/subscription-sync/internal/config"
	"github.com/PortNumber53/subscription-sync/internal/handlers"
	"github.com/PortNumber53/subscription-sync/internal/worker"
)

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// New constructs an HTTP server with the billing routes. jobs and jobWorker may
// be nil.
func New(cfg config.Config, billingHandler *handlers.BillingHandler, jobs handlers.JobStatsReader, jobWorker *worker.Worker) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health(jobs))

	if billingHandler != nil {
		billingHandler.RegisterRoutes(router)
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: jobWorker}
}

// Start starts the worker and then serves HTTP traffic until shutdown.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		log.Println("[server] Starting job worker...")
		s.worker.Start(ctx)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		log.Println("[server] Shutting down job worker...")
		if err := s.worker.Stop(ctx); err != nil {
			log.Printf("[server] Worker shutdown error: %v", err)
		}
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
