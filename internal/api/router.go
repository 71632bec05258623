package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agenthub/agenthub/internal/api/handlers"
	"github.com/agenthub/agenthub/internal/api/middleware"
	"github.com/agenthub/agenthub/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Agent fleet
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.RegisterAgent)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Delete("/", h.DeregisterAgent)
				r.Post("/heartbeat", h.AgentHeartbeat)
			})
		})

		// Request routing & coordination
		r.Post("/requests", h.RouteRequest)

		// Message bus
		r.Route("/messages", func(r chi.Router) {
			r.Post("/", h.SendMessage)
			r.Get("/dead-letter", h.ListDeadLetters)
			r.Post("/dead-letter/{messageID}/replay", h.ReplayDeadLetter)
		})

		// Workflows
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.ListWorkflows)
			r.Post("/", h.StartWorkflow)
			r.Route("/{workflowID}", func(r chi.Router) {
				r.Get("/", h.GetWorkflow)
				r.Delete("/", h.CancelWorkflow)
			})
		})

		// Distributed state
		r.Route("/state/{scope}", func(r chi.Router) {
			r.Route("/checkpoints/{name}", func(r chi.Router) {
				r.Post("/", h.CreateCheckpoint)
				r.Post("/restore", h.RestoreCheckpoint)
			})
			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", h.GetState)
				r.Put("/", h.PutState)
				r.Delete("/", h.DeleteState)
			})
		})

		// Metrics
		r.Get("/metrics", h.GetMetrics)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "agenthub",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
		})
	}
}
