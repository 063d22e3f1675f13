// Package api provides the HTTP API server for the record service.
package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/CivicPress/civicpress-sub013/config"
	"github.com/CivicPress/civicpress-sub013/pkg/api/handlers"
	"github.com/CivicPress/civicpress-sub013/pkg/api/middleware"
	"github.com/CivicPress/civicpress-sub013/pkg/logger"
)

// Handlers holds all HTTP handlers.
type Handlers struct {
	// Records serves record reads and lifecycle mutations.
	Records *handlers.RecordHandler

	// Drafts serves draft CRUD and publishing.
	Drafts *handlers.DraftHandler

	// Sagas serves the saga admin surface.
	Sagas *handlers.SagaHandler

	// Recovery triggers stuck-saga sweeps on demand.
	Recovery *handlers.RecoveryHandler

	// Health handles health check endpoints.
	Health *handlers.HealthHandler

	// Events streams lifecycle events over websocket.
	Events *handlers.WebSocketHandler

	// Metrics is the optional metrics recorder.
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, handlers *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))

	if handlers.Metrics != nil {
		r.Use(middleware.Metrics(handlers.Metrics))
	}
	if cfg.Server.RateLimit.Enabled {
		r.Use(middleware.RateLimit(&cfg.Server.RateLimit))
	}

	r.Use(middleware.CORS(&cfg.Server.CORS))
	r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))

	RegisterRoutes(r, handlers)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, handlers *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if handlers.Records != nil {
			r.Route("/records", func(r chi.Router) {
				r.Get("/", handlers.Records.ListRecords)
				r.Post("/", handlers.Records.CreateRecord)
				r.Get("/{id}", handlers.Records.GetRecord)
				r.Patch("/{id}", handlers.Records.UpdateRecord)
				r.Post("/{id}/archive", handlers.Records.ArchiveRecord)
			})
		}

		if handlers.Drafts != nil {
			r.Route("/drafts", func(r chi.Router) {
				r.Get("/", handlers.Drafts.ListDrafts)
				r.Post("/", handlers.Drafts.CreateDraft)
				r.Get("/{id}", handlers.Drafts.GetDraft)
				r.Delete("/{id}", handlers.Drafts.DeleteDraft)
				r.Post("/{id}/publish", handlers.Drafts.PublishDraft)
			})
		}

		if handlers.Sagas != nil {
			r.Route("/sagas", func(r chi.Router) {
				r.Get("/", handlers.Sagas.ListSagas)
				r.Get("/definitions", handlers.Sagas.ListDefinitions)
				r.Get("/{id}", handlers.Sagas.GetSaga)
				r.Post("/{id}/resume", handlers.Sagas.ResumeSaga)
			})
		}

		if handlers.Recovery != nil {
			r.Post("/recovery/run", handlers.Recovery.Run)
		}
	})

	// Health check routes (not versioned)
	if handlers.Health != nil {
		r.Get("/health", handlers.Health.Health)
		r.Get("/ready", handlers.Health.Ready)
		r.Get("/status", handlers.Health.Status)
	}

	// Live event stream
	if handlers.Events != nil {
		r.Get("/ws/events", handlers.Events.ServeHTTP)
	}
}
