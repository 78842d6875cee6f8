// Package main provides the API router setup.
package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical/pdf2deck/cmd/pdf2deck-api/handlers"
	"github.com/spherical/pdf2deck/internal/domain"
)

// RouterConfig holds the HTTP-facing settings.
type RouterConfig struct {
	RequestTimeout time.Duration
	MaxUploadBytes int64
	CleanByDefault bool
	MaxPages       int
}

// NewRouter creates the main API router with all routes configured.
func NewRouter(logger *domain.Logger, service handlers.JobService, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"pdf2deck"}`))
	})

	jobs := handlers.NewJobHandler(logger, service, handlers.HandlerConfig{
		MaxUploadBytes: cfg.MaxUploadBytes,
		CleanByDefault: cfg.CleanByDefault,
		MaxPages:       cfg.MaxPages,
	})

	r.Route("/v1", func(r chi.Router) {
		// event streams outlive any request timeout
		r.Get("/jobs/{jobId}/events", jobs.Events)

		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			}
			r.Post("/jobs", jobs.Create)
			r.Get("/jobs/{jobId}", jobs.Get)
			r.Delete("/jobs/{jobId}", jobs.Delete)
			r.Patch("/jobs/{jobId}/pages/{page}", jobs.UpdatePage)
			r.Post("/jobs/{jobId}/deck", jobs.BuildDeck)
			r.Post("/decks", jobs.AssembleDeck)
			r.Post("/previews", jobs.Preview)
		})
	})

	return r
}
