package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates the read-only ops router. Store operations are not
// exposed over HTTP.
func NewRouter(db Database, embedder HealthChecker, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	opsH := NewOpsHandler(db, embedder)
	r.Get("/health", opsH.Health)
	r.Get("/stats", opsH.Stats)

	return r
}
