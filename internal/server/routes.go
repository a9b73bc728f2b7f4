package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a router with all routes configured. A nil verifier
// disables authentication; a nil gatherer omits /metrics.
func NewRouter(h *Handler, v TokenVerifier, g prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	if g != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(v))
			r.Post("/todos/_search", h.Search)
			r.Get("/todos/stream", h.Stream)
			r.Get("/todos/changes", h.Changes)
			r.Post("/todos", h.Create)
			r.Patch("/todos/{id}", h.Update)
			r.Delete("/todos/{id}", h.Delete)
		})
	})

	return r
}
