package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes registers the compare routes. Everything under /api requires
// an identity.
func SetupRoutes(router chi.Router, h *Handlers, identity func(http.Handler) http.Handler) {
	router.Get("/health", h.Health)

	router.Route("/api", func(r chi.Router) {
		r.Use(identity)

		r.Route("/compare", func(r chi.Router) {
			r.Get("/models", h.ListModels)
			r.Post("/cancel", h.Cancel)

			r.Post("/runs", h.StartRun)
			r.Get("/runs", h.ListRuns)
			r.Get("/runs/{runID}", h.GetRun)
			r.Get("/runs/{runID}/stream", h.ResumeRun)
			r.Get("/runs/{runID}/watch", h.WatchRun)
		})

		r.Delete("/chats/{chatID}/compare-runs", h.DeleteChatRuns)
	})
}
