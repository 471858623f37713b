package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, baseURL string) {
	r.Get("/.well-known/agent.json", h.AgentCardHandler(baseURL))

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Goals and sessions
		r.Post("/goals", h.RunGoal)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Post("/sessions/{id}/resume", h.ResumeSession)

		// Providers
		r.Get("/providers", h.ListProviders)
		r.Post("/providers", h.RegisterProvider)
		r.Delete("/providers/{id}", h.DeregisterProvider)

		// Workflows
		r.Get("/workflows", h.ListWorkflows)
		r.Post("/workflows/{name}/runs", h.RunWorkflow)
		r.Get("/runs/{id}", h.GetRun)
	})
}
