// Package api assembles the HTTP surface: middleware chain, route table,
// and handler wiring.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/launchforge/engine/internal/api/handlers"
	mw "github.com/launchforge/engine/internal/api/middleware"
)

type Dependencies struct {
	HMACSecret        []byte
	HealthHandler     *handlers.HealthHandler
	AuthHandler       *handlers.AuthHandler
	SessionsHandler   *handlers.SessionsHandler
	ProjectsHandler   *handlers.ProjectsHandler
	OperationsHandler *handlers.OperationsHandler
	LogsHandler       *handlers.LogsHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	r.Use(mw.RateLimit(10, 20))
	r.Use(chimid.Compress(5))

	r.Get("/healthz", dep.HealthHandler.Liveness)
	r.Get("/readyz", dep.HealthHandler.Readiness)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/auth", func(ar chi.Router) {
			ar.Post("/register", dep.AuthHandler.Register)
			ar.Post("/login", dep.AuthHandler.Login)
		})

		api.Group(func(protected chi.Router) {
			protected.Use(mw.Auth(dep.HMACSecret))

			protected.Route("/sessions", func(sr chi.Router) {
				sr.Get("/", dep.SessionsHandler.List)
				sr.Post("/", dep.SessionsHandler.Create)
				sr.Get("/{id}", dep.SessionsHandler.Get)
				sr.Post("/{id}/accept", dep.SessionsHandler.Accept)
				sr.Get("/{id}/logs/stream", dep.LogsHandler.StreamSession)
			})

			protected.Route("/projects", func(pr chi.Router) {
				pr.Get("/", dep.ProjectsHandler.List)
				pr.Get("/{id}", dep.ProjectsHandler.Get)
				pr.Get("/{id}/operations", dep.OperationsHandler.List)
				pr.Post("/{id}/operations/{type}", dep.OperationsHandler.Trigger)
				pr.Get("/{id}/operations/{type}", dep.OperationsHandler.Get)
				pr.Get("/{id}/operations/{type}/logs/stream", dep.LogsHandler.StreamOperation)
			})
		})
	})

	return r
}
