// Package api wires the orchestrator's HTTP facade: routes, middleware, and
// the response envelope.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medscanhq/segpipe/internal/api/handler"
	mw "github.com/medscanhq/segpipe/internal/api/middleware"
	"github.com/medscanhq/segpipe/internal/pipeline"
)

// Dependencies holds everything the router needs. RateLimit may be nil in
// tests to skip rate limiting.
type Dependencies struct {
	Service   *pipeline.Service
	RateLimit *mw.RateLimit
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", handler.NewHealthHandler(deps.Service))

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/studies", handler.NewUploadStudyHandler(deps.Service))
		r.Get("/api/v1/studies", handler.NewListStudiesHandler(deps.Service))
		r.Get("/api/v1/studies/{studyID}", handler.NewGetStudyHandler(deps.Service))
		r.Delete("/api/v1/studies/{studyID}", handler.NewDeleteStudyHandler(deps.Service))

		r.Get("/api/v1/models", handler.NewListModelsHandler(deps.Service))

		r.Post("/api/v1/inference/jobs", handler.NewSubmitJobHandler(deps.Service))
		r.Get("/api/v1/inference/jobs", handler.NewListJobsHandler(deps.Service))
		r.Get("/api/v1/inference/jobs/{jobID}", handler.NewGetJobHandler(deps.Service))
		r.Delete("/api/v1/inference/jobs/{jobID}", handler.NewCancelJobHandler(deps.Service))
		r.Get("/api/v1/inference/jobs/{jobID}/artifacts/{kind}", handler.NewArtifactHandler(deps.Service))
	})

	return r
}
