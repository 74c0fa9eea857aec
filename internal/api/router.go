package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/tilemosaic/mosaicd/internal/api/middleware"
	"github.com/tilemosaic/mosaicd/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler    http.HandlerFunc
	JobStatusHandler http.HandlerFunc

	EnqueueJobHandler http.HandlerFunc
	ListJobsHandler   http.HandlerFunc
	GetJobHandler     http.HandlerFunc
	DeleteJobHandler  http.HandlerFunc

	ListCollectionsHandler     http.HandlerFunc
	GetCollectionHandler       http.HandlerFunc
	InstallCollectionHandler   http.HandlerFunc
	UninstallCollectionHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Worker callback, authenticated by the per-job secret token rather
	// than an API key.
	r.Post("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.JobStatusHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/users/{userName}/projects/{projectID}/jobs", orNotImplemented(deps.EnqueueJobHandler))
		r.Get("/api/v1/users/{userName}/projects/{projectID}/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/users/{userName}/projects/{projectID}/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Delete("/api/v1/users/{userName}/projects/{projectID}/jobs/{jobID}", orNotImplemented(deps.DeleteJobHandler))

		r.Get("/api/v1/collections", orNotImplemented(deps.ListCollectionsHandler))
		r.Get("/api/v1/collections/{collectionID}", orNotImplemented(deps.GetCollectionHandler))
		r.Post("/api/v1/collections/{collectionID}/install", orNotImplemented(deps.InstallCollectionHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/collections/{collectionID}/uninstall", orNotImplemented(deps.UninstallCollectionHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
