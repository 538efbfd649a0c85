package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/virtool/jobrunner/internal/api/middleware"
	"github.com/virtool/jobrunner/internal/api/response"
	"github.com/virtool/jobrunner/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateJobHandler http.HandlerFunc
	ListJobsHandler  http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	CancelJobHandler http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc

	JobRightsHandler http.HandlerFunc
	GetSampleHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Routes called by users with an API key
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJobHandler))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))

		r.Post("/api/v1/keys", orNotImplemented(deps.CreateKeyHandler))
		r.Get("/api/v1/keys", orNotImplemented(deps.ListKeysHandler))
		r.Delete("/api/v1/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
	})

	// Routes called by running jobs with their job key
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.AuthenticateJob)

		r.Get("/api/v1/jobs/{jobID}/rights", orNotImplemented(deps.JobRightsHandler))

		r.With(deps.Auth.RequireRight(models.ObjectSample, "sampleID", models.CapabilityRead)).
			Get("/api/v1/samples/{sampleID}", orNotImplemented(deps.GetSampleHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
