package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/framehunter/internal/api/middleware"
	"github.com/kiranshivaraju/framehunter/internal/api/response"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateJobsHandler http.HandlerFunc
	ListJobsHandler   http.HandlerFunc
	JobStatusHandler  http.HandlerFunc
	GetJobHandler     http.HandlerFunc
	DeleteJobHandler  http.HandlerFunc
	RestartJobHandler http.HandlerFunc
	RequeueJobHandler http.HandlerFunc
	SessionsHandler   http.HandlerFunc

	SearchHandler      http.HandlerFunc
	SearchStatsHandler http.HandlerFunc
	AskHandler         http.HandlerFunc
	SuggestionsHandler http.HandlerFunc

	RequeueStaleHandler http.HandlerFunc
	ReindexHandler      http.HandlerFunc
	CreateKeyHandler    http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJobsHandler))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Post("/api/v1/jobs/status", orNotImplemented(deps.JobStatusHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.DeleteJobHandler))
		r.Post("/api/v1/jobs/{jobID}/restart", orNotImplemented(deps.RestartJobHandler))
		r.Post("/api/v1/jobs/{jobID}/requeue", orNotImplemented(deps.RequeueJobHandler))
		r.Get("/api/v1/sessions", orNotImplemented(deps.SessionsHandler))

		r.Post("/api/v1/search", orNotImplemented(deps.SearchHandler))
		r.Get("/api/v1/search/stats", orNotImplemented(deps.SearchStatsHandler))
		r.Post("/api/v1/ask", orNotImplemented(deps.AskHandler))
		r.Get("/api/v1/ask/suggestions", orNotImplemented(deps.SuggestionsHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/jobs/requeue-stale", orNotImplemented(deps.RequeueStaleHandler))
			r.Post("/api/v1/admin/search/reindex", orNotImplemented(deps.ReindexHandler))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
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
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
