package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/framehunter/internal/api/response"
	"github.com/kiranshivaraju/framehunter/internal/lifecycle"
	"github.com/kiranshivaraju/framehunter/pkg/models"
)

const (
	maxBatchVideos = 50
	maxStatusIDs   = 100
)

// JobService is the slice of lifecycle.Manager the job handlers use.
type JobService interface {
	CreateAndDispatch(ctx context.Context, owner models.Owner, sessionID string, video models.VideoRef) (*models.Job, error)
	ListForOwner(ctx context.Context, owner models.Owner, sessionID string, limit int) ([]*models.Job, error)
	ListSessions(ctx context.Context, owner models.Owner, limit int) ([]lifecycle.SessionSummary, error)
	Get(ctx context.Context, owner models.Owner, id string) (*models.Job, error)
	GetStatus(ctx context.Context, owner models.Owner, ids []string) []lifecycle.StatusItem
	Requeue(ctx context.Context, owner models.Owner, id string) (*models.Job, error)
	Restart(ctx context.Context, owner models.Owner, id string) (*models.Job, error)
	DeleteForOwner(ctx context.Context, owner models.Owner, id string) error
}

type createJobsRequest struct {
	SessionID string            `json:"session_id"`
	Videos    []models.VideoRef `json:"videos"`
}

// createdJob mirrors what a client needs to start polling.
type createdJob struct {
	JobID    string                      `json:"job_id"`
	Status   string                      `json:"status"`
	Video    models.VideoRef             `json:"video"`
	Dispatch *models.DispatchDiagnostics `json:"dispatch,omitempty"`
}

// NewCreateJobsHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// Every video is validated before any job is created.
func NewCreateJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerOrReject(w, r)
		if !ok {
			return
		}

		var req createJobsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Videos) == 0 {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "videos is required", nil)
			return
		}
		if len(req.Videos) > maxBatchVideos {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
				fmt.Sprintf("at most %d videos per request", maxBatchVideos), nil)
			return
		}
		for i, v := range req.Videos {
			if strings.TrimSpace(v.Bucket) == "" || strings.TrimSpace(v.Key) == "" {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
					fmt.Sprintf("videos[%d]: bucket and key are required", i), nil)
				return
			}
		}

		created := make([]createdJob, 0, len(req.Videos))
		for _, v := range req.Videos {
			job, err := svc.CreateAndDispatch(r.Context(), owner, req.SessionID, v)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			created = append(created, createdJob{
				JobID:    job.ID.String(),
				Status:   job.Status,
				Video:    job.Video,
				Dispatch: job.Dispatch,
			})
		}
		response.Accepted(w, created)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// An optional session_id query parameter narrows the list to one session.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerOrReject(w, r)
		if !ok {
			return
		}
		limit, ok := limitParam(w, r)
		if !ok {
			return
		}

		jobs, err := svc.ListForOwner(r.Context(), owner, r.URL.Query().Get("session_id"), limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.List(w, jobs, len(jobs), lifecycle.ListLimit(limit))
	}
}

// NewListSessionsHandler returns an http.HandlerFunc for GET /api/v1/sessions.
func NewListSessionsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerOrReject(w, r)
		if !ok {
			return
		}
		limit, ok := limitParam(w, r)
		if !ok {
			return
		}

		sessions, err := svc.ListSessions(r.Context(), owner, limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.List(w, sessions, len(sessions), lifecycle.ListLimit(limit))
	}
}

// limitParam reads the optional limit query parameter. Zero means the default.
func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "limit must be a non-negative integer", nil)
		return 0, false
	}
	return n, true
}

// NewJobStatusHandler returns an http.HandlerFunc for POST /api/v1/jobs/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerOrReject(w, r)
		if !ok {
			return
		}

		var req struct {
			JobIDs []string `json:"job_ids"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.JobIDs) > maxStatusIDs {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest,
				fmt.Sprintf("at most %d job_ids per request", maxStatusIDs), nil)
			return
		}

		response.JSON(w, svc.GetStatus(r.Context(), owner, req.JobIDs))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerOrReject(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), owner, chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewDeleteJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
func NewDeleteJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerOrReject(w, r)
		if !ok {
			return
		}
		if err := svc.DeleteForOwner(r.Context(), owner, chi.URLParam(r, "jobID")); err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

// NewRestartJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/restart.
func NewRestartJobHandler(svc JobService) http.HandlerFunc {
	return jobAction(svc.Restart)
}

// NewRequeueJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/requeue.
func NewRequeueJobHandler(svc JobService) http.HandlerFunc {
	return jobAction(svc.Requeue)
}

func jobAction(fn func(ctx context.Context, owner models.Owner, id string) (*models.Job, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := ownerOrReject(w, r)
		if !ok {
			return
		}
		job, err := fn(r.Context(), owner, chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.Accepted(w, job)
	}
}
