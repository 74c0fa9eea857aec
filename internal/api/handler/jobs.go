package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tilemosaic/mosaicd/internal/api/response"
	"github.com/tilemosaic/mosaicd/internal/dispatch"
	"github.com/tilemosaic/mosaicd/internal/jobs"
	"github.com/tilemosaic/mosaicd/internal/store"
	"github.com/tilemosaic/mosaicd/pkg/models"
)

// TokenHeader carries the per-job secret on worker status callbacks.
const TokenHeader = "X-Job-Secret"

// JobService defines the interface the job handlers depend on.
type JobService interface {
	Enqueue(ctx context.Context, owner string, projectID uuid.UUID, params jobs.EnqueueParams) (*models.Job, error)
	Get(ctx context.Context, projectID, jobID uuid.UUID) (*models.Job, error)
	List(ctx context.Context, projectID uuid.UUID) ([]*models.Job, error)
	Delete(ctx context.Context, projectID, jobID uuid.UUID) error
	IsTokenValid(ctx context.Context, jobID uuid.UUID, token string) (bool, error)
	UpdateStatus(ctx context.Context, jobID uuid.UUID, token string, target models.JobStatus, progress *float64) (*models.Job, error)
}

// NewEnqueueJobHandler returns the handler for
// POST /api/v1/users/{userName}/projects/{projectID}/jobs.
func NewEnqueueJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := chi.URLParam(r, "userName")
		projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "projectID must be a UUID", nil)
			return
		}

		var params jobs.EnqueueParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if params.Target == uuid.Nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "target is required", nil)
			return
		}

		job, err := svc.Enqueue(r.Context(), owner, projectID, params)
		if err != nil {
			writeJobError(w, err)
			return
		}

		response.Created(w, job)
	}
}

// NewListJobsHandler returns the handler for
// GET /api/v1/users/{userName}/projects/{projectID}/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "projectID must be a UUID", nil)
			return
		}

		list, err := svc.List(r.Context(), projectID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		if list == nil {
			list = []*models.Job{}
		}
		response.JSON(w, list)
	}
}

// NewGetJobHandler returns the handler for
// GET /api/v1/users/{userName}/projects/{projectID}/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, jobID, ok := parseJobPath(w, r)
		if !ok {
			return
		}

		job, err := svc.Get(r.Context(), projectID, jobID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewDeleteJobHandler returns the handler for
// DELETE /api/v1/users/{userName}/projects/{projectID}/jobs/{jobID}.
func NewDeleteJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, jobID, ok := parseJobPath(w, r)
		if !ok {
			return
		}

		if err := svc.Delete(r.Context(), projectID, jobID); err != nil {
			writeJobError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// NewJobStatusHandler returns the handler for the worker callback
// POST /api/v1/jobs/{jobID}/status. It is authenticated by the per-job
// secret in the X-Job-Secret header instead of an API key.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		token := r.Header.Get(TokenHeader)
		if token == "" {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing job token", nil)
			return
		}

		valid, err := svc.IsTokenValid(r.Context(), jobID, token)
		if err != nil {
			writeJobError(w, err)
			return
		}
		if !valid {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid job token", nil)
			return
		}

		var req struct {
			Status   string   `json:"status"`
			Progress *float64 `json:"progress"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Status == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "status is required", nil)
			return
		}

		job, err := svc.UpdateStatus(r.Context(), jobID, token, models.JobStatus(req.Status), req.Progress)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

func parseJobPath(w http.ResponseWriter, r *http.Request) (projectID, jobID uuid.UUID, ok bool) {
	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "projectID must be a UUID", nil)
		return uuid.Nil, uuid.Nil, false
	}
	jobID, err = uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
		return uuid.Nil, uuid.Nil, false
	}
	return projectID, jobID, true
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, jobs.ErrUnauthorized):
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid job token", nil)
	case errors.Is(err, jobs.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, jobs.ErrJobActive):
		response.Error(w, http.StatusConflict, "JOB_ACTIVE", "Job must be in a terminal status to be deleted", nil)
	case errors.Is(err, jobs.ErrTileLimit), errors.Is(err, jobs.ErrValidation):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, dispatch.ErrWorkerUnreachable), errors.Is(err, dispatch.ErrWorkerRejected):
		response.Error(w, http.StatusBadGateway, "WORKER_UNAVAILABLE", "The processing worker did not accept the job", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
