package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/internal/api/response"
	"github.com/medscanhq/segpipe/internal/pipeline"
	"github.com/medscanhq/segpipe/internal/store"
	"github.com/medscanhq/segpipe/pkg/models"
)

// JobService defines the job operations the handlers depend on.
type JobService interface {
	SubmitJob(ctx context.Context, studyRef, modelRef string) (*models.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, int, error)
	CancelJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ArtifactURL(ctx context.Context, id uuid.UUID, kind string) (string, error)
}

// NewSubmitJobHandler returns the handler for POST /api/v1/inference/jobs.
func NewSubmitJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			StudyReference string `json:"study_reference"`
			ModelReference string `json:"model_reference"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.StudyReference == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "study_reference is required", nil)
			return
		}
		if req.ModelReference == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "model_reference is required", nil)
			return
		}

		job, err := svc.SubmitJob(r.Context(), req.StudyReference, req.ModelReference)
		if err != nil {
			switch {
			case errors.Is(err, pipeline.ErrUnknownModel):
				response.Error(w, http.StatusUnprocessableEntity, "UNKNOWN_MODEL",
					"No registered model matches model_reference", nil)
			case errors.Is(err, pipeline.ErrUnknownStudy):
				response.Error(w, http.StatusUnprocessableEntity, "UNKNOWN_STUDY",
					"No uploaded study matches study_reference", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to submit job", nil)
			}
			return
		}
		response.Accepted(w, job)
	}
}

// NewGetJobHandler returns the handler for GET /api/v1/inference/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}
		response.JSON(w, job)
	}
}

// NewListJobsHandler returns the handler for GET /api/v1/inference/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, limit := pagination(r)
		jobs, total, err := svc.ListJobs(r.Context(), limit, (page-1)*limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}
		response.Collection(w, jobs, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewCancelJobHandler returns the handler for DELETE /api/v1/inference/jobs/{jobID}.
// Cancellation only lands on pending jobs; for anything already claimed the
// response carries the job's actual status.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.CancelJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to cancel job", nil)
			return
		}
		response.JSON(w, job)
	}
}

// NewArtifactHandler returns the handler for
// GET /api/v1/inference/jobs/{jobID}/artifacts/{kind}. On success it answers
// 303 with a presigned URL in Location.
func NewArtifactHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "jobID")
		if !ok {
			return
		}
		kind := chi.URLParam(r, "kind")

		url, err := svc.ArtifactURL(r.Context(), id, kind)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			case errors.Is(err, pipeline.ErrNotReady):
				response.Error(w, http.StatusConflict, "NOT_READY",
					"Job has not completed; poll its status first", nil)
			case errors.Is(err, pipeline.ErrUnknownArtifact):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "No such artifact for this job", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to resolve artifact", nil)
			}
			return
		}

		http.Redirect(w, r, url, http.StatusSeeOther)
	}
}
