package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/internal/api/response"
	"github.com/medscanhq/segpipe/internal/store"
	"github.com/medscanhq/segpipe/pkg/models"
)

// maxStudyUploadBytes caps study archive uploads (CT series run to a few
// hundred MB).
const maxStudyUploadBytes = 2 << 30

// StudyService defines the study operations the handlers depend on.
type StudyService interface {
	UploadStudy(ctx context.Context, name, studyUID, seriesUID string, r io.Reader, size int64) (*models.Study, error)
	GetStudy(ctx context.Context, id uuid.UUID) (*models.Study, error)
	ListStudies(ctx context.Context, limit, offset int) ([]*models.Study, int, error)
	DeleteStudy(ctx context.Context, id uuid.UUID) error
}

// NewUploadStudyHandler returns the handler for POST /api/v1/studies.
// Expects a multipart form with a "volume" file and name/study_uid/series_uid
// fields.
func NewUploadStudyHandler(svc StudyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxStudyUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected multipart form with a volume file", nil)
			return
		}

		file, header, err := r.FormFile("volume")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "volume file is required", nil)
			return
		}
		defer file.Close()

		name := r.FormValue("name")
		if name == "" {
			name = header.Filename
		}
		studyUID := r.FormValue("study_uid")
		if studyUID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "study_uid is required", nil)
			return
		}
		seriesUID := r.FormValue("series_uid")

		study, err := svc.UploadStudy(r.Context(), name, studyUID, seriesUID, file, header.Size)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store study", nil)
			return
		}
		response.Created(w, study)
	}
}

// NewListStudiesHandler returns the handler for GET /api/v1/studies.
func NewListStudiesHandler(svc StudyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, limit := pagination(r)
		studies, total, err := svc.ListStudies(r.Context(), limit, (page-1)*limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list studies", nil)
			return
		}
		if studies == nil {
			studies = []*models.Study{}
		}
		response.Collection(w, studies, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewGetStudyHandler returns the handler for GET /api/v1/studies/{studyID}.
func NewGetStudyHandler(svc StudyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "studyID")
		if !ok {
			return
		}
		study, err := svc.GetStudy(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Study not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load study", nil)
			return
		}
		response.JSON(w, study)
	}
}

// NewDeleteStudyHandler returns the handler for DELETE /api/v1/studies/{studyID}.
func NewDeleteStudyHandler(svc StudyService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "studyID")
		if !ok {
			return
		}
		if err := svc.DeleteStudy(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Study not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete study", nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", param+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
