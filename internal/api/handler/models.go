package handler

import (
	"context"
	"net/http"

	"github.com/medscanhq/segpipe/internal/api/response"
	"github.com/medscanhq/segpipe/pkg/models"
)

// ModelLister defines the model registry view the handler depends on.
type ModelLister interface {
	ListModels(ctx context.Context) ([]*models.ModelDescriptor, error)
}

// NewListModelsHandler returns the handler for GET /api/v1/models.
func NewListModelsHandler(svc ModelLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		descriptors, err := svc.ListModels(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list models", nil)
			return
		}
		if descriptors == nil {
			descriptors = []*models.ModelDescriptor{}
		}
		response.JSON(w, descriptors)
	}
}
