package handler

import (
	"context"
	"net/http"

	"github.com/medscanhq/segpipe/internal/api/response"
)

// HealthChecker reports per-dependency status strings, "ok" meaning healthy.
type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

// NewHealthHandler returns the handler for GET /api/v1/health. Any unhealthy
// dependency turns the whole response into a 503.
func NewHealthHandler(svc HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := svc.Health(r.Context())

		status := http.StatusOK
		overall := "healthy"
		for _, v := range checks {
			if v != "ok" {
				status = http.StatusServiceUnavailable
				overall = "unhealthy"
				break
			}
		}

		response.Status(w, status, map[string]any{
			"status": overall,
			"checks": checks,
		})
	}
}
