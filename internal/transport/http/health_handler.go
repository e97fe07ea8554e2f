package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"licensekit/internal/license"
)

// HealthChecker reports the health of the license installation.
type HealthChecker interface {
	PerformHealthCheck(ctx context.Context) *license.HealthCheckResult
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checker HealthChecker
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checker HealthChecker, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		checker: checker,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /health. Degraded installs still answer 200.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	result := h.checker.PerformHealthCheck(r.Context())

	if result.OverallStatus == license.HealthStatusUnhealthy {
		h.logger.WarnContext(r.Context(), "license health check failed",
			slog.String("message", result.Message))
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, result)
}
