package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apperrors "licensekit/internal/errors"
	"licensekit/internal/infrastructure"
	"licensekit/internal/license"
	"licensekit/internal/middleware"
)

// DefaultRequestTimeout bounds each request when RouterConfig leaves it zero.
const DefaultRequestTimeout = 30 * time.Second

// RouterConfig wires the status adapter.
type RouterConfig struct {
	// Manager is required.
	Manager license.ManagerInterface
	// Health enables GET /health when set.
	Health HealthChecker
	// Telemetry enables request tracing and metrics; its PrometheusHTTP
	// handler, when present, is mounted at /metrics.
	Telemetry *infrastructure.OTelProviders
	Logger    *slog.Logger
	// IncludeStack adds stack traces to 5xx problem documents.
	IncludeStack   bool
	RequestTimeout time.Duration
	// VerifyRate limits POST /verify to this many requests per second.
	// Zero disables the limit.
	VerifyRate  float64
	VerifyBurst int
}

// NewRouter builds the status adapter handler.
func NewRouter(cfg RouterConfig) (http.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	errs := apperrors.NewErrorHandler(logger, cfg.IncludeStack, apperrors.LicenseProblem)
	licenseHandler := NewLicenseHandler(cfg.Manager, errs, logger)

	r := chi.NewRouter()
	r.NotFound(errs.NotFound)
	r.MethodNotAllowed(errs.MethodNotAllowed)

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	if cfg.Telemetry != nil {
		otelMW, err := middleware.NewOTelMiddleware(cfg.Telemetry)
		if err != nil {
			return nil, err
		}
		r.Use(otelMW.Handler)
	}
	r.Use(middleware.StructuredLogger(logger))
	r.Use(errs.RecoveryMiddleware)
	r.Use(middleware.SecurityHeaders)
	r.Use(render.SetContentType(render.ContentTypeJSON))
	r.Use(chimw.Timeout(timeout))

	r.Get("/status", licenseHandler.GetStatus)
	r.Get("/fingerprint", licenseHandler.GetFingerprint)
	r.Group(func(r chi.Router) {
		if cfg.VerifyRate > 0 {
			burst := cfg.VerifyBurst
			if burst < 1 {
				burst = 1
			}
			r.Use(middleware.NewRateLimiter(cfg.VerifyRate, burst, logger).Handler)
		}
		r.Post("/verify", licenseHandler.Verify)
	})

	if cfg.Health != nil {
		r.Get("/health", NewHealthHandler(cfg.Health, logger).HealthCheck)
	}
	if cfg.Telemetry != nil && cfg.Telemetry.PrometheusHTTP != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Telemetry.PrometheusHTTP)
	}

	return r, nil
}
