package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "licensekit/internal/errors"
	"licensekit/internal/license"
	"licensekit/pkg/contracts/domain"
)

// MaxEnvelopeBytes bounds the POST /verify body.
const MaxEnvelopeBytes = 64 << 10

const tracerName = "licensekit/transport/http"

// LicenseHandler serves the license status adapter routes.
type LicenseHandler struct {
	manager  license.ManagerInterface
	errs     *apperrors.ErrorHandler
	validate *validator.Validate
	logger   *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(manager license.ManagerInterface, errs *apperrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if errs == nil {
		errs = apperrors.NewErrorHandler(logger, false, apperrors.LicenseProblem)
	}
	return &LicenseHandler{
		manager:  manager,
		errs:     errs,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "license")),
	}
}

// VerifyRequest is the POST /verify payload.
type VerifyRequest struct {
	License string `json:"license" validate:"required"`
}

// Bind implements render.Binder.
func (v *VerifyRequest) Bind(r *http.Request) error {
	v.License = strings.TrimSpace(v.License)
	return nil
}

// FingerprintResponse is the GET /fingerprint body.
type FingerprintResponse struct {
	Short string `json:"short"`
	Full  string `json:"full"`
}

// Routes returns a chi router with the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.GetStatus)
	r.Get("/fingerprint", h.GetFingerprint)
	r.Post("/verify", h.Verify)
	return r
}

// GetStatus handles GET /status. It always answers 200 with the status
// shape; failures are described by its status and errorCode fields.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "license_handler.get_status")
	defer span.End()

	var result *domain.VerificationResult
	if r.URL.Query().Get("source") == "state" {
		result = h.manager.Status(ctx)
	} else {
		var err error
		result, err = h.manager.VerifyFile(ctx, "")
		if err != nil {
			span.RecordError(err)
		}
	}

	span.SetAttributes(
		attribute.String("license.status", string(result.Status)),
		attribute.Int("license.days_remaining", result.DaysRemaining),
	)
	render.JSON(w, r, result.ToStatusResponse())
}

// GetFingerprint handles GET /fingerprint.
func (h *LicenseHandler) GetFingerprint(w http.ResponseWriter, r *http.Request) {
	fp := h.manager.CurrentFingerprint()
	render.JSON(w, r, FingerprintResponse{Short: fp.Short, Full: fp.Full})
}

// Verify handles POST /verify. The manager's verification cache is a single
// unkeyed slot, so within the cache window after a success the cached status
// is returned without decoding the posted envelope. Installing an envelope or
// invalidating the cache forces the next request through the full check.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "license_handler.verify",
		trace.WithAttributes(attribute.Int64("http.request.body.size", r.ContentLength)))
	defer span.End()
	r = r.WithContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, MaxEnvelopeBytes)
	req := &VerifyRequest{}
	if err := render.Bind(r, req); err != nil {
		span.RecordError(err)
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			h.errs.HandleError(w, r, err)
			return
		}
		h.errs.HandleError(w, r, apperrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.errs.HandleError(w, r, validationErrors(err))
		return
	}

	result, err := h.manager.DecodeAndVerify(ctx, req.License)
	if err != nil {
		span.RecordError(err)
		problem := apperrors.ProblemForKind(license.Classify(err), r.URL.Path)
		if result != nil {
			problem.WithExtension("license", result.ToStatusResponse())
		}
		h.errs.HandleError(w, r, problem)
		return
	}

	span.SetAttributes(attribute.String("license.status", string(result.Status)))
	render.JSON(w, r, result.ToStatusResponse())
}

func validationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.InvalidRequestWithError(err)
	}
	out := make([]apperrors.ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, apperrors.ValidationError{
			Field:   strings.ToLower(fe.Field()),
			Message: "failed on the '" + fe.Tag() + "' rule",
		})
	}
	return apperrors.NewValidationErrors(out)
}
