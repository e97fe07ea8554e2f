package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "licensekit/internal/errors"
	"licensekit/internal/license"
	"licensekit/pkg/contracts/domain"
)

// LicenseVerifier is the subset of the license manager the gate needs.
type LicenseVerifier interface {
	VerifyFile(ctx context.Context, path string) (*domain.VerificationResult, error)
}

// LicenseValidator rejects requests while the installed license does not
// verify. Results come from the manager's verification cache, so the gate
// adds no file or crypto work inside the cache window.
type LicenseValidator struct {
	verifier        LicenseVerifier
	logger          *slog.Logger
	excludePaths    map[string]struct{}
	excludePrefixes []string
}

// NewLicenseValidator creates a license gate. The status, fingerprint,
// verify and health endpoints stay reachable so an unlicensed install can
// still be diagnosed and fixed.
func NewLicenseValidator(verifier LicenseVerifier, logger *slog.Logger) *LicenseValidator {
	if logger == nil {
		logger = slog.Default()
	}
	lv := &LicenseValidator{
		verifier:     verifier,
		logger:       logger.With(slog.String("component", "license_middleware")),
		excludePaths: make(map[string]struct{}),
	}
	for _, p := range []string{"/status", "/fingerprint", "/verify", "/health", "/metrics"} {
		lv.AddExcludePath(p)
	}
	return lv
}

// AddExcludePath exempts an exact path from the gate.
func (lv *LicenseValidator) AddExcludePath(path string) {
	lv.excludePaths[path] = struct{}{}
}

// AddExcludePrefix exempts every path under prefix.
func (lv *LicenseValidator) AddExcludePrefix(prefix string) {
	lv.excludePrefixes = append(lv.excludePrefixes, prefix)
}

func (lv *LicenseValidator) shouldExcludePath(path string) bool {
	if _, ok := lv.excludePaths[path]; ok {
		return true
	}
	for _, prefix := range lv.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Handler returns the middleware handler function
func (lv *LicenseValidator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lv.shouldExcludePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := otel.Tracer(license.TracerName).Start(r.Context(), "license_middleware.validate",
			trace.WithAttributes(attribute.String("http.path", r.URL.Path)))
		result, err := lv.verifier.VerifyFile(ctx, "")
		if err == nil && result.Success {
			span.SetAttributes(attribute.String("license.status", string(result.Status)))
			span.End()
			next.ServeHTTP(w, r)
			return
		}
		span.End()

		kind := license.Classify(err)
		if err == nil {
			kind = license.ErrorKind(result.ErrorKind)
		}
		lv.logger.WarnContext(r.Context(), "request blocked by license gate",
			slog.String("path", r.URL.Path),
			slog.String("error_kind", string(kind)),
		)

		problem := apperrors.ProblemForKind(kind, r.URL.Path)
		// Gated routes answer 428 regardless of the failure kind; the
		// kind itself travels in error_code.
		problem.Status = http.StatusPreconditionRequired
		problem.WithExtension("trace_id", GetReqID(r.Context()))
		if result != nil {
			problem.WithExtension("license", result.ToStatusResponse())
		}
		render.Render(w, r, problem)
	})
}
