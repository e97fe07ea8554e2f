package license

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"licensekit/internal/security"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckResult contains comprehensive health status
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id,omitempty"`
	Components    map[string]*ComponentHealth `json:"components"`
	Summary       *HealthSummary              `json:"summary"`
}

// HealthSummary provides aggregated health metrics
type HealthSummary struct {
	TotalComponents     int     `json:"total_components"`
	HealthyComponents   int     `json:"healthy_components"`
	DegradedComponents  int     `json:"degraded_components"`
	UnhealthyComponents int     `json:"unhealthy_components"`
	OverallScore        float64 `json:"overall_score"`
}

// LicenseHealthCheck inspects the local license installation without
// mutating it.
type LicenseHealthCheck struct {
	manager *Manager
}

// NewLicenseHealthCheck creates a new health check system
func NewLicenseHealthCheck(manager *Manager) *LicenseHealthCheck {
	return &LicenseHealthCheck{manager: manager}
}

// PerformHealthCheck runs every component check.
func (hc *LicenseHealthCheck) PerformHealthCheck(ctx context.Context) *HealthCheckResult {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "license.health_check",
		trace.WithAttributes(attribute.String("component", "license_health")),
	)
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		Components: make(map[string]*ComponentHealth),
		TraceID:    span.SpanContext().TraceID().String(),
	}
	if !span.SpanContext().IsValid() {
		result.TraceID = ""
	}

	checks := map[string]func(context.Context) *ComponentHealth{
		"fingerprint_generation": hc.checkFingerprintGeneration,
		"activation_state":       hc.checkActivationState,
		"license_file":           hc.checkLicenseFile,
		"verification_cache":     hc.checkCacheHealth,
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		result.Components[name] = checks[name](ctx)
	}

	result.Summary = calculateHealthSummary(result.Components)
	result.OverallStatus = determineOverallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = generateStatusMessage(result.OverallStatus, result.Summary)

	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Int("health.total_components", result.Summary.TotalComponents),
		attribute.Float64("health.overall_score", result.Summary.OverallScore),
	)
	return result
}

// checkFingerprintGeneration flags hosts where factors fell back to neutral
// values, since such fingerprints collide across machines.
func (hc *LicenseHealthCheck) checkFingerprintGeneration(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := newComponentHealth(start)

	fp := hc.manager.fingerprints.GenerateFingerprint()
	facts := hc.manager.fingerprints.Components()
	health.Duration = time.Since(start).String()
	health.Metadata["short"] = fp.Short

	fallbacks := security.FallbackFactors(facts)
	switch {
	case len(fp.Full) != 64:
		health.Status = HealthStatusUnhealthy
		health.Message = "Fingerprint has unexpected length"
	case len(fallbacks) > 0:
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Fingerprint uses fallback values for %d factor(s)", len(fallbacks))
		health.Metadata["fallback_factors"] = fallbacks
	default:
		health.Status = HealthStatusHealthy
		health.Message = "Fingerprint generation successful"
	}
	return health
}

// checkActivationState reports the state machine phase.
func (hc *LicenseHealthCheck) checkActivationState(ctx context.Context) *ComponentHealth {
	health := newComponentHealth(time.Now())
	health.Metadata["path"] = hc.manager.store.Path()

	state, healed := hc.manager.store.Load(ctx)
	phase := PhaseOf(state, hc.manager.clock.Now())
	health.Metadata["phase"] = string(phase)
	health.Metadata["active_tier"] = state.ActiveTier
	health.Metadata["activated_plugins"] = len(state.ActivatedPlugins)

	switch {
	case healed:
		health.Status = HealthStatusDegraded
		health.Message = "Activation state is corrupt and will be rebuilt on next verification"
	case phase == PhaseExpired:
		health.Status = HealthStatusDegraded
		health.Message = "Active tier has expired"
	default:
		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("Activation state %s", phase)
	}
	return health
}

// checkLicenseFile verifies the installed envelope's structure and digest.
func (hc *LicenseHealthCheck) checkLicenseFile(ctx context.Context) *ComponentHealth {
	health := newComponentHealth(time.Now())
	path := hc.manager.envelopePath
	if path == "" {
		health.Status = HealthStatusHealthy
		health.Message = "No license location configured"
		return health
	}
	health.Metadata["path"] = path

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		health.Status = HealthStatusDegraded
		health.Message = "No license installed"
		return health
	}
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License file unreadable"
		health.Error = err.Error()
		return health
	}

	env, err := hc.manager.codec.CheckIntegrity(string(data))
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = MessageForKind(Classify(err))
		health.Error = err.Error()
		health.Metadata["error_kind"] = string(Classify(err))
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "License file intact"
	health.Metadata["envelope_version"] = env.Version
	health.Metadata["created_at"] = time.Unix(env.CreatedAt, 0).UTC().Format(time.RFC3339)
	return health
}

// checkCacheHealth reports cache usage.
func (hc *LicenseHealthCheck) checkCacheHealth(ctx context.Context) *ComponentHealth {
	health := newComponentHealth(time.Now())
	stats := hc.manager.cache.Stats()
	health.Metadata["populated"] = stats.Populated
	health.Metadata["hit_count"] = stats.HitCount
	health.Metadata["miss_count"] = stats.MissCount
	health.Metadata["hit_ratio"] = stats.HitRatio
	health.Metadata["window_seconds"] = stats.Window.Seconds()

	health.Status = HealthStatusHealthy
	if stats.Window <= 0 {
		health.Message = "Verification cache disabled"
	} else {
		health.Message = "Verification cache operational"
	}
	return health
}

func newComponentHealth(ts time.Time) *ComponentHealth {
	return &ComponentHealth{
		Timestamp: ts,
		Metadata:  make(map[string]interface{}),
	}
}

// calculateHealthSummary computes aggregate health metrics
func calculateHealthSummary(components map[string]*ComponentHealth) *HealthSummary {
	summary := &HealthSummary{
		TotalComponents: len(components),
	}

	for _, health := range components {
		switch health.Status {
		case HealthStatusHealthy:
			summary.HealthyComponents++
		case HealthStatusDegraded:
			summary.DegradedComponents++
		case HealthStatusUnhealthy:
			summary.UnhealthyComponents++
		}
	}

	// healthy=1.0, degraded=0.5, unhealthy=0.0
	if summary.TotalComponents > 0 {
		score := float64(summary.HealthyComponents) + (float64(summary.DegradedComponents) * 0.5)
		summary.OverallScore = score / float64(summary.TotalComponents)
	}

	return summary
}

// determineOverallStatus calculates overall health status
func determineOverallStatus(components map[string]*ComponentHealth) HealthStatus {
	hasUnhealthy := false
	hasDegraded := false

	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			hasUnhealthy = true
		case HealthStatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return HealthStatusUnhealthy
	} else if hasDegraded {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

// generateStatusMessage creates human-readable status message
func generateStatusMessage(status HealthStatus, summary *HealthSummary) string {
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d license system components are healthy", summary.TotalComponents)
	case HealthStatusDegraded:
		return fmt.Sprintf("License system operational with %d degraded components out of %d",
			summary.DegradedComponents, summary.TotalComponents)
	case HealthStatusUnhealthy:
		return fmt.Sprintf("License system unhealthy: %d unhealthy, %d degraded out of %d components",
			summary.UnhealthyComponents, summary.DegradedComponents, summary.TotalComponents)
	default:
		return "Unknown health status"
	}
}
