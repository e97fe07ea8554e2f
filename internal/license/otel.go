package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"licensekit/internal/infrastructure"
)

const (
	TracerName = "licensekit/license"
	MeterName  = "licensekit/license"
)

// LicenseMetrics holds all license-specific OpenTelemetry metrics
type LicenseMetrics struct {
	// Verification metrics
	VerificationAttempts metric.Int64Counter
	VerificationSuccess  metric.Int64Counter
	VerificationFailures metric.Int64Counter
	VerificationDuration metric.Float64Histogram

	// Cache metrics
	CacheHits          metric.Int64Counter
	CacheMisses        metric.Int64Counter
	CacheInvalidations metric.Int64Counter

	// State machine metrics
	TierTransitions metric.Int64Counter
	StateHeals      metric.Int64Counter

	// Codec metrics
	EnvelopesEncoded   metric.Int64Counter
	EnvelopesInstalled metric.Int64Counter
}

// InitializeLicenseMetrics creates all license-specific metrics
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	metrics.VerificationAttempts, err = meter.Int64Counter(
		"license_verification_attempts_total",
		metric.WithDescription("Total number of license verification attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification attempts counter: %w", err)
	}

	metrics.VerificationSuccess, err = meter.Int64Counter(
		"license_verification_success_total",
		metric.WithDescription("Total number of successful license verifications"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification success counter: %w", err)
	}

	metrics.VerificationFailures, err = meter.Int64Counter(
		"license_verification_failures_total",
		metric.WithDescription("Total number of failed license verifications by error kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification failures counter: %w", err)
	}

	metrics.VerificationDuration, err = meter.Float64Histogram(
		"license_verification_duration_seconds",
		metric.WithDescription("License verification duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification duration histogram: %w", err)
	}

	metrics.CacheHits, err = meter.Int64Counter(
		"license_cache_hits_total",
		metric.WithDescription("Verifications answered from the cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	metrics.CacheMisses, err = meter.Int64Counter(
		"license_cache_misses_total",
		metric.WithDescription("Verifications that ran the full decode and reconcile path"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	metrics.CacheInvalidations, err = meter.Int64Counter(
		"license_cache_invalidations_total",
		metric.WithDescription("Explicit cache invalidations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache invalidations counter: %w", err)
	}

	metrics.TierTransitions, err = meter.Int64Counter(
		"license_tier_transitions_total",
		metric.WithDescription("Reconciliation outcomes by transition"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tier transitions counter: %w", err)
	}

	metrics.StateHeals, err = meter.Int64Counter(
		"license_state_heals_total",
		metric.WithDescription("Corrupt activation state files rebuilt from scratch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state heals counter: %w", err)
	}

	metrics.EnvelopesEncoded, err = meter.Int64Counter(
		"license_envelopes_encoded_total",
		metric.WithDescription("License envelopes produced"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create envelopes encoded counter: %w", err)
	}

	metrics.EnvelopesInstalled, err = meter.Int64Counter(
		"license_envelopes_installed_total",
		metric.WithDescription("License envelopes written to disk"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create envelopes installed counter: %w", err)
	}

	return metrics, nil
}

// traceVerification wraps a verification with a span and records metrics.
func (m *Manager) traceVerification(ctx context.Context, operation string, fn func(context.Context) (*VerificationOutcome, error)) (*VerificationOutcome, error) {
	tracer := otel.Tracer(TracerName)

	ctx, span := tracer.Start(ctx, "license."+operation,
		trace.WithAttributes(
			attribute.String("license.operation", operation),
			attribute.String("component", "license_manager"),
		),
	)
	defer span.End()

	start := time.Now()
	outcome, err := fn(ctx)
	duration := time.Since(start)

	cached := outcome != nil && outcome.Cached
	m.recordVerificationMetrics(ctx, duration, cached, err)

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.success", err == nil),
		attribute.Bool("license.cached", cached),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_type", string(Classify(err))))
	} else {
		span.SetStatus(codes.Ok, "License verified")
		if outcome != nil && outcome.Result != nil {
			infrastructure.AddSpanEvent(ctx, "license.verified", map[string]interface{}{
				"current_tier":   outcome.Result.CurrentTier,
				"days_remaining": outcome.Result.DaysRemaining,
				"plugin_id":      outcome.Result.Record.PluginID,
			})
		}
	}

	return outcome, err
}

// recordVerificationMetrics records verification-specific metrics
func (m *Manager) recordVerificationMetrics(ctx context.Context, duration time.Duration, cached bool, err error) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", "verification"),
		attribute.String("component", "license_manager"),
	)

	m.metrics.VerificationAttempts.Add(ctx, 1, labels)
	m.metrics.VerificationDuration.Record(ctx, duration.Seconds(), labels)

	if cached {
		m.metrics.CacheHits.Add(ctx, 1, labels)
	} else {
		m.metrics.CacheMisses.Add(ctx, 1, labels)
	}

	if err == nil {
		m.metrics.VerificationSuccess.Add(ctx, 1, labels)
		return
	}
	m.metrics.VerificationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", "verification"),
		attribute.String("error_kind", string(Classify(err))),
	))
}

// recordReconciliation records state machine outcomes.
func (m *Manager) recordReconciliation(ctx context.Context, rec Reconciliation) {
	if m.metrics == nil || rec.Transition == "" {
		return
	}
	m.metrics.TierTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transition", string(rec.Transition)),
		attribute.String("previous_phase", string(rec.Previous)),
		attribute.Int("tier", rec.State.ActiveTier),
	))
}

// recordCounter increments the counter selected from the metric set.
func (m *Manager) recordCounter(ctx context.Context, pick func(*LicenseMetrics) metric.Int64Counter) {
	if m.metrics == nil {
		return
	}
	if counter := pick(m.metrics); counter != nil {
		counter.Add(ctx, 1)
	}
}
