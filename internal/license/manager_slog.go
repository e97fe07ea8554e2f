package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"licensekit/internal/infrastructure"
	"licensekit/pkg/contracts/domain"
)

// logOperation logs operation completion with duration and span correlation
func (m *Manager) logOperation(ctx context.Context, operation string, start time.Time, err error) {
	duration := time.Since(start)
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.operation", operation),
			attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
			attribute.Bool("license.success", err == nil),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.Duration("duration", duration),
	}

	if err != nil {
		attrs = append(attrs,
			slog.String("error", err.Error()),
			slog.String("error_kind", string(Classify(err))),
		)
		m.logAction(ctx, slog.LevelWarn, operation, "License operation failed", attrs...)
		return
	}
	m.logAction(ctx, slog.LevelInfo, operation, "License operation completed", attrs...)
}

// logAction logs a specific action with structured data and trace correlation
func (m *Manager) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	if !m.logger.Enabled(ctx, level) {
		return
	}

	allAttrs := []slog.Attr{
		slog.String("action", action),
	}
	if traceID := infrastructure.TraceIDFromContext(ctx); traceID != "" {
		allAttrs = append(allAttrs, slog.String("otel_trace_id", traceID))
	}
	allAttrs = append(allAttrs, attrs...)

	m.logger.LogAttrs(ctx, level, result, allAttrs...)
}

// logResultAction logs a verification outcome without leaking full
// fingerprints or license identifiers.
func (m *Manager) logResultAction(ctx context.Context, level slog.Level, action, result string, res *domain.VerificationResult, attrs ...slog.Attr) {
	if res != nil {
		attrs = append(attrs,
			slog.String("license_id_hash", hashLicenseID(res.Record.LicenseID)),
			slog.String("plugin_id", res.Record.PluginID),
			slog.String("fingerprint", maskFingerprint(res.Record.Fingerprint)),
			slog.String("status", string(res.Status)),
			slog.Int("current_tier", res.CurrentTier),
			slog.Int("days_remaining", res.DaysRemaining),
		)
	}
	m.logAction(ctx, level, action, result, attrs...)
}

// maskFingerprint keeps the head and tail of a machine hash for support
// correlation.
func maskFingerprint(fp string) string {
	fp = strings.TrimSpace(fp)
	switch {
	case fp == "" || fp == domain.UnboundFingerprint:
		return fp
	case len(fp) <= 8:
		return "****"
	default:
		return fp[:4] + "****" + fp[len(fp)-4:]
	}
}

// hashLicenseID creates a short hash of the license identifier for audit trails
func hashLicenseID(id string) string {
	if id == "" {
		return ""
	}
	h := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%x", h)[:16]
}

// Helper methods for specific log levels
func (m *Manager) logDebug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelDebug, action, result, attrs...)
}

func (m *Manager) logInfo(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func (m *Manager) logWarn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

func (m *Manager) logError(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelError, action, result, attrs...)
}
