package license

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"licensekit/pkg/contracts/domain"
)

// DefaultIssuer is stamped on records built by NewLicenseRecord.
const DefaultIssuer = "licensekit"

// RecordOption customizes a record built by NewLicenseRecord.
type RecordOption func(*domain.LicenseRecord)

// WithFingerprint binds the record to a machine. An empty value leaves the
// record unbound.
func WithFingerprint(full string) RecordOption {
	return func(r *domain.LicenseRecord) {
		full = strings.ToLower(strings.TrimSpace(full))
		if full == "" {
			full = domain.UnboundFingerprint
		}
		r.Fingerprint = full
	}
}

// WithFeatures grants capability tags. Duplicates are dropped.
func WithFeatures(features ...string) RecordOption {
	return func(r *domain.LicenseRecord) {
		for _, f := range features {
			f = strings.TrimSpace(f)
			if f != "" && !slices.Contains(r.Features, f) {
				r.Features = append(r.Features, f)
			}
		}
	}
}

// WithIssuer overrides DefaultIssuer.
func WithIssuer(issuer string) RecordOption {
	return func(r *domain.LicenseRecord) {
		r.Issuer = issuer
	}
}

// WithLicenseID overrides the generated identifier.
func WithLicenseID(id string) RecordOption {
	return func(r *domain.LicenseRecord) {
		r.LicenseID = id
	}
}

// NewLicenseRecord builds an unbound current-schema record with a fresh
// identifier, generated at now truncated to the second.
func NewLicenseRecord(now time.Time, pluginID string, durationDays int, opts ...RecordOption) domain.LicenseRecord {
	record := domain.LicenseRecord{
		LicenseID:     uuid.NewString(),
		PluginID:      pluginID,
		Type:          domain.CurrentSchemaType,
		Fingerprint:   domain.UnboundFingerprint,
		GeneratedAt:   now.UTC().Truncate(time.Second),
		DurationDays:  durationDays,
		Issuer:        DefaultIssuer,
		SchemaVersion: domain.CurrentSchemaVersion,
	}
	for _, opt := range opts {
		opt(&record)
	}
	return record
}
