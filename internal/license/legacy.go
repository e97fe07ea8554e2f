package license

import (
	"strings"

	"licensekit/pkg/contracts/domain"
)

// legacyPluginIDPrefix namespaces product identifiers synthesized for
// records issued before per-product licensing.
const legacyPluginIDPrefix = "legacy."

// LegacyUnknownPluginID is assigned to legacy records whose type tag is not
// in the mapping table.
const LegacyUnknownPluginID = legacyPluginIDPrefix + "unknown"

// legacyPluginIDs maps legacy type tags to synthetic product identifiers.
var legacyPluginIDs = map[string]string{
	"trial":        legacyPluginIDPrefix + "trial",
	"standard":     legacyPluginIDPrefix + "standard",
	"professional": legacyPluginIDPrefix + "professional",
	"enterprise":   legacyPluginIDPrefix + "enterprise",
	"lifetime":     legacyPluginIDPrefix + "lifetime",
}

// LegacyPluginID returns the synthetic product identifier for a legacy type
// tag. Unknown tags map to LegacyUnknownPluginID.
func LegacyPluginID(legacyType string) string {
	if id, ok := legacyPluginIDs[strings.ToLower(strings.TrimSpace(legacyType))]; ok {
		return id
	}
	return LegacyUnknownPluginID
}

// IsLegacyRecord reports whether a record predates the current schema.
func IsLegacyRecord(record domain.LicenseRecord) bool {
	return record.Type != domain.CurrentSchemaType
}

// NormalizeRecord upgrades a legacy record to the current schema and
// collapses repeated feature tags, keeping first-seen order. It never fails.
func NormalizeRecord(record domain.LicenseRecord) domain.LicenseRecord {
	record.Features = dedupeFeatures(record.Features)
	if !IsLegacyRecord(record) {
		return record
	}
	if strings.TrimSpace(record.PluginID) == "" {
		record.PluginID = LegacyPluginID(record.Type)
	}
	record.Type = domain.CurrentSchemaType
	record.SchemaVersion = domain.CurrentSchemaVersion
	return record
}

// dedupeFeatures returns features without repeats. Slices that are already
// a set are returned as is.
func dedupeFeatures(features []string) []string {
	if len(features) < 2 {
		return features
	}
	seen := make(map[string]struct{}, len(features))
	out := make([]string, 0, len(features))
	for _, f := range features {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	if len(out) == len(features) {
		return features
	}
	return out
}
