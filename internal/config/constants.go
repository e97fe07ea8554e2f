package config

import (
	"time"

	"licensekit/pkg/contracts"
)

// Application constants
const (
	// Application Info
	AppName    = "licensekit"
	AppVersion = contracts.Version

	// License System Constants
	LicenseFileName    = "license.lic"
	StateFileName      = "activation.json"
	MinKDFIterations   = 100000
	DefaultCacheWindow = 30 * time.Minute

	// Log Settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// Status routes mounted by collaborators
	StatusEndpoint      = "/status"
	FingerprintEndpoint = "/fingerprint"
	VerifyEndpoint      = "/verify"
	HealthEndpoint      = "/health"
	MetricsEndpoint     = "/metrics"
)

// Feature Flags - compile-time configuration
const (
	FeatureDeviceBindingEnabled = true
	FeatureLegacyImportEnabled  = true
	FeatureMetricsEnabled       = true
	FeatureHealthCheckEnabled   = true
)

// GetFeatureFlag returns the value of a feature flag
func GetFeatureFlag(flag string) bool {
	switch flag {
	case "device_binding":
		return FeatureDeviceBindingEnabled
	case "legacy_import":
		return FeatureLegacyImportEnabled
	case "metrics":
		return FeatureMetricsEnabled
	case "health_check":
		return FeatureHealthCheckEnabled
	default:
		return false
	}
}
