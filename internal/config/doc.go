// Package config loads licensekit configuration.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//  1. Environment variables (highest priority)
//  2. A YAML file named by LICENSEKIT_CONFIG_FILE
//  3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern LICENSEKIT_<SECTION>_<FIELD>:
//
//	LICENSEKIT_LICENSE_SECRET=...
//	LICENSEKIT_LICENSE_STATE_PATH=/var/lib/app/activation.json
//	LICENSEKIT_LICENSE_UPGRADE_TIERS=60,90
//	LICENSEKIT_LOGGING_LEVEL=debug
//	LICENSEKIT_TELEMETRY_METRIC_EXPORTER=prometheus
//
// License paths left empty default to the per-user configuration directory
// (see GetPaths); LICENSEKIT_HOME relocates that directory.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	logger, err := infrastructure.InitializeLogger(cfg.Logging)
package config
