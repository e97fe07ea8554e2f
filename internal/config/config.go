package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "LICENSEKIT"

// ConfigFileEnv names the variable holding an explicit YAML config path.
const ConfigFileEnv = EnvPrefix + "_CONFIG_FILE"

// Config represents the complete application configuration
type Config struct {
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// LicenseConfig configures the license manager.
type LicenseConfig struct {
	// Secret is the application key shared by encoder and verifier.
	Secret        string        `yaml:"secret" envconfig:"SECRET"`
	EnvelopePath  string        `yaml:"envelope_path" envconfig:"ENVELOPE_PATH"`
	StatePath     string        `yaml:"state_path" envconfig:"STATE_PATH"`
	CacheWindow   time.Duration `yaml:"cache_window" envconfig:"CACHE_WINDOW" default:"30m"`
	DisableCache  bool          `yaml:"disable_cache" envconfig:"DISABLE_CACHE"`
	KDFIterations int           `yaml:"kdf_iterations" envconfig:"KDF_ITERATIONS" default:"100000"`
	UpgradeTiers  []int         `yaml:"upgrade_tiers" envconfig:"UPGRADE_TIERS" default:"60,90"`
	DisableWatch  bool          `yaml:"disable_watch" envconfig:"DISABLE_WATCH"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format      string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output      string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/licensekit.log"`
	MaxSizeMB   int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB" default:"10"`
	MaxBackups  int    `yaml:"max_backups" envconfig:"MAX_BACKUPS" default:"3"`
	MaxAgeDays  int    `yaml:"max_age_days" envconfig:"MAX_AGE_DAYS" default:"28"`
	Compress    bool   `yaml:"compress" envconfig:"COMPRESS" default:"true"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME" default:"licensekit"`
	ServiceVersion string  `yaml:"service_version" envconfig:"SERVICE_VERSION" default:"1.0.0"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" default:"1.0"`
}

// Load loads configuration from environment variables and an optional YAML
// file. Values set in the environment win over the file.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(ConfigFileEnv))
}

// LoadFile is Load with an explicit config file. An empty path skips the
// file.
func LoadFile(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		mergeConfigs(cfg, fileConfig)
	}

	var envCfg Config
	if err := envconfig.Process(EnvPrefix, &envCfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	applyEnv(cfg, &envCfg)

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs copies every non-zero file value over dst.
func mergeConfigs(dst, file *Config) {
	// License
	setString(&dst.License.Secret, file.License.Secret)
	setString(&dst.License.EnvelopePath, file.License.EnvelopePath)
	setString(&dst.License.StatePath, file.License.StatePath)
	if file.License.CacheWindow != 0 {
		dst.License.CacheWindow = file.License.CacheWindow
	}
	if file.License.KDFIterations != 0 {
		dst.License.KDFIterations = file.License.KDFIterations
	}
	if len(file.License.UpgradeTiers) > 0 {
		dst.License.UpgradeTiers = file.License.UpgradeTiers
	}
	dst.License.DisableCache = dst.License.DisableCache || file.License.DisableCache
	dst.License.DisableWatch = dst.License.DisableWatch || file.License.DisableWatch

	// Logging
	setString(&dst.Logging.Level, file.Logging.Level)
	setString(&dst.Logging.Format, file.Logging.Format)
	setString(&dst.Logging.Output, file.Logging.Output)
	setString(&dst.Logging.FilePath, file.Logging.FilePath)
	if file.Logging.MaxSizeMB != 0 {
		dst.Logging.MaxSizeMB = file.Logging.MaxSizeMB
	}
	if file.Logging.MaxBackups != 0 {
		dst.Logging.MaxBackups = file.Logging.MaxBackups
	}
	if file.Logging.MaxAgeDays != 0 {
		dst.Logging.MaxAgeDays = file.Logging.MaxAgeDays
	}
	dst.Logging.Development = dst.Logging.Development || file.Logging.Development

	// Telemetry
	setString(&dst.Telemetry.ServiceName, file.Telemetry.ServiceName)
	setString(&dst.Telemetry.ServiceVersion, file.Telemetry.ServiceVersion)
	setString(&dst.Telemetry.Environment, file.Telemetry.Environment)
	setString(&dst.Telemetry.TraceExporter, file.Telemetry.TraceExporter)
	setString(&dst.Telemetry.MetricExporter, file.Telemetry.MetricExporter)
	if file.Telemetry.SampleRatio != 0 {
		dst.Telemetry.SampleRatio = file.Telemetry.SampleRatio
	}
}

// applyEnv copies values that were explicitly set in the environment.
// envconfig fills unset variables with their defaults, so fields with a
// default tag are only copied when the variable is present.
func applyEnv(dst, env *Config) {
	lookup := func(name string) bool {
		_, ok := os.LookupEnv(EnvPrefix + "_" + name)
		return ok
	}

	// License
	setString(&dst.License.Secret, env.License.Secret)
	setString(&dst.License.EnvelopePath, env.License.EnvelopePath)
	setString(&dst.License.StatePath, env.License.StatePath)
	if lookup("LICENSE_CACHE_WINDOW") {
		dst.License.CacheWindow = env.License.CacheWindow
	}
	if lookup("LICENSE_KDF_ITERATIONS") {
		dst.License.KDFIterations = env.License.KDFIterations
	}
	if lookup("LICENSE_UPGRADE_TIERS") {
		dst.License.UpgradeTiers = env.License.UpgradeTiers
	}
	if lookup("LICENSE_DISABLE_CACHE") {
		dst.License.DisableCache = env.License.DisableCache
	}
	if lookup("LICENSE_DISABLE_WATCH") {
		dst.License.DisableWatch = env.License.DisableWatch
	}

	// Logging
	for name, pair := range map[string][2]*string{
		"LOGGING_LEVEL":     {&dst.Logging.Level, &env.Logging.Level},
		"LOGGING_FORMAT":    {&dst.Logging.Format, &env.Logging.Format},
		"LOGGING_OUTPUT":    {&dst.Logging.Output, &env.Logging.Output},
		"LOGGING_FILE_PATH": {&dst.Logging.FilePath, &env.Logging.FilePath},
	} {
		if lookup(name) {
			*pair[0] = *pair[1]
		}
	}
	for name, pair := range map[string][2]*int{
		"LOGGING_MAX_SIZE_MB":  {&dst.Logging.MaxSizeMB, &env.Logging.MaxSizeMB},
		"LOGGING_MAX_BACKUPS":  {&dst.Logging.MaxBackups, &env.Logging.MaxBackups},
		"LOGGING_MAX_AGE_DAYS": {&dst.Logging.MaxAgeDays, &env.Logging.MaxAgeDays},
	} {
		if lookup(name) {
			*pair[0] = *pair[1]
		}
	}
	if lookup("LOGGING_COMPRESS") {
		dst.Logging.Compress = env.Logging.Compress
	}
	if lookup("LOGGING_DEVELOPMENT") {
		dst.Logging.Development = env.Logging.Development
	}

	// Telemetry
	for name, pair := range map[string][2]*string{
		"TELEMETRY_SERVICE_NAME":    {&dst.Telemetry.ServiceName, &env.Telemetry.ServiceName},
		"TELEMETRY_SERVICE_VERSION": {&dst.Telemetry.ServiceVersion, &env.Telemetry.ServiceVersion},
		"TELEMETRY_ENVIRONMENT":     {&dst.Telemetry.Environment, &env.Telemetry.Environment},
		"TELEMETRY_TRACE_EXPORTER":  {&dst.Telemetry.TraceExporter, &env.Telemetry.TraceExporter},
		"TELEMETRY_METRIC_EXPORTER": {&dst.Telemetry.MetricExporter, &env.Telemetry.MetricExporter},
	} {
		if lookup(name) {
			*pair[0] = *pair[1]
		}
	}
	if lookup("TELEMETRY_SAMPLE_RATIO") {
		dst.Telemetry.SampleRatio = env.Telemetry.SampleRatio
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// resolvePaths fills unset license locations with the per-user defaults.
func (c *Config) resolvePaths() error {
	if c.License.StatePath != "" && c.License.EnvelopePath != "" {
		return nil
	}
	paths, err := GetPaths()
	if err != nil {
		return err
	}
	if c.License.StatePath == "" {
		c.License.StatePath = paths.StateFile
	}
	if c.License.EnvelopePath == "" {
		c.License.EnvelopePath = paths.LicenseFile
	}
	return nil
}

// Validate checks the configuration and normalizes logging settings.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.License.Secret) == "" {
		errs = append(errs, errors.New("license secret must be set"))
	}
	if c.License.KDFIterations < MinKDFIterations {
		errs = append(errs, fmt.Errorf("license kdf iterations must be at least %d", MinKDFIterations))
	}
	if c.License.CacheWindow < 0 {
		errs = append(errs, errors.New("license cache window must not be negative"))
	}
	for _, tier := range c.License.UpgradeTiers {
		if tier <= 0 {
			errs = append(errs, fmt.Errorf("invalid upgrade tier: %d", tier))
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, fmt.Errorf("invalid log level: %q", c.Logging.Level))
	}
	if !slices.Contains([]string{"console", "file", "both"}, strings.ToLower(c.Logging.Output)) {
		errs = append(errs, fmt.Errorf("invalid log output: %q", c.Logging.Output))
	}
	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		errs = append(errs, errors.New("log file path must be set for file output"))
	}

	if !slices.Contains([]string{"stdout", "none"}, c.Telemetry.TraceExporter) {
		errs = append(errs, fmt.Errorf("unsupported trace exporter: %q", c.Telemetry.TraceExporter))
	}
	if !slices.Contains([]string{"prometheus", "none"}, c.Telemetry.MetricExporter) {
		errs = append(errs, fmt.Errorf("unsupported metric exporter: %q", c.Telemetry.MetricExporter))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("sample ratio must be within [0,1]: %v", c.Telemetry.SampleRatio))
	}

	// Logs are always JSON.
	c.Logging.Format = "json"

	return errors.Join(errs...)
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		License: LicenseConfig{
			CacheWindow:   DefaultCacheWindow,
			KDFIterations: MinKDFIterations,
			UpgradeTiers:  []int{60, 90},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "console",
			FilePath:   "logs/licensekit.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			ServiceVersion: AppVersion,
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "none",
			SampleRatio:    1.0,
		},
	}
}
