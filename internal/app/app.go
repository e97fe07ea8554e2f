package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"licensekit/internal/clock"
	"licensekit/internal/config"
	"licensekit/internal/infrastructure"
	"licensekit/internal/license"
	"licensekit/internal/security"
	handlers "licensekit/internal/transport/http"
	"licensekit/pkg/contracts"
	"licensekit/pkg/contracts/domain"
)

// Application wires the license core to its ambient stack.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	License       *license.Manager
	Health        *license.LicenseHealthCheck
	// Handler is the status adapter for collaborators to mount.
	Handler http.Handler
}

// Option customizes NewApplication.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	hostProbe security.HostProbe
	clock     clock.Clock
}

// WithLogger skips global logger initialization and uses logger instead.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHostProbe replaces the machine fingerprint source.
func WithHostProbe(probe security.HostProbe) Option {
	return func(o *options) { o.hostProbe = probe }
}

// WithClock replaces the wall clock used for expiry and tier windows.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// NewApplication creates a new application instance from a validated config.
func NewApplication(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	logger.Info("Application starting",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("git_commit", contracts.GitCommit),
		slog.String("build_time", contracts.BuildTime),
		slog.String("envelope_path", cfg.License.EnvelopePath),
		slog.String("state_path", cfg.License.StatePath))

	if !config.FileExists(cfg.License.EnvelopePath) {
		logger.Warn("License file not found",
			slog.String("path", cfg.License.EnvelopePath),
			slog.String("action", "License installation will be required"))
	}

	providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFromTelemetry(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	managerOpts := ManagerOptions(cfg, logger, providers, o.hostProbe)
	managerOpts.Clock = o.clock
	manager, err := license.NewManager(managerOpts)
	if err != nil {
		_ = providers.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create license manager: %w", err)
	}

	if !cfg.License.DisableWatch && cfg.License.EnvelopePath != "" {
		if err := manager.Watch(""); err != nil {
			// Cache invalidation then relies on InstallEnvelope and the window.
			logger.Warn("License file watcher unavailable", slog.String("error", err.Error()))
		}
	}

	health := license.NewLicenseHealthCheck(manager)
	handler, err := handlers.NewRouter(handlers.RouterConfig{
		Manager:      manager,
		Health:       health,
		Telemetry:    providers,
		Logger:       logger,
		IncludeStack: cfg.Logging.Development,
		VerifyRate:   5,
		VerifyBurst:  10,
	})
	if err != nil {
		_ = manager.Close()
		_ = providers.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to build router: %w", err)
	}

	return &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: providers,
		License:       manager,
		Health:        health,
		Handler:       handler,
	}, nil
}

// ManagerOptions maps the license section of cfg onto manager options.
func ManagerOptions(cfg *config.Config, logger *slog.Logger, providers *infrastructure.OTelProviders, probe security.HostProbe) license.Options {
	enc := security.DefaultEncryptionConfig()
	if cfg.License.KDFIterations > 0 {
		enc.KDFIterations = cfg.License.KDFIterations
	}

	policy := license.DefaultPolicy()
	if len(cfg.License.UpgradeTiers) > 0 {
		policy.UpgradeTiers = append([]int(nil), cfg.License.UpgradeTiers...)
	}

	opts := license.Options{
		Secret:       []byte(cfg.License.Secret),
		StatePath:    cfg.License.StatePath,
		EnvelopePath: cfg.License.EnvelopePath,
		CacheWindow:  cfg.License.CacheWindow,
		DisableCache: cfg.License.DisableCache,
		Policy:       &policy,
		Encryption:   enc,
		HostProbe:    probe,
		Logger:       logger,
	}
	if providers != nil {
		opts.Meter = providers.Meter
	}
	return opts
}

// Check verifies the installed license once and returns the status shape.
// The error is non-nil whenever the license is not usable.
func (a *Application) Check(ctx context.Context) (domain.LicenseStatusResponse, error) {
	result, err := a.License.VerifyFile(ctx, "")
	status := result.ToStatusResponse()
	if err != nil {
		return status, err
	}
	if !status.Licensed {
		return status, fmt.Errorf("license not usable: %s", status.Status)
	}
	return status, nil
}

// Close stops the watcher, flushes telemetry and closes the log file.
func (a *Application) Close(ctx context.Context) error {
	var errs []error
	if err := a.License.Close(); err != nil {
		errs = append(errs, fmt.Errorf("license manager: %w", err))
	}
	if err := a.OTelProviders.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := infrastructure.CloseLogFile(); err != nil {
		errs = append(errs, fmt.Errorf("log file: %w", err))
	}
	return errors.Join(errs...)
}
