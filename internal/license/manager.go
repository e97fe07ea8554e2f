package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"licensekit/internal/clock"
	"licensekit/internal/security"
	"licensekit/pkg/contracts/domain"
)

// Options configures a Manager.
type Options struct {
	// Secret is the application-embedded key shared by encoder and verifier.
	Secret []byte
	// StatePath is the activation state file. Required.
	StatePath string
	// EnvelopePath is the default installed license location used by
	// VerifyFile, InstallEnvelope and the watcher.
	EnvelopePath string
	// CacheWindow defaults to DefaultCacheWindow when zero.
	CacheWindow time.Duration
	// DisableCache turns off result reuse.
	DisableCache bool
	// Policy defaults to DefaultPolicy when nil.
	Policy *Policy
	// Encryption defaults to security.DefaultEncryptionConfig when nil.
	Encryption *security.EncryptionConfig
	Clock      clock.Clock
	HostProbe  security.HostProbe
	Logger     *slog.Logger
	// Meter defaults to the global meter provider.
	Meter metric.Meter
}

// ManagerInterface defines the license operations exposed to adapters to
// enable proper testing and mocking.
type ManagerInterface interface {
	EncodeLicense(ctx context.Context, record domain.LicenseRecord) (string, error)
	DecodeAndVerify(ctx context.Context, envelopeText string) (*domain.VerificationResult, error)
	VerifyFile(ctx context.Context, path string) (*domain.VerificationResult, error)
	CurrentFingerprint() domain.MachineFingerprint
	InstallEnvelope(ctx context.Context, envelopeText, destination string) error
	Status(ctx context.Context) *domain.VerificationResult
	Invalidate()
}

var _ ManagerInterface = (*Manager)(nil)

// VerificationOutcome carries a result plus whether it came from the cache.
type VerificationOutcome struct {
	Result *domain.VerificationResult
	Cached bool
}

// Manager is the programmatic boundary of the license core. It owns the
// codec, the reconciliation engine and the verification cache.
//
// The secret is shared by every installation. Anyone holding the binary can
// recover it, so the envelope resists casual tampering but not a motivated
// attacker.
type Manager struct {
	secret       []byte
	codec        *security.Codec
	fingerprints *security.FingerprintManager
	store        *StateStore
	engine       *Engine
	cache        *VerificationCache
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *LicenseMetrics
	envelopePath string

	watchMu sync.Mutex
	watcher *EnvelopeWatcher
}

// NewManager creates a license manager.
func NewManager(opts Options) (*Manager, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("license secret is required")
	}
	if opts.StatePath == "" {
		return nil, errors.New("license state path is required")
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "license_manager"))

	codec, err := security.NewCodec(opts.Encryption, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to create license codec: %w", err)
	}

	meter := opts.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(MeterName)
	}
	metrics, err := InitializeLicenseMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize license metrics: %w", err)
	}

	policy := DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}

	window := opts.CacheWindow
	if window == 0 {
		window = DefaultCacheWindow
	}
	if opts.DisableCache {
		window = 0
	}

	fingerprints := security.NewFingerprintManagerWithProbe(opts.HostProbe)
	store := NewStateStore(opts.StatePath, logger)

	m := &Manager{
		secret:       append([]byte(nil), opts.Secret...),
		codec:        codec,
		fingerprints: fingerprints,
		store:        store,
		engine:       NewEngine(store, policy, clk, fingerprints, logger),
		cache:        NewVerificationCache(window, clk),
		clock:        clk,
		logger:       logger,
		metrics:      metrics,
		envelopePath: opts.EnvelopePath,
	}

	m.logInfo(context.Background(), "manager_created", "License manager initialized",
		slog.String("state_path", opts.StatePath),
		slog.String("envelope_path", opts.EnvelopePath),
		slog.Duration("cache_window", window),
		slog.Any("upgrade_tiers", policy.UpgradeTiers),
	)
	return m, nil
}

// EncodeLicense seals a record into armored envelope text.
func (m *Manager) EncodeLicense(ctx context.Context, record domain.LicenseRecord) (string, error) {
	start := time.Now()
	text, err := m.codec.Encode(record, m.secret)
	m.logOperation(ctx, "encode_license", start, err)
	if err != nil {
		return "", newVerificationError("encode", err)
	}
	m.recordCounter(ctx, func(lm *LicenseMetrics) metric.Int64Counter { return lm.EnvelopesEncoded })
	return text, nil
}

// DecodeAndVerify decodes envelope text, checks machine binding and
// reconciles the record against the activation state. Within the cache
// window the previous successful result is returned for any input.
//
// On failure the returned result is non-nil and describes the failure for
// status reporting; the error is a *VerificationError.
func (m *Manager) DecodeAndVerify(ctx context.Context, envelopeText string) (*domain.VerificationResult, error) {
	outcome, err := m.traceVerification(ctx, "decode_and_verify", func(ctx context.Context) (*VerificationOutcome, error) {
		result, cached, err := m.cache.GetOrCompute(ctx, FlightKey(envelopeText), func(ctx context.Context) (*domain.VerificationResult, error) {
			return m.verify(ctx, envelopeText)
		})
		return &VerificationOutcome{Result: result, Cached: cached}, err
	})

	if err != nil {
		verr := newVerificationError("verify", err)
		result := outcome.Result
		if result == nil {
			result = m.failureResult(verr)
		}
		m.logResultAction(ctx, slog.LevelWarn, "verify", "License verification failed", result,
			slog.String("error", verr.Error()),
			slog.String("error_kind", string(verr.Kind)),
		)
		return result, verr
	}

	if outcome.Cached {
		m.logResultAction(ctx, slog.LevelDebug, "verify", "License verification served from cache", outcome.Result)
	} else {
		m.logResultAction(ctx, slog.LevelInfo, "verify", "License verified", outcome.Result)
	}
	return outcome.Result, nil
}

// verify runs the uncached path: decode, bind, normalize, reconcile.
func (m *Manager) verify(ctx context.Context, envelopeText string) (*domain.VerificationResult, error) {
	record, err := m.codec.Decode(envelopeText, m.secret)
	if err != nil {
		return nil, newVerificationError("decode", err)
	}

	result, rec, err := m.engine.Apply(ctx, record)
	m.recordReconciliation(ctx, rec)
	if rec.StateHealed {
		m.recordCounter(ctx, func(lm *LicenseMetrics) metric.Int64Counter { return lm.StateHeals })
	}
	if err != nil {
		if result != nil {
			result.ErrorKind = string(Classify(err))
		}
		return result, err
	}
	return result, nil
}

// VerifyFile reads envelope text from path and verifies it. An empty path
// uses the configured envelope location.
func (m *Manager) VerifyFile(ctx context.Context, path string) (*domain.VerificationResult, error) {
	if path == "" {
		path = m.envelopePath
	}
	if path == "" {
		err := &VerificationError{Kind: ErrCodeNotFound, Op: "read", Err: ErrNotFound}
		return m.failureResult(err), err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			verr := &VerificationError{Kind: ErrCodeNotFound, Op: "read", Err: fmt.Errorf("%w: %s", ErrNotFound, path)}
			m.logWarn(ctx, "verify_file", "License file not found", slog.String("path", path))
			return m.failureResult(verr), verr
		}
		verr := &VerificationError{Kind: ErrCodeInternal, Op: "read", Err: err}
		m.logError(ctx, "verify_file", "License file unreadable",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return m.failureResult(verr), verr
	}
	return m.DecodeAndVerify(ctx, string(data))
}

// CurrentFingerprint returns this machine's fingerprint.
func (m *Manager) CurrentFingerprint() domain.MachineFingerprint {
	return m.fingerprints.GenerateFingerprint()
}

// InstallEnvelope writes envelope text to destination without validating
// it and invalidates the verification cache. An empty destination uses the
// configured envelope location.
func (m *Manager) InstallEnvelope(ctx context.Context, envelopeText, destination string) error {
	start := time.Now()
	if destination == "" {
		destination = m.envelopePath
	}
	if destination == "" {
		return errors.New("no license destination configured")
	}

	err := writeEnvelope(destination, envelopeText)
	m.logOperation(ctx, "install_envelope", start, err)
	if err != nil {
		return err
	}

	m.Invalidate()
	m.recordCounter(ctx, func(lm *LicenseMetrics) metric.Int64Counter { return lm.EnvelopesInstalled })
	m.logInfo(ctx, "install_envelope", "License envelope installed",
		slog.String("path", destination),
		slog.Int("size_bytes", len(envelopeText)),
	)
	return nil
}

func writeEnvelope(destination, text string) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o700); err != nil {
		return fmt.Errorf("failed to create license directory: %w", err)
	}
	if err := os.WriteFile(destination, []byte(text), 0o600); err != nil {
		return fmt.Errorf("failed to write license file: %w", err)
	}
	return nil
}

// Status reports the activation state without decoding an envelope or
// mutating anything.
func (m *Manager) Status(ctx context.Context) *domain.VerificationResult {
	result := m.engine.Snapshot(ctx)
	if cached, ok := m.cache.Get(); ok {
		result.Record = cached.Record
	}
	return result
}

// Invalidate drops any cached verification result.
func (m *Manager) Invalidate() {
	m.cache.Invalidate()
	m.recordCounter(context.Background(), func(lm *LicenseMetrics) metric.Int64Counter { return lm.CacheInvalidations })
	m.logDebug(context.Background(), "cache_invalidate", "Verification cache invalidated")
}

// CacheStats returns verification cache counters.
func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}

// StatePath returns the activation state file location.
func (m *Manager) StatePath() string {
	return m.store.Path()
}

// EnvelopePath returns the configured license location.
func (m *Manager) EnvelopePath() string {
	return m.envelopePath
}

// failureResult describes a failed verification for status reporting.
func (m *Manager) failureResult(err error) *domain.VerificationResult {
	kind := Classify(err)
	return &domain.VerificationResult{
		Success:          false,
		Status:           StatusForKind(kind),
		Message:          MessageForKind(kind),
		ErrorKind:        string(kind),
		ActivatedPlugins: []string{},
		CheckedAt:        m.clock.Now().UTC(),
	}
}
