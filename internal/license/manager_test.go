package license

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"licensekit/internal/clock"
	"licensekit/internal/security"
	"licensekit/internal/shared/testutil"
	"licensekit/pkg/contracts/domain"
)

func TestNewManager(t *testing.T) {
	fx := testutil.NewLicenseTestFixtures(t)

	t.Run("requires a secret", func(t *testing.T) {
		_, err := NewManager(Options{StatePath: fx.StatePath()})
		assert.Error(t, err)
	})

	t.Run("requires a state path", func(t *testing.T) {
		_, err := NewManager(Options{Secret: testutil.TestSecret})
		assert.Error(t, err)
	})

	t.Run("rejects weak encryption settings", func(t *testing.T) {
		cfg := security.DefaultEncryptionConfig()
		cfg.KDFIterations = 1000
		_, err := NewManager(Options{Secret: testutil.TestSecret, StatePath: fx.StatePath(), Encryption: cfg})
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		m, err := NewManager(Options{Secret: testutil.TestSecret, StatePath: fx.StatePath()})
		require.NoError(t, err)
		assert.Equal(t, fx.StatePath(), m.StatePath())
		assert.Equal(t, DefaultCacheWindow, m.CacheStats().Window)
		assert.Len(t, m.CurrentFingerprint().Full, 64)
	})

	t.Run("disable cache", func(t *testing.T) {
		m, err := NewManager(Options{Secret: testutil.TestSecret, StatePath: fx.StatePath(), DisableCache: true})
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), m.CacheStats().Window)
	})
}

// =============================================================================
// Manager suite
// =============================================================================

type ManagerTestSuite struct {
	suite.Suite
	fx      *testutil.LicenseTestFixtures
	clock   *clock.FakeClock
	logs    *testutil.BufferedSlogHandler
	reader  *sdkmetric.ManualReader
	manager *Manager
	ctx     context.Context
}

func (s *ManagerTestSuite) SetupTest() {
	s.fx = testutil.NewLicenseTestFixtures(s.T())
	s.clock = clock.Fake(s.fx.Now)
	s.ctx = context.Background()
	s.manager, s.logs, s.reader = s.newManager(false)
}

func (s *ManagerTestSuite) TearDownTest() {
	s.NoError(s.manager.Close())
}

func (s *ManagerTestSuite) newManager(disableCache bool) (*Manager, *testutil.BufferedSlogHandler, *sdkmetric.ManualReader) {
	logger, logs := testutil.NewTestLogger(s.T())
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewManager(Options{
		Secret:       testutil.TestSecret,
		StatePath:    s.fx.StatePath(),
		EnvelopePath: s.fx.EnvelopePath(),
		DisableCache: disableCache,
		Clock:        s.clock,
		HostProbe:    s.fx.LocalProbe(),
		Logger:       logger,
		Meter:        provider.Meter(MeterName),
	})
	s.Require().NoError(err)
	return m, logs, reader
}

func (s *ManagerTestSuite) encode(record domain.LicenseRecord) string {
	text, err := s.manager.EncodeLicense(s.ctx, record)
	s.Require().NoError(err)
	return text
}

func (s *ManagerTestSuite) counter(name string) int64 {
	var rm metricdata.ResourceMetrics
	s.Require().NoError(s.reader.Collect(s.ctx, &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func (s *ManagerTestSuite) TestEncodeThenVerify() {
	text := s.encode(s.fx.Record("p1", 90))
	s.Contains(text, "-----BEGIN LICENSE-----")

	result, err := s.manager.DecodeAndVerify(s.ctx, text)
	s.Require().NoError(err)
	s.True(result.Success)
	s.Equal(domain.LicenseStatusActive, result.Status)
	s.Equal(90, result.CurrentTier)
	s.Equal(90, result.DaysRemaining)
	s.Equal([]string{"p1"}, result.ActivatedPlugins)
	s.Equal("p1", result.Record.PluginID)
	s.True(result.ExpiresAt.Equal(s.fx.Now.AddDate(0, 0, 90)))

	state := s.fx.ReadState(s.T(), s.fx.StatePath())
	s.Equal(90, state.ActiveTier)

	s.Equal(int64(1), s.counter("license_verification_attempts_total"))
	s.Equal(int64(1), s.counter("license_verification_success_total"))
	s.Equal(int64(1), s.counter("license_envelopes_encoded_total"))
	s.Equal(int64(1), s.counter("license_tier_transitions_total"))
}

func (s *ManagerTestSuite) TestSecondProductJoinsActiveTier() {
	_, err := s.manager.DecodeAndVerify(s.ctx, s.encode(s.fx.Record("p1", 60)))
	s.Require().NoError(err)

	s.clock.Advance(10 * day)
	s.manager.Invalidate()

	result, err := s.manager.DecodeAndVerify(s.ctx, s.encode(s.fx.Record("p2", 30)))
	s.Require().NoError(err)
	s.Equal(60, result.CurrentTier)
	s.Equal(50, result.DaysRemaining)
	s.Equal([]string{"p1", "p2"}, result.ActivatedPlugins)
}

func (s *ManagerTestSuite) TestCacheServesAnyInputInsideWindow() {
	text := s.encode(s.fx.Record("p1", 30))
	first, err := s.manager.DecodeAndVerify(s.ctx, text)
	s.Require().NoError(err)

	// The slot is not keyed by input.
	second, err := s.manager.DecodeAndVerify(s.ctx, "not an envelope")
	s.Require().NoError(err)
	s.Equal(first.CurrentTier, second.CurrentTier)
	s.Equal(int64(1), s.counter("license_cache_hits_total"))

	s.clock.Advance(DefaultCacheWindow)
	_, err = s.manager.DecodeAndVerify(s.ctx, "not an envelope")
	s.Require().Error(err)
	s.Equal(ErrCodeInvalidFormat, Classify(err))
}

func (s *ManagerTestSuite) TestFailuresAreReportedAndNotCached() {
	m, _, _ := s.newManager(false)

	result, err := m.DecodeAndVerify(s.ctx, "garbage")
	s.Require().Error(err)
	s.Require().NotNil(result)
	s.False(result.Success)
	s.Equal(domain.LicenseStatusInvalidFormat, result.Status)
	s.Equal(string(ErrCodeInvalidFormat), result.ErrorKind)
	s.NotEmpty(result.Message)

	var verr *VerificationError
	s.Require().ErrorAs(err, &verr)
	s.Equal(ErrCodeInvalidFormat, verr.Kind)
	s.False(m.CacheStats().Populated)

	// A valid envelope right after a failure is verified for real.
	text := s.encode(s.fx.Record("p1", 7))
	ok, err := m.DecodeAndVerify(s.ctx, text)
	s.Require().NoError(err)
	s.Equal(domain.LicenseStatusExpiringSoon, ok.Status)
}

func (s *ManagerTestSuite) TestRepeatedFeatureTagsAreAccepted() {
	record := s.fx.Record("p1", 90)
	record.Features = []string{"export", "export"}

	result, err := s.manager.DecodeAndVerify(s.ctx, s.encode(record))
	s.Require().NoError(err)
	s.True(result.Success)
	s.Equal([]string{"export"}, result.Record.Features)
	s.Equal(90, result.CurrentTier)
}

func (s *ManagerTestSuite) TestTamperedEnvelope() {
	text := s.encode(s.fx.Record("p1", 30))
	env, err := security.Dearmor(text)
	s.Require().NoError(err)
	env.Ciphertext[0] ^= 0xff
	tampered, err := security.Armor(env)
	s.Require().NoError(err)

	result, err := s.manager.DecodeAndVerify(s.ctx, tampered)
	s.Require().Error(err)
	s.ErrorIs(err, ErrIntegrity)
	s.Equal(domain.LicenseStatusTampered, result.Status)
	s.NoFileExists(s.fx.StatePath())
}

func (s *ManagerTestSuite) TestWrongSecret() {
	other, err := NewManager(Options{
		Secret:    []byte("a different application"),
		StatePath: s.fx.StatePath(),
		Clock:     s.clock,
		HostProbe: s.fx.LocalProbe(),
	})
	s.Require().NoError(err)
	text, err := other.EncodeLicense(s.ctx, s.fx.Record("p1", 30))
	s.Require().NoError(err)

	result, err := s.manager.DecodeAndVerify(s.ctx, text)
	s.Require().Error(err)
	s.Equal(ErrCodeDecryption, Classify(err))
	s.Equal(domain.LicenseStatusDecryptionFailed, result.Status)
}

func (s *ManagerTestSuite) TestMachineMismatch() {
	s.fx.WriteState(s.T(), s.fx.StatePath(), s.fx.ActiveState(30, day, "p1"))
	before, err := os.ReadFile(s.fx.StatePath())
	s.Require().NoError(err)

	text := s.encode(s.fx.BoundRecord("p2", 90, s.fx.OtherFingerprint().Full))
	result, err := s.manager.DecodeAndVerify(s.ctx, text)
	s.Require().Error(err)
	s.Equal(ErrCodeMachineMismatch, Classify(err))
	s.Equal(domain.LicenseStatusMachineMismatch, result.Status)

	after, err := os.ReadFile(s.fx.StatePath())
	s.Require().NoError(err)
	s.Equal(before, after)
	s.Equal(int64(1), s.counter("license_verification_failures_total"))
}

func (s *ManagerTestSuite) TestVerifyFile() {
	s.Run("missing file", func() {
		result, err := s.manager.VerifyFile(s.ctx, "")
		s.Require().Error(err)
		s.ErrorIs(err, ErrNotFound)
		s.Equal(domain.LicenseStatusNotActivated, result.Status)
	})

	s.Run("installed file", func() {
		text := s.encode(s.fx.Record("p1", 30))
		s.Require().NoError(s.manager.InstallEnvelope(s.ctx, text, ""))

		info, err := os.Stat(s.fx.EnvelopePath())
		s.Require().NoError(err)
		if os.PathSeparator == '/' {
			s.Equal(os.FileMode(0o600), info.Mode().Perm())
		}

		result, err := s.manager.VerifyFile(s.ctx, "")
		s.Require().NoError(err)
		s.Equal(30, result.CurrentTier)
	})
}

func (s *ManagerTestSuite) TestInstallEnvelopeInvalidatesCache() {
	_, err := s.manager.DecodeAndVerify(s.ctx, s.encode(s.fx.Record("p1", 30)))
	s.Require().NoError(err)
	s.True(s.manager.CacheStats().Populated)

	// Installation does not validate its input.
	s.Require().NoError(s.manager.InstallEnvelope(s.ctx, "anything", ""))
	s.False(s.manager.CacheStats().Populated)
	s.Equal(int64(1), s.counter("license_envelopes_installed_total"))

	result, err := s.manager.VerifyFile(s.ctx, "")
	s.Require().Error(err)
	s.Equal(domain.LicenseStatusInvalidFormat, result.Status)
}

func (s *ManagerTestSuite) TestStatus() {
	status := s.manager.Status(s.ctx)
	s.Equal(domain.LicenseStatusNotActivated, status.Status)
	s.NoFileExists(s.fx.StatePath())

	_, err := s.manager.DecodeAndVerify(s.ctx, s.encode(s.fx.Record("p1", 90)))
	s.Require().NoError(err)

	status = s.manager.Status(s.ctx)
	s.True(status.Success)
	s.Equal(90, status.CurrentTier)
	s.Equal("p1", status.Record.PluginID)

	s.clock.Advance(91 * day)
	status = s.manager.Status(s.ctx)
	s.False(status.Success)
	s.Equal(domain.LicenseStatusExpired, status.Status)
}

func (s *ManagerTestSuite) TestExpiredTierIsReplaced() {
	s.fx.WriteState(s.T(), s.fx.StatePath(), s.fx.ActiveState(90, 100*day, "p1"))

	result, err := s.manager.DecodeAndVerify(s.ctx, s.encode(s.fx.Record("p2", 30)))
	s.Require().NoError(err)
	s.Equal(30, result.CurrentTier)
	s.Equal(30, result.DaysRemaining)
	s.Equal([]string{"p1", "p2"}, result.ActivatedPlugins)
}

func (s *ManagerTestSuite) TestDisabledCacheRunsFullPathEveryTime() {
	m, _, _ := s.newManager(true)
	text := s.encode(s.fx.Record("p1", 30))

	_, err := m.DecodeAndVerify(s.ctx, text)
	s.Require().NoError(err)

	_, err = m.DecodeAndVerify(s.ctx, "garbage")
	s.Require().Error(err)
	s.Equal(ErrCodeInvalidFormat, Classify(err))
}

func (s *ManagerTestSuite) TestConcurrentVerification() {
	text := s.encode(s.fx.Record("p1", 60))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := s.manager.DecodeAndVerify(s.ctx, text)
			assert.NoError(s.T(), err)
			if result != nil {
				assert.Equal(s.T(), 60, result.CurrentTier)
			}
		}()
	}
	wg.Wait()

	state := s.fx.ReadState(s.T(), s.fx.StatePath())
	s.Equal([]string{"p1"}, state.ActivatedPlugins)
}

func (s *ManagerTestSuite) TestConcurrentDifferentEnvelopesVerifyIndependently() {
	foreign := s.encode(s.fx.BoundRecord("p-foreign", 90, s.fx.OtherFingerprint().Full))
	valid := s.encode(s.fx.Record("p-good", 60))

	for round := 0; round < 5; round++ {
		s.manager.Invalidate()

		var wg sync.WaitGroup
		var foreignErr, validErr error
		var validResult *domain.VerificationResult
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, foreignErr = s.manager.DecodeAndVerify(s.ctx, foreign)
		}()
		go func() {
			defer wg.Done()
			validResult, validErr = s.manager.DecodeAndVerify(s.ctx, valid)
		}()
		wg.Wait()

		s.Require().NoError(validErr, "round %d", round)
		s.Contains(validResult.ActivatedPlugins, "p-good")
		if foreignErr != nil {
			s.Equal(ErrCodeMachineMismatch, Classify(foreignErr))
		}
	}

	state := s.fx.ReadState(s.T(), s.fx.StatePath())
	s.Equal([]string{"p-good"}, state.ActivatedPlugins)
}

func (s *ManagerTestSuite) TestWatchInvalidatesOnFileChange() {
	_, err := s.manager.DecodeAndVerify(s.ctx, s.encode(s.fx.Record("p1", 30)))
	s.Require().NoError(err)
	s.Require().True(s.manager.CacheStats().Populated)

	s.Require().NoError(s.manager.Watch(""))
	s.fx.WriteFile(s.T(), s.fx.EnvelopePath(), []byte("replaced by hand"))

	s.Eventually(func() bool {
		return !s.manager.CacheStats().Populated
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *ManagerTestSuite) TestLogsDoNotLeakFingerprints() {
	_, err := s.manager.DecodeAndVerify(s.ctx, s.encode(s.fx.BoundRecord("p1", 30, s.fx.OtherFingerprint().Full)))
	s.Require().Error(err)

	full := s.fx.OtherFingerprint().Full
	for _, rec := range s.logs.GetRecords() {
		s.NotContains(rec.Message, full)
		for _, v := range rec.Attrs {
			if str, ok := v.(string); ok {
				s.NotEqual(full, str)
			}
		}
	}
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
