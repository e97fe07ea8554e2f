package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensekit/internal/app"
	"licensekit/internal/clock"
	"licensekit/internal/config"
	"licensekit/internal/license"
	"licensekit/internal/shared/testutil"
	"licensekit/pkg/contracts/domain"
)

func setup(t *testing.T) (*config.Config, *testutil.LicenseTestFixtures, []app.Option) {
	t.Helper()
	f := testutil.NewLicenseTestFixtures(t)
	cfg := config.Default()
	cfg.License.Secret = string(testutil.TestSecret)
	cfg.License.StatePath = f.StatePath()
	cfg.License.EnvelopePath = f.EnvelopePath()
	cfg.License.DisableWatch = true

	logger, _ := testutil.NewTestLogger(t)
	opts := []app.Option{
		app.WithLogger(logger),
		app.WithHostProbe(f.LocalProbe()),
		app.WithClock(clock.Fake(f.Now)),
	}
	return cfg, f, opts
}

func decode(t *testing.T, out *bytes.Buffer) domain.LicenseStatusResponse {
	t.Helper()
	var status domain.LicenseStatusResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &status))
	return status
}

func TestRunWithoutLicense(t *testing.T) {
	cfg, _, opts := setup(t)
	var out bytes.Buffer

	code := run(context.Background(), cfg, &out, opts...)
	assert.Equal(t, 1, code)

	status := decode(t, &out)
	assert.False(t, status.Licensed)
	assert.Equal(t, domain.LicenseStatusNotActivated, status.Status)
}

func TestRunWithValidLicense(t *testing.T) {
	cfg, f, opts := setup(t)

	encoder, err := license.NewManager(license.Options{
		Secret:    testutil.TestSecret,
		StatePath: f.StatePath() + ".issuer",
		HostProbe: f.LocalProbe(),
	})
	require.NoError(t, err)
	text, err := encoder.EncodeLicense(context.Background(), f.Record("p1", 30))
	require.NoError(t, err)
	f.WriteFile(t, f.EnvelopePath(), []byte(text))

	var out bytes.Buffer
	code := run(context.Background(), cfg, &out, opts...)
	assert.Equal(t, 0, code)

	status := decode(t, &out)
	assert.True(t, status.Licensed)
	assert.Equal(t, "monthly", status.LicenseType)
}

func TestRunWithTamperedLicense(t *testing.T) {
	cfg, f, opts := setup(t)
	f.WriteFile(t, f.EnvelopePath(), []byte("not a license"))

	var out bytes.Buffer
	code := run(context.Background(), cfg, &out, opts...)
	assert.Equal(t, 1, code)
	assert.Equal(t, "INVALID_FORMAT", decode(t, &out).ErrorCode)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg, _, opts := setup(t)
	cfg.License.StatePath = ""

	var out bytes.Buffer
	assert.Equal(t, 2, run(context.Background(), cfg, &out, opts...))
	assert.Zero(t, out.Len())
}
