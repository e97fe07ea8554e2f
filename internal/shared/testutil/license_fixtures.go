package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"licensekit/internal/security"
	"licensekit/pkg/contracts/domain"
)

// TestSecret is the application secret used across license tests.
var TestSecret = []byte("licensekit-test-secret-2025")

// FixedProbe reports fixed host facts.
type FixedProbe security.HostFacts

// Facts implements security.HostProbe.
func (p FixedProbe) Facts() security.HostFacts { return security.HostFacts(p) }

// LicenseTestFixtures provides test data and utilities for license testing
type LicenseTestFixtures struct {
	TestDataDir string
	Now         time.Time
}

// NewLicenseTestFixtures creates fixtures rooted in a temporary directory.
func NewLicenseTestFixtures(t *testing.T) *LicenseTestFixtures {
	t.Helper()
	return &LicenseTestFixtures{
		TestDataDir: t.TempDir(),
		Now:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// StatePath is the activation state location inside the fixture directory.
func (f *LicenseTestFixtures) StatePath() string {
	return filepath.Join(f.TestDataDir, "state", "activation.json")
}

// EnvelopePath is the installed license location inside the fixture directory.
func (f *LicenseTestFixtures) EnvelopePath() string {
	return filepath.Join(f.TestDataDir, "license", "license.lic")
}

// HostFacts returns the facts of the simulated local machine.
func (f *LicenseTestFixtures) HostFacts() security.HostFacts {
	return security.HostFacts{
		Platform:    "linux",
		Username:    "analyst",
		Hostname:    "desk-07",
		Arch:        "amd64",
		CPUModel:    "AMD Ryzen 7 5800X 8-Core Processor",
		TotalMemory: 34359738368,
	}
}

// LocalProbe simulates the local machine.
func (f *LicenseTestFixtures) LocalProbe() FixedProbe {
	return FixedProbe(f.HostFacts())
}

// LocalFingerprint is the fingerprint of the simulated local machine.
func (f *LicenseTestFixtures) LocalFingerprint() domain.MachineFingerprint {
	return security.FingerprintFromFacts(f.HostFacts())
}

// OtherFingerprint is the fingerprint of a different machine.
func (f *LicenseTestFixtures) OtherFingerprint() domain.MachineFingerprint {
	facts := f.HostFacts()
	facts.Hostname = "laptop-02"
	return security.FingerprintFromFacts(facts)
}

// Record returns an unbound current-schema record.
func (f *LicenseTestFixtures) Record(pluginID string, durationDays int) domain.LicenseRecord {
	return domain.LicenseRecord{
		LicenseID:     fmt.Sprintf("lic-%s-%d", pluginID, durationDays),
		PluginID:      pluginID,
		Type:          domain.CurrentSchemaType,
		Fingerprint:   domain.UnboundFingerprint,
		GeneratedAt:   f.Now.Add(-time.Hour),
		DurationDays:  durationDays,
		Features:      []string{"reports"},
		Issuer:        "licensekit-test",
		SchemaVersion: domain.CurrentSchemaVersion,
	}
}

// BoundRecord returns a record bound to fingerprint.
func (f *LicenseTestFixtures) BoundRecord(pluginID string, durationDays int, fingerprint string) domain.LicenseRecord {
	r := f.Record(pluginID, durationDays)
	r.Fingerprint = fingerprint
	return r
}

// LegacyRecord returns a pre-plugin record with a legacy type tag.
func (f *LicenseTestFixtures) LegacyRecord(legacyType string, durationDays int) domain.LicenseRecord {
	return domain.LicenseRecord{
		LicenseID:    "legacy-" + legacyType,
		Type:         legacyType,
		GeneratedAt:  f.Now.Add(-24 * time.Hour),
		DurationDays: durationDays,
	}
}

// ActiveState returns a state whose tier was activated elapsed ago.
func (f *LicenseTestFixtures) ActiveState(tier int, elapsed time.Duration, plugins ...string) domain.ActivationState {
	activated := f.Now.Add(-elapsed)
	if plugins == nil {
		plugins = []string{}
	}
	return domain.ActivationState{
		ActiveTier:         tier,
		TierActivationDate: &activated,
		ActivatedPlugins:   plugins,
	}
}

// WriteState persists state to path as the store would.
func (f *LicenseTestFixtures) WriteState(t *testing.T, path string, state domain.ActivationState) {
	t.Helper()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal state: %v", err)
	}
	f.WriteFile(t, path, data)
}

// ReadState loads state from path.
func (f *LicenseTestFixtures) ReadState(t *testing.T, path string) domain.ActivationState {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read state: %v", err)
	}
	var state domain.ActivationState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("failed to parse state: %v", err)
	}
	return state
}

// WriteFile writes raw bytes, creating parent directories.
func (f *LicenseTestFixtures) WriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// CorruptStateContents returns corrupted state file bodies by name.
func (f *LicenseTestFixtures) CorruptStateContents() map[string][]byte {
	return map[string][]byte{
		"empty":            {},
		"invalid_json":     []byte("{invalid json content}"),
		"partial_json":     []byte(`{"activeTier": 90, "tierActiv`),
		"wrong_types":      []byte(`{"activeTier": "ninety", "activatedPlugins": "p1"}`),
		"negative_tier":    []byte(`{"activeTier": -30, "tierActivationDate": null, "activatedPlugins": []}`),
		"tier_without_day": []byte(`{"activeTier": 90, "tierActivationDate": null, "activatedPlugins": ["p1"]}`),
		"null_bytes":       []byte("{\x00\"activeTier\x00\": 1}"),
	}
}
