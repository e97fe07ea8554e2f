package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"os/user"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"licensekit/pkg/contracts/domain"
)

// Fallback values used when a host factor cannot be read.
const (
	unknownUser   = "unknown-user"
	unknownHost   = "unknown-host"
	unknownCPU    = "unknown-cpu"
	unknownMemory = "unknown-memory"

	shortFingerprintLen = 16
)

// HostFacts are the stable host characteristics a fingerprint is derived from.
type HostFacts struct {
	Platform    string `json:"platform"`
	Username    string `json:"username"`
	Hostname    string `json:"hostname"`
	Arch        string `json:"arch"`
	CPUModel    string `json:"cpu_model"`
	TotalMemory uint64 `json:"total_memory"`
}

// HostProbe reads host characteristics. Implementations must not fail; any
// factor they cannot read is left empty and replaced by a neutral fallback.
type HostProbe interface {
	Facts() HostFacts
}

// FingerprintManager derives machine fingerprints from a HostProbe.
type FingerprintManager struct {
	probe HostProbe
}

// NewFingerprintManager creates a fingerprint manager reading the real host.
func NewFingerprintManager() *FingerprintManager {
	return &FingerprintManager{probe: systemProbe{}}
}

// NewFingerprintManagerWithProbe creates a fingerprint manager with an
// injected probe.
func NewFingerprintManagerWithProbe(probe HostProbe) *FingerprintManager {
	if probe == nil {
		probe = systemProbe{}
	}
	return &FingerprintManager{probe: probe}
}

// GenerateFingerprint computes the fingerprint of the current host. It never
// fails and is deterministic for an unchanged host.
func (fm *FingerprintManager) GenerateFingerprint() domain.MachineFingerprint {
	return FingerprintFromFacts(fm.Components())
}

// Components returns the normalized factors used for the fingerprint.
func (fm *FingerprintManager) Components() HostFacts {
	return normalizeFacts(fm.probe.Facts())
}

// ValidateFingerprint compares the current host with a stored full hash.
func (fm *FingerprintManager) ValidateFingerprint(storedFingerprint string) bool {
	current := fm.GenerateFingerprint()
	matches := SecureCompare([]byte(current.Full), []byte(strings.ToLower(strings.TrimSpace(storedFingerprint))))

	slog.Debug("Device fingerprint validation",
		slog.String("stored", ShortFingerprint(storedFingerprint)),
		slog.String("current", current.Short),
		slog.Bool("matches", matches),
	)
	return matches
}

// FingerprintFromFacts hashes a set of host facts.
func FingerprintFromFacts(facts HostFacts) domain.MachineFingerprint {
	facts = normalizeFacts(facts)
	factors := []string{
		facts.Platform,
		facts.Username,
		facts.Hostname,
		facts.Arch,
		facts.CPUModel,
		memoryFactor(facts.TotalMemory),
	}

	hash := sha256.Sum256([]byte(strings.Join(factors, "|")))
	full := hex.EncodeToString(hash[:])

	return domain.MachineFingerprint{
		Short: ShortFingerprint(full),
		Full:  full,
	}
}

// ShortFingerprint renders the display form XXXX-XXXX-XXXX-XXXX of a full hash.
func ShortFingerprint(full string) string {
	s := strings.ToUpper(strings.TrimSpace(full))
	if len(s) > shortFingerprintLen {
		s = s[:shortFingerprintLen]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func normalizeFacts(f HostFacts) HostFacts {
	f.Platform = strings.ToLower(strings.TrimSpace(f.Platform))
	if f.Platform == "" {
		f.Platform = runtime.GOOS
	}
	f.Arch = strings.ToLower(strings.TrimSpace(f.Arch))
	if f.Arch == "" {
		f.Arch = runtime.GOARCH
	}
	f.Username = strings.TrimSpace(f.Username)
	if f.Username == "" {
		f.Username = unknownUser
	}
	f.Hostname = strings.ToLower(strings.TrimSpace(f.Hostname))
	if f.Hostname == "" {
		f.Hostname = unknownHost
	}
	f.CPUModel = strings.Join(strings.Fields(f.CPUModel), " ")
	if f.CPUModel == "" {
		f.CPUModel = unknownCPU
	}
	return f
}

// FallbackFactors lists the normalized factors that could not be read from
// the host.
func FallbackFactors(facts HostFacts) []string {
	var out []string
	if facts.Username == unknownUser {
		out = append(out, "username")
	}
	if facts.Hostname == unknownHost {
		out = append(out, "hostname")
	}
	if facts.CPUModel == unknownCPU {
		out = append(out, "cpu")
	}
	if facts.TotalMemory == 0 {
		out = append(out, "memory")
	}
	return out
}

func memoryFactor(total uint64) string {
	if total == 0 {
		return unknownMemory
	}
	return strconv.FormatUint(total, 10)
}

// systemProbe reads the real host.
type systemProbe struct{}

func (systemProbe) Facts() HostFacts {
	return HostFacts{
		Platform:    runtime.GOOS,
		Username:    currentUsername(),
		Hostname:    currentHostname(),
		Arch:        runtime.GOARCH,
		CPUModel:    cpuid.CPU.BrandName,
		TotalMemory: totalMemory(),
	}
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	for _, key := range []string{"USER", "USERNAME", "LOGNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	slog.Warn("Failed to resolve username, using fallback")
	return ""
}

func currentHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		slog.Warn("Failed to get hostname, using fallback",
			slog.String("error", err.Error()),
		)
		return ""
	}
	return hostname
}
