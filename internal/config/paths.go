package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// HomeEnv overrides the per-user base directory.
const HomeEnv = EnvPrefix + "_HOME"

// Paths contains the default on-disk locations used when the configuration
// leaves a license path unset.
type Paths struct {
	BaseDir     string
	LicenseFile string
	StateFile   string
	LogsDir     string
}

// GetPaths resolves the default locations under the per-user configuration
// directory, or under $LICENSEKIT_HOME when set.
func GetPaths() (*Paths, error) {
	if home := os.Getenv(HomeEnv); home != "" {
		return PathsFromBase(home)
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return PathsFromBase(filepath.Join(dir, AppName))
}

// PathsFromBase lays out the default locations under base.
func PathsFromBase(base string) (*Paths, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", base, err)
	}
	return &Paths{
		BaseDir:     abs,
		LicenseFile: filepath.Join(abs, LicenseFileName),
		StateFile:   filepath.Join(abs, "state", StateFileName),
		LogsDir:     filepath.Join(abs, "logs"),
	}, nil
}

// EnsureDirectories creates every directory the layout needs.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.BaseDir, filepath.Dir(p.StateFile), p.LogsDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
