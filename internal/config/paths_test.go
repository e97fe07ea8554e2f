package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPathsHonorsHomeOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)

	paths, err := GetPaths()
	require.NoError(t, err)
	assert.Equal(t, home, paths.BaseDir)
	assert.Equal(t, filepath.Join(home, "license.lic"), paths.LicenseFile)
	assert.Equal(t, filepath.Join(home, "state", "activation.json"), paths.StateFile)
	assert.Equal(t, filepath.Join(home, "logs"), paths.LogsDir)
}

func TestPathsFromBaseIsAbsolute(t *testing.T) {
	paths, err := PathsFromBase("relative-dir")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(paths.BaseDir))
	assert.True(t, filepath.IsAbs(paths.StateFile))
}

func TestEnsureDirectories(t *testing.T) {
	paths, err := PathsFromBase(filepath.Join(t.TempDir(), "nested", "home"))
	require.NoError(t, err)

	require.NoError(t, paths.EnsureDirectories())
	for _, dir := range []string{paths.BaseDir, filepath.Dir(paths.StateFile), paths.LogsDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.False(t, FileExists(paths.LicenseFile))
	assert.True(t, FileExists(paths.BaseDir))
}
