package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", dir)
	} else {
		t.Setenv("HOME", dir)
	}
	return dir
}

func TestGetConfigPath(t *testing.T) {
	home := setHome(t)

	t.Setenv(EnvConfig, "")
	got, err := GetConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".gotrace", "config"), got)

	t.Setenv(EnvConfig, "/etc/gotrace.conf")
	got, err = GetConfigPath()
	require.NoError(t, err)
	assert.Equal(t, "/etc/gotrace.conf", got)
}

func TestLoadFromHomeConfig(t *testing.T) {
	home := setHome(t)
	t.Setenv(EnvConfig, "")
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".gotrace"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".gotrace", "config"), []byte("[demo]\nport 9100\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	v, ok := cfg.GetProgramOption("demo", KeyPort)
	assert.True(t, ok)
	assert.Equal(t, "9100", v)
}

func TestLoadMissingHomeConfig(t *testing.T) {
	setHome(t)
	t.Setenv(EnvConfig, "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Global)
	assert.Empty(t, cfg.Programs)
	assert.False(t, cfg.HasWarnings())
}
