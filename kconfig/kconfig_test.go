package kconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"limits"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.EqualValues(t, limits.Default().Sysprocs, cfg.Limits.Sysprocs)
	require.Equal(t, "info", cfg.LogLevel())
	require.Equal(t, 64*1024, cfg.LogRingSize())
}

func TestLoadOverridesOnlyGivenKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[limits]
sysprocs = 16

[log]
level = "debug"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 16, cfg.Limits.Sysprocs)
	require.Equal(t, "debug", cfg.LogLevel())
	// Untouched keys keep their built-in defaults.
	require.EqualValues(t, limits.Default().Threads, cfg.Limits.Threads)
	require.Equal(t, 64*1024, cfg.LogRingSize())
}

func TestApplyLimitsInstallsParsedValues(t *testing.T) {
	orig := limits.Syslimit
	defer func() { limits.Syslimit = orig }()

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Limits.Ports = 99
	cfg.ApplyLimits()

	require.EqualValues(t, 99, limits.Syslimit.Ports)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/boot.toml")
	require.Error(t, err)
}
