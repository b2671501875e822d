package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultBackendKind, cfg.Backend.Kind)
	assert.Equal(t, DefaultLifecyclePollInterval, cfg.Lifecycle.PollInterval)
	assert.Equal(t, DefaultLifecycleMaxWait, cfg.Lifecycle.MaxWait)
	assert.Equal(t, DefaultSecurityMaxMemory, cfg.Security.MaxMemory)
	assert.Equal(t, DefaultSecurityMaxCPUs, cfg.Security.MaxCPUs)
	assert.Equal(t, DefaultSecurityAuditRetention, cfg.Security.AuditRetention)
	assert.Equal(t, DefaultBannedCommandSubstrings, cfg.Security.BannedCommandSubstrings)
	assert.Equal(t, DefaultCheckpointMarkerPrefix, cfg.Checkpoint.MarkerPrefix)
	assert.Equal(t, DefaultAgentCommand, cfg.Checkpoint.AgentCommand)
	assert.True(t, cfg.Checkpoint.RequireAgent)
	assert.False(t, cfg.Monitor.Enabled)
	assert.False(t, cfg.Security.AllowPrivileged)
	assert.Equal(t, filepath.Join(home, ".kura"), cfg.Store.StateDir)
	assert.Equal(t, []string{filepath.Join(home, ".kura", "volumes")}, cfg.Security.AllowedVolumePaths)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("KURA_LIFECYCLE__MAX_WAIT", "5s")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
backend:
  kind: incus
security:
  max_cpus: 2
  allowed_volume_paths:
    - ~/data
monitor:
  enabled: true
  auto_restart: true
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", path))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "incus", cfg.Backend.Kind)
	assert.Equal(t, 2.0, cfg.Security.MaxCPUs)
	assert.Equal(t, []string{filepath.Join(home, "data")}, cfg.Security.AllowedVolumePaths)
	assert.True(t, cfg.Monitor.Enabled)
	assert.True(t, cfg.Monitor.AutoRestart)
	assert.Equal(t, "5s", cfg.Lifecycle.MaxWait)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", filepath.Join(t.TempDir(), "missing.yaml")))

	_, err := Load(cmd)
	require.Error(t, err)
}

func TestDurationOrDefault(t *testing.T) {
	d, err := DurationOrDefault("", DefaultLifecyclePollInterval)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = DurationOrDefault("250ms", DefaultLifecyclePollInterval)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = DurationOrDefault("1500", DefaultLifecyclePollInterval)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	_, err = DurationOrDefault("soon", "")
	require.Error(t, err)

	_, err = DurationOrDefault("-5s", "")
	require.Error(t, err)
}

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"512m":    512 << 20,
		"2g":      2 << 30,
		"2GiB":    2 << 30,
		"1048576": 1 << 20,
		"1 GB":    1000 * 1000 * 1000,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSize("lots")
	require.Error(t, err)
	_, err = ParseSize("")
	require.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/vols/../vols/a")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "vols", "a"), got)

	got, err = ExpandPath("  ")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
