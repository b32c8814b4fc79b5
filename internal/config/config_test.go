package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrDefault_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 19876, cfg.Discovery.Port)
	assert.True(t, cfg.Notify.Enabled)
}

func TestLoad_PartialFileOverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("discovery:\n  port: 9999\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Discovery.Port)
	assert.Equal(t, 120*time.Second, cfg.Discovery.InstanceStaleAfter, "unspecified fields keep their default")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("OC_SESSION_PORT", "2222")
	t.Setenv("OC_SESSION_TIMEOUT", "60")
	t.Setenv("OC_SESSION_LONG_RUNNING", "5")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	assert.Equal(t, 2222, cfg.Discovery.Port)
	assert.Equal(t, 60*time.Second, cfg.Discovery.InstanceStaleAfter)
	assert.Equal(t, 120*time.Second, cfg.Discovery.ServerStaleAfter)
	assert.Equal(t, 5*time.Minute, cfg.View.LongRunningAfter)
}

func TestApplyEnvOverrides_InvalidValuesIgnored(t *testing.T) {
	t.Setenv("OC_SESSION_PORT", "not-a-number")
	cfg := defaultConfig()
	want := cfg.Discovery.Port
	applyEnvOverrides(cfg)
	assert.Equal(t, want, cfg.Discovery.Port)
}

func TestDiff_NoChanges(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	assert.Empty(t, Diff(a, b))
}

func TestDiff_ReportsEachChangedField(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	b.Notify.Enabled = !a.Notify.Enabled
	b.Discovery.Port = a.Discovery.Port + 1
	b.Privacy.BlockedPaths = []string{"/secret"}

	changes := Diff(a, b)
	assert.Len(t, changes, 3)
}

func TestPrivacyConfig_NewPrivacyFilter(t *testing.T) {
	p := PrivacyConfig{MaskPIDs: true, AllowedPaths: []string{"/a"}}
	f := p.NewPrivacyFilter()
	assert.True(t, f.MaskPIDs)
	assert.Equal(t, []string{"/a"}, f.AllowedPaths)
}
