// Package config loads and reloads the monitor's YAML configuration,
// adapted from the teacher's XDG-aware loader with a runtime Diff for
// reload reporting (spec §6 environment variables, SPEC_FULL.md
// Configuration).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/ocfleet/monitor/internal/fleet"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Discovery DiscoveryConfig `yaml:"discovery"`
	Notify    NotifyConfig    `yaml:"notify"`
	Privacy   PrivacyConfig   `yaml:"privacy"`
	View      ViewConfig      `yaml:"view"`
	Debug     DebugConfig     `yaml:"debug"`
}

// DiscoveryConfig controls the UDP listener and staleness horizons (spec
// §4.1, §4.2, §6).
type DiscoveryConfig struct {
	Port               int           `yaml:"port"`
	InstanceStaleAfter time.Duration `yaml:"instance_stale_after"`
	ServerStaleAfter   time.Duration `yaml:"server_stale_after"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
}

// NotifyConfig controls the Notifier (C6, spec §4.6).
type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PrivacyConfig mirrors the teacher's privacy section, generalized to
// this domain (no tmux concept here).
type PrivacyConfig struct {
	MaskWorkingDirs bool     `yaml:"mask_working_dirs"`
	MaskSessionIDs  bool     `yaml:"mask_session_ids"`
	MaskPIDs        bool     `yaml:"mask_pids"`
	AllowedPaths    []string `yaml:"allowed_paths"`
	BlockedPaths    []string `yaml:"blocked_paths"`
}

func (p PrivacyConfig) NewPrivacyFilter() *fleet.PrivacyFilter {
	return &fleet.PrivacyFilter{
		MaskWorkingDirs: p.MaskWorkingDirs,
		MaskSessionIDs:  p.MaskSessionIDs,
		MaskPIDs:        p.MaskPIDs,
		AllowedPaths:    p.AllowedPaths,
		BlockedPaths:    p.BlockedPaths,
	}
}

// ViewConfig controls presenter-facing thresholds (spec §6
// OC_SESSION_LONG_RUNNING).
type ViewConfig struct {
	LongRunningAfter time.Duration `yaml:"long_running_after"`
}

// DebugConfig controls the local introspection server and the daemon's
// PID and log file paths.
type DebugConfig struct {
	IntrospectEnabled bool   `yaml:"introspect_enabled"`
	IntrospectAddr    string `yaml:"introspect_addr"`
	PIDFile           string `yaml:"pid_file"`
	LogFile           string `yaml:"log_file"`
}

func defaultConfig() *Config {
	return &Config{
		Discovery: DiscoveryConfig{
			Port:               19876,
			InstanceStaleAfter: 120 * time.Second,
			ServerStaleAfter:   180 * time.Second,
			SweepInterval:      30 * time.Second,
			RefreshInterval:    30 * time.Second,
		},
		Notify: NotifyConfig{Enabled: true},
		View:   ViewConfig{LongRunningAfter: 10 * time.Minute},
		Debug: DebugConfig{
			IntrospectEnabled: false,
			IntrospectAddr:    "127.0.0.1:19877",
			PIDFile:           filepath.Join(defaultStateDir(), "ocfleetmon", "daemon.pid"),
			LogFile:           filepath.Join(defaultStateDir(), "ocfleetmon", "daemon.log"),
		},
	}
}

// Load reads and parses the YAML config at path, starting from defaults so
// an incomplete file only overrides what it specifies.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns defaults if the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	return Load(path)
}

// applyEnvOverrides implements spec §6's environment variables, which take
// precedence over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OC_SESSION_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Discovery.Port = n
		}
	}
	if v := os.Getenv("OC_SESSION_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Discovery.InstanceStaleAfter = time.Duration(n) * time.Second
			cfg.Discovery.ServerStaleAfter = time.Duration(n+60) * time.Second
		}
	}
	if v := os.Getenv("OC_SESSION_LONG_RUNNING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.View.LongRunningAfter = time.Duration(n) * time.Minute
		}
	}
}

func defaultStateDir() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state")
}

func defaultConfigDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "ocfleetmon", "config.yaml")
}

// Diff compares two configs and describes what changed, for the daemon's
// SIGHUP reload log line.
func Diff(old, next *Config) []string {
	var changes []string

	if old.Discovery.Port != next.Discovery.Port {
		changes = append(changes, fmt.Sprintf("discovery.port: %d -> %d (requires restart)", old.Discovery.Port, next.Discovery.Port))
	}
	if old.Discovery.InstanceStaleAfter != next.Discovery.InstanceStaleAfter {
		changes = append(changes, fmt.Sprintf("discovery.instance_stale_after: %s -> %s", old.Discovery.InstanceStaleAfter, next.Discovery.InstanceStaleAfter))
	}
	if old.Discovery.ServerStaleAfter != next.Discovery.ServerStaleAfter {
		changes = append(changes, fmt.Sprintf("discovery.server_stale_after: %s -> %s", old.Discovery.ServerStaleAfter, next.Discovery.ServerStaleAfter))
	}
	if old.Notify.Enabled != next.Notify.Enabled {
		changes = append(changes, fmt.Sprintf("notify.enabled: %v -> %v", old.Notify.Enabled, next.Notify.Enabled))
	}
	if old.Privacy.MaskWorkingDirs != next.Privacy.MaskWorkingDirs {
		changes = append(changes, fmt.Sprintf("privacy.mask_working_dirs: %v -> %v", old.Privacy.MaskWorkingDirs, next.Privacy.MaskWorkingDirs))
	}
	if old.Privacy.MaskSessionIDs != next.Privacy.MaskSessionIDs {
		changes = append(changes, fmt.Sprintf("privacy.mask_session_ids: %v -> %v", old.Privacy.MaskSessionIDs, next.Privacy.MaskSessionIDs))
	}
	if old.Privacy.MaskPIDs != next.Privacy.MaskPIDs {
		changes = append(changes, fmt.Sprintf("privacy.mask_pids: %v -> %v", old.Privacy.MaskPIDs, next.Privacy.MaskPIDs))
	}
	if !slices.Equal(old.Privacy.AllowedPaths, next.Privacy.AllowedPaths) {
		changes = append(changes, fmt.Sprintf("privacy.allowed_paths: %v -> %v", old.Privacy.AllowedPaths, next.Privacy.AllowedPaths))
	}
	if !slices.Equal(old.Privacy.BlockedPaths, next.Privacy.BlockedPaths) {
		changes = append(changes, fmt.Sprintf("privacy.blocked_paths: %v -> %v", old.Privacy.BlockedPaths, next.Privacy.BlockedPaths))
	}
	if old.View.LongRunningAfter != next.View.LongRunningAfter {
		changes = append(changes, fmt.Sprintf("view.long_running_after: %s -> %s", old.View.LongRunningAfter, next.View.LongRunningAfter))
	}
	if old.Debug.IntrospectEnabled != next.Debug.IntrospectEnabled {
		changes = append(changes, fmt.Sprintf("debug.introspect_enabled: %v -> %v", old.Debug.IntrospectEnabled, next.Debug.IntrospectEnabled))
	}

	return changes
}
