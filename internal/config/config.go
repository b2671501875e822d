package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server     ServerConfig     `koanf:"server" yaml:"server"`
	Backend    BackendConfig    `koanf:"backend" yaml:"backend"`
	Lifecycle  LifecycleConfig  `koanf:"lifecycle" yaml:"lifecycle"`
	Security   SecurityConfig   `koanf:"security" yaml:"security"`
	Checkpoint CheckpointConfig `koanf:"checkpoint" yaml:"checkpoint"`
	Monitor    MonitorConfig    `koanf:"monitor" yaml:"monitor"`
	Store      StoreConfig      `koanf:"store" yaml:"store"`
	Daemon     DaemonConfig     `koanf:"daemon" yaml:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port" yaml:"port"`
	LogLevel        string `koanf:"log_level" yaml:"log_level"`
	ReadTimeout     string `koanf:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	// IdempotencyTTL is how long a replayable Idempotency-Key result is kept.
	IdempotencyTTL string `koanf:"idempotency_ttl" yaml:"idempotency_ttl"`
}

// BackendConfig selects the management tool the orchestrator drives.
type BackendConfig struct {
	Kind string `koanf:"kind" yaml:"kind"`
	// Binary overrides the management CLI (virsh, docker/podman, incus).
	Binary string `koanf:"binary" yaml:"binary"`
	// ImageBinary is the disk image tool for the qemu backend.
	ImageBinary string `koanf:"image_binary" yaml:"image_binary"`
	WorkDir     string `koanf:"work_dir" yaml:"work_dir"`
	Network     string `koanf:"network" yaml:"network"`
	ConnectURI  string `koanf:"connect_uri" yaml:"connect_uri"`
}

type LifecycleConfig struct {
	PollInterval       string `koanf:"poll_interval" yaml:"poll_interval"`
	MaxWait            string `koanf:"max_wait" yaml:"max_wait"`
	CommandTimeout     string `koanf:"command_timeout" yaml:"command_timeout"`
	SerializeInstances bool   `koanf:"serialize_instances" yaml:"serialize_instances"`
}

type SecurityConfig struct {
	MaxMemory               string   `koanf:"max_memory" yaml:"max_memory"`
	MaxCPUs                 float64  `koanf:"max_cpus" yaml:"max_cpus"`
	AllowedVolumePaths      []string `koanf:"allowed_volume_paths" yaml:"allowed_volume_paths"`
	BannedCommandSubstrings []string `koanf:"banned_command_substrings" yaml:"banned_command_substrings"`
	AllowPrivileged         bool     `koanf:"allow_privileged" yaml:"allow_privileged"`
	AuditRetention          int      `koanf:"audit_retention" yaml:"audit_retention"`
	AuditLogPath            string   `koanf:"audit_log_path" yaml:"audit_log_path"`
	RedactPatterns          []string `koanf:"redact_patterns" yaml:"redact_patterns"`
}

type CheckpointConfig struct {
	MarkerPrefix        string   `koanf:"marker_prefix" yaml:"marker_prefix"`
	Retention           string   `koanf:"retention" yaml:"retention"`
	PollWait            string   `koanf:"poll_wait" yaml:"poll_wait"`
	ExecTimeout         string   `koanf:"exec_timeout" yaml:"exec_timeout"`
	SweepInterval       string   `koanf:"sweep_interval" yaml:"sweep_interval"`
	AgentInstallCommand []string `koanf:"agent_install_command" yaml:"agent_install_command"`
	AgentCommand        []string `koanf:"agent_command" yaml:"agent_command"`
	RequireAgent        bool     `koanf:"require_agent" yaml:"require_agent"`
}

type MonitorConfig struct {
	Enabled     bool   `koanf:"enabled" yaml:"enabled"`
	Interval    string `koanf:"interval" yaml:"interval"`
	AutoRestart bool   `koanf:"auto_restart" yaml:"auto_restart"`
}

type StoreConfig struct {
	StateDir     string `koanf:"state_dir" yaml:"state_dir"`
	Persist      bool   `koanf:"persist" yaml:"persist"`
	LockTimeout  string `koanf:"lock_timeout" yaml:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry" yaml:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry" yaml:"lock_max_retry"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval" yaml:"health_check_interval"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout" yaml:"startup_shutdown_timeout"`
	PreflightTimeout       string `koanf:"preflight_timeout" yaml:"preflight_timeout"`
	StaleLockTTL           string `koanf:"stale_lock_ttl" yaml:"stale_lock_ttl"`
}

const (
	DefaultServerPort                = 8088
	DefaultServerLogLevel            = "info"
	DefaultServerReadTimeout         = "10s"
	DefaultServerWriteTimeout        = "90s"
	DefaultServerIdleTimeout         = "60s"
	DefaultServerShutdownTimeout     = "5s"
	DefaultServerIdempotencyTTL      = "10m"
	DefaultBackendKind               = "docker"
	DefaultBackendNetwork            = ""
	DefaultLifecyclePollInterval     = "1s"
	DefaultLifecycleMaxWait          = "60s"
	DefaultLifecycleCommandTimeout   = "30s"
	DefaultSecurityMaxMemory         = "8GiB"
	DefaultSecurityMaxCPUs           = 4.0
	DefaultSecurityAuditRetention    = 100
	DefaultCheckpointMarkerPrefix    = "::kura-checkpoint::"
	DefaultCheckpointRetention       = "10m"
	DefaultCheckpointPollWait        = "25s"
	DefaultCheckpointExecTimeout     = "30m"
	DefaultCheckpointSweepInterval   = "1m"
	DefaultCheckpointRequireAgent    = true
	DefaultMonitorEnabled            = false
	DefaultMonitorInterval           = "30s"
	DefaultMonitorAutoRestart        = false
	DefaultStorePersist              = true
	DefaultStoreLockTimeout          = "5s"
	DefaultStoreLockRetry            = "100ms"
	DefaultStoreLockMaxRetry         = 50
	DefaultDaemonShutdownTimeout     = "30s"
	DefaultDaemonHealthCheckInterval = "30s"
	DefaultDaemonStartupShutdown     = "10s"
	DefaultDaemonPreflightTimeout    = "10s"
	DefaultDaemonStaleLockTTL        = "15m"
)

var (
	DefaultBannedCommandSubstrings = []string{"rm -rf /", "mkfs", ":(){", "dd if=/dev/zero of=/dev/", "shutdown -h", "> /dev/sda"}
	DefaultAgentInstallCommand     = []string{"sh", "-c", "command -v rexx >/dev/null 2>&1 || (apt-get update && apt-get install -y regina-rexx)"}
	DefaultAgentCommand            = []string{"rexx", "-"}
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	home := resolveHomeDir()

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.port":                        DefaultServerPort,
		"server.log_level":                   DefaultServerLogLevel,
		"server.read_timeout":                DefaultServerReadTimeout,
		"server.write_timeout":               DefaultServerWriteTimeout,
		"server.idle_timeout":                DefaultServerIdleTimeout,
		"server.shutdown_timeout":            DefaultServerShutdownTimeout,
		"server.idempotency_ttl":             DefaultServerIdempotencyTTL,
		"backend.kind":                       DefaultBackendKind,
		"backend.network":                    DefaultBackendNetwork,
		"backend.work_dir":                   filepath.Join(home, ".kura", "disks"),
		"lifecycle.poll_interval":            DefaultLifecyclePollInterval,
		"lifecycle.max_wait":                 DefaultLifecycleMaxWait,
		"lifecycle.command_timeout":          DefaultLifecycleCommandTimeout,
		"lifecycle.serialize_instances":      false,
		"security.max_memory":                DefaultSecurityMaxMemory,
		"security.max_cpus":                  DefaultSecurityMaxCPUs,
		"security.allowed_volume_paths":      []string{filepath.Join(home, ".kura", "volumes")},
		"security.banned_command_substrings": DefaultBannedCommandSubstrings,
		"security.allow_privileged":          false,
		"security.audit_retention":           DefaultSecurityAuditRetention,
		"checkpoint.marker_prefix":           DefaultCheckpointMarkerPrefix,
		"checkpoint.retention":               DefaultCheckpointRetention,
		"checkpoint.poll_wait":               DefaultCheckpointPollWait,
		"checkpoint.exec_timeout":            DefaultCheckpointExecTimeout,
		"checkpoint.sweep_interval":          DefaultCheckpointSweepInterval,
		"checkpoint.agent_install_command":   DefaultAgentInstallCommand,
		"checkpoint.agent_command":           DefaultAgentCommand,
		"checkpoint.require_agent":           DefaultCheckpointRequireAgent,
		"monitor.enabled":                    DefaultMonitorEnabled,
		"monitor.interval":                   DefaultMonitorInterval,
		"monitor.auto_restart":               DefaultMonitorAutoRestart,
		"store.state_dir":                    filepath.Join(home, ".kura"),
		"store.persist":                      DefaultStorePersist,
		"store.lock_timeout":                 DefaultStoreLockTimeout,
		"store.lock_retry":                   DefaultStoreLockRetry,
		"store.lock_max_retry":               DefaultStoreLockMaxRetry,
		"daemon.shutdown_timeout":            DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":       DefaultDaemonHealthCheckInterval,
		"daemon.startup_shutdown_timeout":    DefaultDaemonStartupShutdown,
		"daemon.preflight_timeout":           DefaultDaemonPreflightTimeout,
		"daemon.stale_lock_ttl":              DefaultDaemonStaleLockTTL,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	} else if home != "" {
		globalPath := filepath.Join(home, ".kura", "config.yaml")
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		}
	}

	// Environment Variables: KURA_LIFECYCLE__MAX_WAIT -> lifecycle.max_wait
	k.Load(env.Provider("KURA_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "KURA_"))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	for _, field := range []*string{&cfg.Store.StateDir, &cfg.Backend.WorkDir, &cfg.Security.AuditLogPath} {
		expanded, err := ExpandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}

	for i, p := range cfg.Security.AllowedVolumePaths {
		expanded, err := ExpandPath(p)
		if err != nil {
			return err
		}
		cfg.Security.AllowedVolumePaths[i] = expanded
	}
	return nil
}

// ExpandPath resolves environment variables and "~/" home shortcuts.
func ExpandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home := resolveHomeDir()
		if home == "" {
			return "", fmt.Errorf("resolve home dir for %q: HOME is not set", path)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
	}

	return filepath.Clean(expanded), nil
}

func resolveHomeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		if trimmed := strings.TrimSpace(home); trimmed != "" && !strings.HasPrefix(trimmed, "~") {
			return trimmed
		}
	}
	if current, err := user.Current(); err == nil {
		if trimmed := strings.TrimSpace(current.HomeDir); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
