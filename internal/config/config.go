// Package config provides configuration loading, validation, and hot-reload
// for the PEL manager daemon.
//
// Configuration file: /etc/pel-manager/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Copy non-destructive fields only (notifier timers, lightpath
//     settings, log level) into the daemon's Config value. Components
//     already built from it (notifier, lightpath policy, logger) are not
//     reconfigured and keep their startup values.
//   - Destructive changes (repository root/cap, socket paths, gRPC
//     targets) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload
//     config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (durations positive, capacities >= 1).
//   - File paths must be absolute.
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the PEL manager.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodePosition is the upper byte of every eid/plid this daemon
	// allocates (§4.1's 24-bit counter rollover rule). Restart-only: a
	// running process cannot safely change the id space it is issuing
	// from. Default: 0 (single-node systems).
	NodePosition uint8 `yaml:"node_position"`

	// Repository configures the on-disk PEL store.
	Repository RepositoryConfig `yaml:"repository"`

	// Notifier configures the host notifier's timers.
	Notifier NotifierConfig `yaml:"notifier"`

	// Lightpath configures the service-indicator policy.
	Lightpath LightpathConfig `yaml:"lightpath"`

	// DataInterface configures the gRPC facade and host-link targets.
	DataInterface DataInterfaceConfig `yaml:"data_interface"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the operator admin Unix socket.
	Operator OperatorConfig `yaml:"operator"`
}

// RepositoryConfig holds on-disk PEL store parameters (§4.2).
type RepositoryConfig struct {
	// Root is the absolute path to the repository's root directory; it
	// contains the "logs/" blob tree and the bbolt sidecar index file.
	// Destructive: changing it requires restart. Default:
	// /var/lib/pel-manager/repository.
	Root string `yaml:"root"`

	// CapBytes is the total size cap §4.2's pruning policy enforces
	// across all four size classes. Default: 200 MiB.
	CapBytes int64 `yaml:"cap_bytes"`

	// PruneInterval is how often the daemon's maintenance loop calls
	// PruneToConfiguredCap. Default: 5m.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// NotifierConfig holds the host notifier's timer durations (§4.3).
type NotifierConfig struct {
	// HostUpDelay is the settle time after host-up before dispatching
	// begins. Default: 20s.
	HostUpDelay time.Duration `yaml:"host_up_delay"`

	// RetryBackoff is the wait between consecutive retries of the
	// head-of-queue PEL. Default: 5s.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// HostFullWait is the wait after a host-full response before
	// retrying dispatch. Default: 15s.
	HostFullWait time.Duration `yaml:"host_full_wait"`
}

// LightpathConfig holds the service-indicator policy's tunables (§4.4).
type LightpathConfig struct {
	// Enabled gates LightPath activation entirely; when false, serviceable
	// PELs are stored and notified to the host but never actuate LEDs.
	// Default: true.
	Enabled bool `yaml:"enabled"`

	// PlatformSAILedGroup is the inventory path asserted when no FRU
	// group can be actuated for a serviceable event. Default:
	// lightpath.DefaultPlatformSAILedGroup.
	PlatformSAILedGroup string `yaml:"platform_sai_led_group"`

	// DebounceCapacity/DebouncePeriod size the token bucket limiting how
	// often the platform SAI LED group may be (re-)asserted. Default:
	// 3 tokens per 10s.
	DebounceCapacity int           `yaml:"debounce_capacity"`
	DebouncePeriod   time.Duration `yaml:"debounce_period"`
}

// DataInterfaceConfig holds the gRPC targets the host notifier and the
// dataiface facade dial, per §4.5's "synchronous bus calls" and §4.3's
// platform host link — modeled as gRPC over the BMC's internal
// loopback/unix-domain fabric, so no TLS material is configured; see
// internal/transport for the plaintext-by-design rationale.
type DataInterfaceConfig struct {
	// FacadeTarget is the gRPC target for inventory/VPD/LED/state calls.
	// Default: unix:///run/pel-manager/dataiface.sock.
	FacadeTarget string `yaml:"facade_target"`

	// HostLinkTarget is the gRPC target for the platform host link.
	// Default: unix:///run/pel-manager/hostlink.sock.
	HostLinkTarget string `yaml:"host_link_target"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the admin Unix socket parameters (§9).
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path pelctl connects to.
	// Permissions: 0600. Default: /run/pel-manager/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active. Default:
	// true.
	Enabled bool `yaml:"enabled"`

	// MaxConnections bounds concurrent operator connections. Default: 8.
	MaxConnections int `yaml:"max_connections"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		NodePosition:  0,
		Repository: RepositoryConfig{
			Root:          DefaultRepositoryRoot,
			CapBytes:      200 * 1024 * 1024,
			PruneInterval: 5 * time.Minute,
		},
		Notifier: NotifierConfig{
			HostUpDelay:  20 * time.Second,
			RetryBackoff: 5 * time.Second,
			HostFullWait: 15 * time.Second,
		},
		Lightpath: LightpathConfig{
			Enabled:             true,
			PlatformSAILedGroup: "/xyz/openbmc_project/led/groups/platform_system_attention_indicator",
			DebounceCapacity:    3,
			DebouncePeriod:      10 * time.Second,
		},
		DataInterface: DataInterfaceConfig{
			FacadeTarget:   "unix:///run/pel-manager/dataiface.sock",
			HostLinkTarget: "unix:///run/pel-manager/hostlink.sock",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:        true,
			SocketPath:     "/run/pel-manager/operator.sock",
			MaxConnections: 8,
		},
	}
}

// DefaultRepositoryRoot is the default on-disk repository location.
const DefaultRepositoryRoot = "/var/lib/pel-manager/repository"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if !filepath.IsAbs(cfg.Repository.Root) {
		errs = append(errs, fmt.Sprintf("repository.root must be absolute, got %q", cfg.Repository.Root))
	}
	if cfg.Repository.CapBytes < 1 {
		errs = append(errs, fmt.Sprintf("repository.cap_bytes must be >= 1, got %d", cfg.Repository.CapBytes))
	}
	if cfg.Repository.PruneInterval < time.Second {
		errs = append(errs, fmt.Sprintf("repository.prune_interval must be >= 1s, got %s", cfg.Repository.PruneInterval))
	}
	if cfg.Notifier.HostUpDelay < 0 {
		errs = append(errs, "notifier.host_up_delay must be >= 0")
	}
	if cfg.Notifier.RetryBackoff < time.Second {
		errs = append(errs, fmt.Sprintf("notifier.retry_backoff must be >= 1s, got %s", cfg.Notifier.RetryBackoff))
	}
	if cfg.Notifier.HostFullWait < time.Second {
		errs = append(errs, fmt.Sprintf("notifier.host_full_wait must be >= 1s, got %s", cfg.Notifier.HostFullWait))
	}
	if cfg.Lightpath.DebounceCapacity < 1 {
		errs = append(errs, fmt.Sprintf("lightpath.debounce_capacity must be >= 1, got %d", cfg.Lightpath.DebounceCapacity))
	}
	if cfg.Lightpath.DebouncePeriod < time.Second {
		errs = append(errs, fmt.Sprintf("lightpath.debounce_period must be >= 1s, got %s", cfg.Lightpath.DebouncePeriod))
	}
	if cfg.Lightpath.PlatformSAILedGroup == "" {
		errs = append(errs, "lightpath.platform_sai_led_group must not be empty")
	}
	if cfg.DataInterface.FacadeTarget == "" {
		errs = append(errs, "data_interface.facade_target must not be empty")
	}
	if cfg.DataInterface.HostLinkTarget == "" {
		errs = append(errs, "data_interface.host_link_target must not be empty")
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug/info/warn/error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}
	if cfg.Operator.Enabled {
		if !filepath.IsAbs(cfg.Operator.SocketPath) {
			errs = append(errs, fmt.Sprintf("operator.socket_path must be absolute, got %q", cfg.Operator.SocketPath))
		}
		if cfg.Operator.MaxConnections < 1 {
			errs = append(errs, fmt.Sprintf("operator.max_connections must be >= 1, got %d", cfg.Operator.MaxConnections))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// ApplyNonDestructive copies only the hot-reloadable fields from next into
// cfg: notifier timers, lightpath debounce tunables and enablement, and
// log level. Repository, operator, and data-interface settings are left
// untouched — changing them requires a restart, per the package doc's
// hot-reload contract. Only cfg itself is updated; nothing that was
// constructed from cfg earlier is notified of the change.
func ApplyNonDestructive(cfg *Config, next Config) {
	cfg.Notifier = next.Notifier
	cfg.Lightpath = next.Lightpath
	cfg.Observability.LogLevel = next.Observability.LogLevel
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
