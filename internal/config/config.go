// ABOUTME: Configuration loading and parsing for fleetgate.
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete fleetgate configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the listen address for the telemetry/dispatch API.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// AuthConfig holds the bearer credential configuration. JWTSecret signs and
// verifies operator tokens; APIKeyHash optionally accepts a static key whose
// bcrypt hash is stored here instead of the key itself.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret" toml:"jwt_secret"`
	APIKeyHash string `yaml:"api_key_hash" toml:"api_key_hash"`
}

// DiscoveryConfig controls the periodic agent discovery loop.
type DiscoveryConfig struct {
	Hosts            []string `yaml:"hosts" toml:"hosts"`
	PortRange        string   `yaml:"port_range" toml:"port_range"`
	EvictAfterMisses int      `yaml:"evict_after_misses" toml:"evict_after_misses"`
	MaxProbes        int      `yaml:"max_concurrent_probes" toml:"max_concurrent_probes"`

	Interval     time.Duration `yaml:"-" toml:"-"`
	ProbeTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for file unmarshaling
	IntervalRaw     string `yaml:"interval" toml:"interval"`
	ProbeTimeoutRaw string `yaml:"probe_timeout" toml:"probe_timeout"`
}

// PortBounds parses the "start-end" port range.
func (d *DiscoveryConfig) PortBounds() (int, int, error) {
	parts := strings.SplitN(d.PortRange, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid port_range %q: expected \"start-end\", e.g. \"8001-8010\"", d.PortRange)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port_range start %q: %w", parts[0], err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port_range end %q: %w", parts[1], err)
	}
	if start < 1 || end > 65535 || start > end {
		return 0, 0, fmt.Errorf("port_range %q out of order or out of bounds", d.PortRange)
	}
	return start, end, nil
}

// HealthConfig controls the health monitor loop.
type HealthConfig struct {
	Interval        time.Duration `yaml:"-" toml:"-"`
	PingTimeout     time.Duration `yaml:"-" toml:"-"`
	MaxTaskDuration time.Duration `yaml:"-" toml:"-"`

	IntervalRaw        string `yaml:"interval" toml:"interval"`
	PingTimeoutRaw     string `yaml:"ping_timeout" toml:"ping_timeout"`
	MaxTaskDurationRaw string `yaml:"max_task_duration" toml:"max_task_duration"`
}

// DispatchConfig controls task submission and polling.
type DispatchConfig struct {
	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	PollInterval   time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	PollIntervalRaw   string `yaml:"poll_interval" toml:"poll_interval"`

	// ErrorDetailLimit truncates captured error messages so history entries
	// never retain full payloads.
	ErrorDetailLimit int `yaml:"error_detail_limit" toml:"error_detail_limit"`
}

// TelemetryConfig sizes the history buffers and optionally enables the
// on-disk archive.
type TelemetryConfig struct {
	TaskHistorySize  int    `yaml:"task_history_size" toml:"task_history_size"`
	ErrorHistorySize int    `yaml:"error_history_size" toml:"error_history_size"`
	LogHistorySize   int    `yaml:"log_history_size" toml:"log_history_size"`
	ArchivePath      string `yaml:"archive_path" toml:"archive_path"`

	// ArchiveRetention prunes archived records older than this at startup.
	// Zero keeps everything.
	ArchiveRetention time.Duration `yaml:"-" toml:"-"`

	ArchiveRetentionRaw string `yaml:"archive_retention" toml:"archive_retention"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file and returns a parsed Config. YAML is the
// default format; files ending in .toml are parsed as TOML. Environment
// variables in the format ${VAR_NAME} are expanded before parsing, and
// duration strings are converted to time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a config populated with workable defaults; Load overlays
// the file on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:8400"},
		Discovery: DiscoveryConfig{
			Hosts:            []string{"localhost"},
			PortRange:        "8001-8007",
			EvictAfterMisses: 3,
			MaxProbes:        16,
			Interval:         5 * time.Minute,
			ProbeTimeout:     10 * time.Second,
		},
		Health: HealthConfig{
			Interval:        30 * time.Second,
			PingTimeout:     5 * time.Second,
			MaxTaskDuration: 500 * time.Second,
		},
		Dispatch: DispatchConfig{
			RequestTimeout:   30 * time.Second,
			PollInterval:     2 * time.Second,
			ErrorDetailLimit: 500,
		},
		Telemetry: TelemetryConfig{
			TaskHistorySize:  100,
			ErrorHistorySize: 50,
			LogHistorySize:   1000,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// consistent. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Auth.JWTSecret == "" && c.Auth.APIKeyHash == "" {
		return fmt.Errorf("auth.jwt_secret or auth.api_key_hash is required")
	}
	if len(c.Discovery.Hosts) == 0 {
		return fmt.Errorf("discovery.hosts is required")
	}
	if _, _, err := c.Discovery.PortBounds(); err != nil {
		return err
	}
	if c.Discovery.EvictAfterMisses < 1 {
		return fmt.Errorf("discovery.evict_after_misses must be at least 1")
	}
	if c.Health.MaxTaskDuration <= 0 {
		return fmt.Errorf("health.max_task_duration must be positive")
	}
	if c.Dispatch.RequestTimeout <= 0 {
		return fmt.Errorf("dispatch.request_timeout must be positive")
	}
	return nil
}

// parseDurations converts raw duration strings into time.Duration values,
// leaving defaults in place when a field is absent.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Discovery.IntervalRaw, &cfg.Discovery.Interval, "discovery.interval"},
		{cfg.Discovery.ProbeTimeoutRaw, &cfg.Discovery.ProbeTimeout, "discovery.probe_timeout"},
		{cfg.Health.IntervalRaw, &cfg.Health.Interval, "health.interval"},
		{cfg.Health.PingTimeoutRaw, &cfg.Health.PingTimeout, "health.ping_timeout"},
		{cfg.Health.MaxTaskDurationRaw, &cfg.Health.MaxTaskDuration, "health.max_task_duration"},
		{cfg.Dispatch.RequestTimeoutRaw, &cfg.Dispatch.RequestTimeout, "dispatch.request_timeout"},
		{cfg.Dispatch.PollIntervalRaw, &cfg.Dispatch.PollInterval, "dispatch.poll_interval"},
		{cfg.Telemetry.ArchiveRetentionRaw, &cfg.Telemetry.ArchiveRetention, "telemetry.archive_retention"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
