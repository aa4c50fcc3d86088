// Package config provides configuration loading with layered overrides.
// Load order: defaults -> YAML file -> environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment variable overrides,
// e.g. JOURNAL_RELAY_QUEUE_CAPACITY=2048.
const envPrefix = "JOURNAL_RELAY_"

// Transport kinds accepted for input endpoints.
const (
	TransportTCP      = "tcp"
	TransportUDP      = "udp"
	TransportUnix     = "unix"
	TransportUnixgram = "unixgram"
)

// Record wire formats accepted for input endpoints.
const (
	FormatSyslog = "syslog"
	FormatJSON   = "json"
)

// Outage policies governing enqueue on a full delivery queue.
const (
	PolicyBlock      = "block"
	PolicyDropOldest = "drop-oldest"
	PolicyDropNewest = "drop-newest"
)

// Config is the root configuration structure for the relay.
type Config struct {
	LogLevel  string        `koanf:"loglevel" yaml:"log_level"`
	LogFile   LogFileConfig `koanf:"logfile"`
	Endpoints []Endpoint    `koanf:"endpoints"`
	Mapping   MappingConfig `koanf:"mapping"`
	Queue     QueueConfig   `koanf:"queue"`
	Retry     RetryPolicy   `koanf:"retry"`
	Drain     DrainConfig   `koanf:"drain"`
	Metrics   MetricsConfig `koanf:"metrics"`
}

// LogFileConfig configures optional rotating file output for the relay's
// own diagnostic log.
type LogFileConfig struct {
	Path       string `koanf:"path"`
	MaxSizeMB  int    `koanf:"maxsizemb" yaml:"max_size_mb"`
	MaxBackups int    `koanf:"maxbackups" yaml:"max_backups"`
	MaxAgeDays int    `koanf:"maxagedays" yaml:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

// Endpoint describes one input listener.
type Endpoint struct {
	Name      string `koanf:"name"`
	Transport string `koanf:"transport"` // tcp, udp, unix, unixgram
	Address   string `koanf:"address"`   // host:port or socket path
	Format    string `koanf:"format"`    // syslog, json
}

// MappingConfig holds the ordered field-mapping rule set.
type MappingConfig struct {
	Rules []MappingRule `koanf:"rules"`
}

// MappingRule is one mapping step, evaluated in configured order.
// Exactly one of the following shapes applies:
//   - copy:      Source set, Field is the journal field name
//   - static:    Source empty, Field and Value set
//   - catch-all: Source is "*", Field is an optional prefix
//
// Transform optionally names a value transform applied to copied fields.
type MappingRule struct {
	Source    string `koanf:"source"`
	Field     string `koanf:"field"`
	Value     string `koanf:"value"`
	Transform string `koanf:"transform"`
}

// QueueConfig controls the delivery queue.
type QueueConfig struct {
	Capacity int    `koanf:"capacity"`
	Policy   string `koanf:"policy"` // block, drop-oldest, drop-newest
}

// RetryPolicy controls journal submission retries.
type RetryPolicy struct {
	MaxAttempts int           `koanf:"maxattempts" yaml:"max_attempts"`
	BackoffBase time.Duration `koanf:"backoffbase" yaml:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoffcap" yaml:"backoff_cap"`
}

// DrainConfig bounds the shutdown flush.
type DrainConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Address string `koanf:"address"`
}

// defaults returns the default configuration values.
func defaults() Config {
	return Config{
		LogLevel: "info",
		LogFile: LogFileConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Mapping: MappingConfig{
			Rules: DefaultRules(),
		},
		Queue: QueueConfig{
			Capacity: 1024,
			Policy:   PolicyBlock,
		},
		Retry: RetryPolicy{
			MaxAttempts: 5,
			BackoffBase: 100 * time.Millisecond,
			BackoffCap:  5 * time.Second,
		},
		Drain: DrainConfig{
			Timeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9099",
		},
	}
}

// DefaultRules maps the standard syslog fields onto their journal names.
func DefaultRules() []MappingRule {
	return []MappingRule{
		{Source: "message", Field: "MESSAGE"},
		{Source: "severity", Field: "PRIORITY", Transform: "severity"},
		{Source: "tag", Field: "SYSLOG_IDENTIFIER"},
		{Source: "pid", Field: "SYSLOG_PID"},
	}
}

// Load reads configuration from all sources with proper override order.
// Order: defaults -> config file -> environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath == "" {
		// Try default config locations
		for _, path := range []string{"./config.yaml", "/etc/journal-relay/config.yaml"} {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}
