// ABOUTME: Configuration loading and parsing for the swapchat client and relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete swapchat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the message server endpoint
type ServerConfig struct {
	URL string `yaml:"url" toml:"url"`
	// ListenAddr is used by the development relay only
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Token     string `yaml:"token" toml:"token"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TransportConfig holds reconnect and heartbeat timing
type TransportConfig struct {
	BaseDelay    time.Duration `yaml:"-" toml:"-"`
	MaxDelay     time.Duration `yaml:"-" toml:"-"`
	SettleDelay  time.Duration `yaml:"-" toml:"-"`
	PingInterval time.Duration `yaml:"-" toml:"-"`
	PongTimeout  time.Duration `yaml:"-" toml:"-"`
	DialTimeout  time.Duration `yaml:"-" toml:"-"`

	BackoffFactor float64 `yaml:"backoff_factor" toml:"backoff_factor"`
	MaxAttempts   int     `yaml:"max_attempts" toml:"max_attempts"`

	// Raw string values for unmarshaling
	BaseDelayRaw    string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw     string `yaml:"max_delay" toml:"max_delay"`
	SettleDelayRaw  string `yaml:"settle_delay" toml:"settle_delay"`
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	PongTimeoutRaw  string `yaml:"pong_timeout" toml:"pong_timeout"`
	DialTimeoutRaw  string `yaml:"dial_timeout" toml:"dial_timeout"`
}

// StorageConfig selects the snapshot backend
type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // memory, sqlite, pebble, redis, postgres
	Path   string `yaml:"path" toml:"path"`
	URL    string `yaml:"url" toml:"url"`
}

// DedupeConfig sizes the inbound message id window
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-" toml:"-"`
	MaxSize int           `yaml:"max_size" toml:"max_size"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:        "ws://localhost:8090/ws",
			ListenAddr: "127.0.0.1:8090",
		},
		Transport: TransportConfig{
			BaseDelay:     time.Second,
			MaxDelay:      30 * time.Second,
			SettleDelay:   100 * time.Millisecond,
			PingInterval:  25 * time.Second,
			PongTimeout:   10 * time.Second,
			DialTimeout:   10 * time.Second,
			BackoffFactor: 1.5,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Dedupe: DedupeConfig{
			TTL:     10 * time.Minute,
			MaxSize: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9090",
			Path: "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("server.url must be a ws:// or wss:// url, got %q", c.Server.URL)
	}

	if c.Transport.BackoffFactor < 1 {
		return fmt.Errorf("transport.backoff_factor must be at least 1")
	}
	if c.Transport.MaxAttempts < 0 {
		return fmt.Errorf("transport.max_attempts cannot be negative")
	}
	if c.Transport.MaxDelay < c.Transport.BaseDelay {
		return fmt.Errorf("transport.max_delay must not be below transport.base_delay")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "pebble":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s driver", c.Storage.Driver)
		}
	case "redis", "postgres":
		if c.Storage.URL == "" {
			return fmt.Errorf("storage.url is required for the %s driver", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"transport.base_delay", cfg.Transport.BaseDelayRaw, &cfg.Transport.BaseDelay},
		{"transport.max_delay", cfg.Transport.MaxDelayRaw, &cfg.Transport.MaxDelay},
		{"transport.settle_delay", cfg.Transport.SettleDelayRaw, &cfg.Transport.SettleDelay},
		{"transport.ping_interval", cfg.Transport.PingIntervalRaw, &cfg.Transport.PingInterval},
		{"transport.pong_timeout", cfg.Transport.PongTimeoutRaw, &cfg.Transport.PongTimeout},
		{"transport.dial_timeout", cfg.Transport.DialTimeoutRaw, &cfg.Transport.DialTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
