package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LeaseConfig holds leader-election timing parameters. The heartbeat interval
// must be shorter than the expiry so a healthy leader renews before the lease
// lapses.
type LeaseConfig struct {
	Name            string `yaml:"name"`
	Heartbeat       string `yaml:"heartbeat"`
	Expiry          string `yaml:"expiry"`
	AcquireInterval string `yaml:"acquire_interval"`
}

// RoutingConfig holds follower-to-leader request parameters.
type RoutingConfig struct {
	RequestTimeout string `yaml:"request_timeout"`
	MaxRetries     int    `yaml:"max_retries"`
}

// ShapeConfig holds shape-sync retry parameters.
type ShapeConfig struct {
	BackoffInitial string `yaml:"backoff_initial"`
	BackoffMax     string `yaml:"backoff_max"`
}

// StorageConfig selects the storage medium for application data and the
// persisted lease/cursor records.
type StorageConfig struct {
	Medium  string `yaml:"medium"` // "memory" or "file"
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Lease   LeaseConfig   `yaml:"lease"`
	Routing RoutingConfig `yaml:"routing"`
	Shape   ShapeConfig   `yaml:"shape"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Lease: LeaseConfig{
			Name:            "writer",
			Heartbeat:       "1s",
			Expiry:          "5s",
			AcquireInterval: "1s",
		},
		Routing: RoutingConfig{
			RequestTimeout: "10s",
			MaxRetries:     3,
		},
		Shape: ShapeConfig{
			BackoffInitial: "1s",
			BackoffMax:     "30s",
		},
		Storage: StorageConfig{
			Medium:  "memory",
			DataDir: "./data",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexuslocal.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, _ := Load(nil)
	return cfg
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

func (c *Config) validate() error {
	heartbeat := ParseDuration(c.Lease.Heartbeat, time.Second, nil)
	expiry := ParseDuration(c.Lease.Expiry, 5*time.Second, nil)
	if expiry <= heartbeat {
		return fmt.Errorf("lease expiry (%s) must be greater than heartbeat (%s)", expiry, heartbeat)
	}
	switch c.Storage.Medium {
	case "memory", "file":
	default:
		return fmt.Errorf("invalid storage medium: %q", c.Storage.Medium)
	}
	return nil
}

// HeartbeatInterval returns the parsed lease heartbeat interval.
func (c *Config) HeartbeatInterval(logger *slog.Logger) time.Duration {
	return ParseDuration(c.Lease.Heartbeat, time.Second, logger)
}

// LeaseExpiry returns the parsed lease expiry duration.
func (c *Config) LeaseExpiry(logger *slog.Logger) time.Duration {
	return ParseDuration(c.Lease.Expiry, 5*time.Second, logger)
}

// RequestTimeout returns the parsed follower request timeout.
func (c *Config) RequestTimeout(logger *slog.Logger) time.Duration {
	return ParseDuration(c.Routing.RequestTimeout, 10*time.Second, logger)
}

// ShapeBackoffInitial returns the parsed first shape retry delay.
func (c *Config) ShapeBackoffInitial(logger *slog.Logger) time.Duration {
	return ParseDuration(c.Shape.BackoffInitial, time.Second, logger)
}

// ShapeBackoffMax returns the parsed shape retry backoff cap.
func (c *Config) ShapeBackoffMax(logger *slog.Logger) time.Duration {
	return ParseDuration(c.Shape.BackoffMax, 30*time.Second, logger)
}
