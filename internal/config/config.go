// Package config loads and validates the glucolink YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Scan     ScanConfig    `yaml:"scan"`
	Connect  ConnectConfig `yaml:"connect"`
	Meter    MeterConfig   `yaml:"meter"`
	LogLevel string        `yaml:"log_level"`
}

// ScanConfig holds device discovery settings.
type ScanConfig struct {
	// TimeoutSeconds bounds a scan; meters observed in the field advertise
	// for 10-30 seconds after a reading, so the timeout must cover that.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// FilterByService admits devices advertising the glucose service UUID.
	FilterByService bool `yaml:"filter_by_service"`
	// NamePrefixes admits devices by advertised-name prefix, for firmwares
	// that leave the service UUID out of their advertisements.
	NamePrefixes []string `yaml:"name_prefixes"`
}

// ConnectConfig holds connection settings.
type ConnectConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// MeterConfig holds device-profile settings.
type MeterConfig struct {
	// FlagLayout selects the measurement flag-byte convention: "a" or "b".
	FlagLayout string `yaml:"flag_layout"`
	// DeviceID pins a known device, skipping interactive selection.
	DeviceID string `yaml:"device_id"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "glucolink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			TimeoutSeconds:  15,
			FilterByService: true,
		},
		Connect: ConnectConfig{
			TimeoutSeconds: 10,
		},
		Meter: MeterConfig{
			FlagLayout: "a",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Scan.TimeoutSeconds < 5 || c.Scan.TimeoutSeconds > 60 {
		return fmt.Errorf("scan.timeout_seconds must be between 5 and 60, got %d", c.Scan.TimeoutSeconds)
	}

	if c.Connect.TimeoutSeconds <= 0 {
		return fmt.Errorf("connect.timeout_seconds must be > 0")
	}

	if !c.Scan.FilterByService && len(c.Scan.NamePrefixes) == 0 {
		return fmt.Errorf("scan must filter by service or by name prefix, not neither")
	}

	switch c.Meter.FlagLayout {
	case "a", "b":
	default:
		return fmt.Errorf("meter.flag_layout must be \"a\" or \"b\", got %q", c.Meter.FlagLayout)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// WriteDefault writes the default config to the default path, creating the
// directory if needed, and returns the written path. An existing config file
// is left untouched.
func WriteDefault() (string, error) {
	dir := DefaultConfigDir()
	if dir == "" {
		return "", fmt.Errorf("cannot determine config directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshaling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level string to a slog level. Unknown
// values fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
