// Package config handles notifyd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/notifyd/config.yaml, /config/config.yaml,
// /etc/notifyd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "notifyd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/notifyd/config.yaml")
	return paths
}

// searchPathsFunc is overridden in tests to avoid matching real config
// files on the developer/deploy machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// ServiceMode selects which of the ingestion loop and the HTTP API run in
// this process.
type ServiceMode string

const (
	ModeCombined   ServiceMode = "combined"
	ModeAPIOnly    ServiceMode = "api-only"
	ModePubSubOnly ServiceMode = "pubsub-only"
)

// Config holds all notifyd configuration.
type Config struct {
	ServiceMode ServiceMode   `yaml:"service_mode"`
	Listen      ListenConfig  `yaml:"listen"`
	DataDir     string        `yaml:"data_dir"`
	Storage     StorageConfig `yaml:"storage"`
	MQTT        MQTTConfig    `yaml:"mqtt"`
	SMTP        SMTPConfig    `yaml:"smtp"`
	LogLevel    string        `yaml:"log_level"`
}

// ListenConfig defines the management API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// StorageConfig defines the event/subscription store backend.
type StorageConfig struct {
	// Driver names the backing store. Only "sqlite" is implemented by
	// the core; the field exists so a future backend can be selected
	// without changing the Store interface.
	Driver string `yaml:"driver"`
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
}

// MQTTConfig defines the pub/sub broker connection used by the
// ingestion processor.
type MQTTConfig struct {
	// BrokerURL is a tcp:// or ssl:// MQTT broker URL.
	BrokerURL string `yaml:"broker_url"`
	// ClientID identifies this process to the broker. Defaults to
	// "notifyd"; cmd/notifyd appends a stable per-install suffix
	// persisted under DataDir.
	ClientID string `yaml:"client_id"`
	// Topic is the inbound notification-envelope topic.
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// MaxInFlight bounds concurrent message processing.
	MaxInFlight int `yaml:"max_in_flight"`
}

// SMTPConfig defines the outbound email transport used by the email
// delivery provider.
type SMTPConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	UseSSL        bool   `yaml:"use_ssl"`
	DefaultSender string `yaml:"default_sender"`
}

// Configured reports whether the SMTP transport has enough information
// to attempt a send.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.DefaultSender != ""
}

// Configured reports whether the MQTT transport has enough information
// to connect.
func (c MQTTConfig) Configured() bool {
	return c.BrokerURL != "" && c.Topic != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${SMTP_PASSWORD}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.ServiceMode == "" {
		c.ServiceMode = ModeCombined
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "notify.db")
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "notifyd"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "notifications/ingest"
	}
	if c.MQTT.MaxInFlight == 0 {
		c.MQTT.MaxInFlight = 100
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	switch c.ServiceMode {
	case ModeCombined, ModeAPIOnly, ModePubSubOnly:
	default:
		return fmt.Errorf("service_mode %q is not one of combined, api-only, pubsub-only", c.ServiceMode)
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Storage.Driver != "sqlite" {
		return fmt.Errorf("storage.driver %q is not supported (only \"sqlite\")", c.Storage.Driver)
	}
	if c.MQTT.MaxInFlight < 1 {
		return fmt.Errorf("mqtt.max_in_flight must be >= 1, got %d", c.MQTT.MaxInFlight)
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("smtp.port %d out of range (1-65535)", c.SMTP.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if (c.ServiceMode == ModeCombined || c.ServiceMode == ModePubSubOnly) && !c.MQTT.Configured() {
		return fmt.Errorf("mqtt.broker_url and mqtt.topic are required when service_mode is %q", c.ServiceMode)
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against a loopback MQTT broker. All defaults are
// already applied.
func Default() *Config {
	cfg := &Config{
		MQTT: MQTTConfig{
			BrokerURL: "tcp://localhost:1883",
		},
	}
	cfg.applyDefaults()
	return cfg
}
