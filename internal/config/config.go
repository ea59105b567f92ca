// Package config provides configuration management for the OnlyCat bridge.
// It handles loading and parsing the YAML configuration file and exposes the
// settings shared by the setup flow, the entry stores and the management API.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultGatewayURL is the Socket.IO websocket endpoint of the OnlyCat cloud.
	DefaultGatewayURL = "wss://gateway.onlycat.com/socket.io/?EIO=4&transport=websocket&platform=home-assistant&device=onlycat-bridge"

	// DefaultPort is the management API port used when none is configured.
	DefaultPort = 8318

	// DefaultEntryDir holds persisted config entries when entry-dir is empty.
	DefaultEntryDir = "~/.onlycat-bridge"

	defaultHandshakeTimeoutSeconds = 15
	defaultRequestTimeoutSeconds   = 30
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the management API binds.
	// Empty binds all interfaces.
	Host string `yaml:"host" json:"-"`

	// Port is the management API port.
	Port int `yaml:"port" json:"-"`

	// EntryDir is the directory where config entry JSON files are stored.
	EntryDir string `yaml:"entry-dir" json:"-"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile writes application logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB caps the total size of the log directory. Zero disables the cleaner.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// ProxyURL is the URL of an optional proxy server used for the OnlyCat connection.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// OnlyCat configures the remote gateway client.
	OnlyCat OnlyCatConfig `yaml:"onlycat" json:"onlycat"`

	// RemoteManagement configures access to the management API.
	RemoteManagement RemoteManagement `yaml:"remote-management" json:"-"`
}

// OnlyCatConfig holds the remote gateway settings.
type OnlyCatConfig struct {
	// GatewayURL overrides the websocket endpoint, mostly for testing.
	GatewayURL string `yaml:"gateway-url" json:"gateway-url"`

	// HandshakeTimeoutSeconds bounds the websocket and Socket.IO handshake.
	HandshakeTimeoutSeconds int `yaml:"handshake-timeout-seconds" json:"handshake-timeout-seconds"`

	// RequestTimeoutSeconds bounds a single acknowledged request such as the device probe.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds" json:"request-timeout-seconds"`

	// StrictUserID rejects a validated token when the gateway never reports a user profile.
	// When false the entry is keyed by the literal "None", matching older installations.
	StrictUserID bool `yaml:"strict-user-id" json:"strict-user-id"`
}

// RemoteManagement holds management API access settings.
type RemoteManagement struct {
	// AllowRemote toggles access from non-localhost clients.
	AllowRemote bool `yaml:"allow-remote"`
	// SecretKey is the management key, plaintext or bcrypt hashed. Empty disables the API.
	SecretKey string `yaml:"secret-key"`
}

// HandshakeTimeout returns the configured handshake timeout.
func (c *OnlyCatConfig) HandshakeTimeout() time.Duration {
	if c == nil || c.HandshakeTimeoutSeconds <= 0 {
		return defaultHandshakeTimeoutSeconds * time.Second
	}
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// RequestTimeout returns the configured request timeout.
func (c *OnlyCatConfig) RequestTimeout() time.Duration {
	if c == nil || c.RequestTimeoutSeconds <= 0 {
		return defaultRequestTimeoutSeconds * time.Second
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct and applies defaults.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile.
// If optional is true and the file is missing or empty, it returns a default Config.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			cfg := &Config{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		if optional {
			cfg := &Config{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("config file %s is empty", configFile)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with their defaults and normalizes strings.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	c.Host = strings.TrimSpace(c.Host)
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	c.EntryDir = strings.TrimSpace(c.EntryDir)
	if c.EntryDir == "" {
		c.EntryDir = DefaultEntryDir
	}
	c.ProxyURL = strings.TrimSpace(c.ProxyURL)
	c.OnlyCat.GatewayURL = strings.TrimSpace(c.OnlyCat.GatewayURL)
	if c.OnlyCat.GatewayURL == "" {
		c.OnlyCat.GatewayURL = DefaultGatewayURL
	}
	if c.OnlyCat.HandshakeTimeoutSeconds <= 0 {
		c.OnlyCat.HandshakeTimeoutSeconds = defaultHandshakeTimeoutSeconds
	}
	if c.OnlyCat.RequestTimeoutSeconds <= 0 {
		c.OnlyCat.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if c.LogsMaxTotalSizeMB < 0 {
		c.LogsMaxTotalSizeMB = 0
	}
	c.RemoteManagement.SecretKey = strings.TrimSpace(c.RemoteManagement.SecretKey)
}
