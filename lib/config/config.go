// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment names the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// EnvironmentVariable names the variable Load reads the path from.
const EnvironmentVariable = "SPARK_CONFIG"

// Config is the full SDK configuration.
type Config struct {
	Environment Environment       `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Device      DeviceConfig      `yaml:"device"`
	KeyExchange KeyExchangeConfig `yaml:"key_exchange"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides are the fields an environment section may replace.
type Overrides struct {
	Server      *ServerConfig      `yaml:"server,omitempty"`
	KeyExchange *KeyExchangeConfig `yaml:"key_exchange,omitempty"`
	Storage     *StorageConfig     `yaml:"storage,omitempty"`
	Logging     *LoggingConfig     `yaml:"logging,omitempty"`
}

// ServerConfig locates the messaging backend and the KMS relay.
type ServerConfig struct {
	// URL is the conversation API base, for example
	// https://conv.example.com/conversation/api/v1.
	URL string `yaml:"url"`
	// KMSURL is the base that /kms/messages is posted to. Empty means
	// URL.
	KMSURL string `yaml:"kms_url"`
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DeviceConfig identifies this client to the KMS.
type DeviceConfig struct {
	// URL is the registered device URL, sent as the KMS clientId.
	URL string `yaml:"url"`
}

// KeyExchangeConfig tunes the ephemeral-key handshake.
type KeyExchangeConfig struct {
	// EphemeralKeyTimeout is how long to wait for the handshake
	// response before failing queued operations.
	EphemeralKeyTimeout time.Duration `yaml:"ephemeral_key_timeout"`
}

// StorageConfig locates local state.
type StorageConfig struct {
	// ClientInfoPath is the SQLite file caching bootstrap client
	// info. Empty disables the cache.
	ClientInfoPath string `yaml:"client_info_path"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration that file values are merged into.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			RequestTimeout: 30 * time.Second,
		},
		KeyExchange: KeyExchangeConfig{
			EphemeralKeyTimeout: 20 * time.Second,
		},
		Storage: StorageConfig{
			ClientInfoPath: filepath.Join("${HOME}", ".cache", "spark", "client.db"),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the file named by SPARK_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; set it to the path of your spark.yaml or pass --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile reads path over Default, applies the active environment
// section and expands variables. It does not validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is LoadFile for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: parsing YAML: %w", err)
	}
	config.applyEnvironmentOverrides()
	config.expandVariables()
	return config, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if server := overrides.Server; server != nil {
		if server.URL != "" {
			c.Server.URL = server.URL
		}
		if server.KMSURL != "" {
			c.Server.KMSURL = server.KMSURL
		}
		if server.RequestTimeout != 0 {
			c.Server.RequestTimeout = server.RequestTimeout
		}
	}
	if exchange := overrides.KeyExchange; exchange != nil && exchange.EphemeralKeyTimeout != 0 {
		c.KeyExchange.EphemeralKeyTimeout = exchange.EphemeralKeyTimeout
	}
	if storage := overrides.Storage; storage != nil && storage.ClientInfoPath != "" {
		c.Storage.ClientInfoPath = storage.ClientInfoPath
	}
	if logging := overrides.Logging; logging != nil && logging.Level != "" {
		c.Logging.Level = logging.Level
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func (c *Config) expandVariables() {
	c.Storage.ClientInfoPath = expandVars(c.Storage.ClientInfoPath)
}

func expandVars(value string) string {
	return varPattern.ReplaceAllStringFunc(value, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if resolved := os.Getenv(parts[1]); resolved != "" {
			return resolved
		}
		return parts[2]
	})
}

// KMSBaseURL returns Server.KMSURL, falling back to Server.URL.
func (c *Config) KMSBaseURL() string {
	if c.Server.KMSURL != "" {
		return c.Server.KMSURL
	}
	return c.Server.URL
}

// LogLevel parses Logging.Level. Validate rejects unknown values.
func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	if err := validateURL("server.url", c.Server.URL, true); err != nil {
		errs = append(errs, err)
	}
	if err := validateURL("server.kms_url", c.Server.KMSURL, false); err != nil {
		errs = append(errs, err)
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout must be positive"))
	}
	if c.Device.URL == "" {
		errs = append(errs, fmt.Errorf("device.url is required"))
	}
	if c.KeyExchange.EphemeralKeyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("key_exchange.ephemeral_key_timeout must be positive"))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error: %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

func validateURL(field, value string, required bool) error {
	if value == "" {
		if required {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must be an http or https URL: %q", field, value)
	}
	return nil
}
