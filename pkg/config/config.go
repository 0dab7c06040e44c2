/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables used to configure the plugin connector
	EnvPrefix = "PLUGIN_CONNECTOR_"

	// RetryPolicyFixed waits the same delay between every connection attempt
	RetryPolicyFixed = "fixed"
	// RetryPolicyExponential doubles the delay after every failed attempt up to a cap
	RetryPolicyExponential = "exponential"
)

// Config holds all configuration for the plugin connector
type Config struct {
	Connector ConnectorConfig `koanf:"connector"`
	Admin     AdminConfig     `koanf:"admin"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ConnectorConfig holds the orchestration server connection configuration
type ConnectorConfig struct {
	Endpoint       string          `koanf:"endpoint"`        // Orchestration server websocket URL
	KeepConnected  bool            `koanf:"keep_connected"`  // Connect on start and keep reconnecting
	AttemptTimeout time.Duration   `koanf:"attempt_timeout"` // Upper bound for a single connection attempt
	SettleDelay    time.Duration   `koanf:"settle_delay"`    // Pause after a session is created, before the first attempt
	Retry          RetryConfig     `koanf:"retry"`
	Handshake      HandshakeConfig `koanf:"handshake"`
	Transport      TransportConfig `koanf:"transport"`
}

// RetryConfig selects and tunes the reconnection policy
type RetryConfig struct {
	Policy      string        `koanf:"policy"`       // "fixed" or "exponential"
	Delay       time.Duration `koanf:"delay"`        // Delay for the fixed policy
	Initial     time.Duration `koanf:"initial"`      // Initial delay for the exponential policy
	Max         time.Duration `koanf:"max"`          // Maximum delay for the exponential policy
	Jitter      float64       `koanf:"jitter"`       // Jitter fraction for the exponential policy (0.0 - 1.0)
	MaxAttempts int           `koanf:"max_attempts"` // 0 retries until disconnected
}

// HandshakeConfig holds version handshake configuration
type HandshakeConfig struct {
	// PluginVersion reported to the server. Empty means the build version.
	PluginVersion string `koanf:"plugin_version"`

	// HostVersion reported to the server. Empty means the Go runtime version.
	HostVersion string `koanf:"host_version"`

	// RequireCompatible disconnects when the server reports an incompatible version.
	// When false the handshake result is only logged.
	RequireCompatible bool `koanf:"require_compatible"`

	// Timeout bounds the handshake request
	Timeout time.Duration `koanf:"timeout"`
}

// TransportConfig holds websocket transport tuning
type TransportConfig struct {
	DialTimeout        time.Duration `koanf:"dial_timeout"`
	WriteTimeout       time.Duration `koanf:"write_timeout"`
	HeartbeatInterval  time.Duration `koanf:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `koanf:"heartbeat_timeout"`
	MaxMessageSize     int64         `koanf:"max_message_size"`
	Token              string        `koanf:"token"` // Sent as the api-key header when set
	InsecureSkipVerify bool          `koanf:"insecure_skip_verify"`
}

// AdminConfig holds the admin HTTP API configuration
type AdminConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus metrics server configuration
type MetricsConfig struct {
	// Enabled indicates whether the metrics server should be started
	Enabled bool `koanf:"enabled"`

	// Port is the port for the metrics HTTP server
	Port int `koanf:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // "debug", "info", "warn", "error"
	Format string `koanf:"format"` // "json" (default) or "console"
}

// LoadConfig loads configuration from file, environment variables, and defaults
// Priority: Environment variables > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	k := koanf.New(".")

	// A missing file is fine, defaults and environment still apply
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal into Config struct with DecodeHook for duration strings
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// envKeyMapper maps PLUGIN_CONNECTOR_ prefixed variables onto koanf keys
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)

	// Shorthands for the two values operators set most often
	switch s {
	case "endpoint", "url":
		return "connector.endpoint"
	case "keep_connected":
		return "connector.keep_connected"
	}

	// Step 1: Convert double underscore "__" into a temporary placeholder
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	// Step 2: Convert single "_" into "."
	s = strings.ReplaceAll(s, "_", ".")
	// Step 3: Convert placeholder back into literal "_"
	s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
	return s
}

// DefaultConfig returns a Config struct with default configuration values
func DefaultConfig() *Config {
	return &Config{
		Connector: ConnectorConfig{
			Endpoint:       "ws://localhost:8090/hub/plugin",
			KeepConnected:  true,
			AttemptTimeout: 30 * time.Second,
			SettleDelay:    100 * time.Millisecond,
			Retry: RetryConfig{
				Policy:      RetryPolicyFixed,
				Delay:       5 * time.Second,
				Initial:     1 * time.Second,
				Max:         5 * time.Minute,
				Jitter:      0.25,
				MaxAttempts: 0,
			},
			Handshake: HandshakeConfig{
				RequireCompatible: false,
				Timeout:           10 * time.Second,
			},
			Transport: TransportConfig{
				DialTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				HeartbeatInterval: 15 * time.Second,
				HeartbeatTimeout:  35 * time.Second,
				MaxMessageSize:    16 << 20,
			},
		},
		Admin: AdminConfig{
			Enabled:         true,
			Port:            9095,
			ShutdownTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateConnector(); err != nil {
		return err
	}

	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		return fmt.Errorf("admin.port must be between 1 and 65535, got: %d", c.Admin.Port)
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got: %d", c.Metrics.Port)
	}

	if c.Metrics.Enabled && c.Admin.Enabled && c.Metrics.Port == c.Admin.Port {
		return fmt.Errorf("metrics.port and admin.port must differ, both are %d", c.Admin.Port)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got: %s", c.Logging.Level)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console", "text":
	default:
		return fmt.Errorf("logging.format must be either 'json' or 'console', got: %s", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateConnector() error {
	if err := ValidateEndpoint(c.Connector.Endpoint); err != nil {
		return fmt.Errorf("connector.endpoint: %w", err)
	}

	if c.Connector.AttemptTimeout <= 0 {
		return fmt.Errorf("connector.attempt_timeout must be positive, got: %s", c.Connector.AttemptTimeout)
	}

	if c.Connector.SettleDelay < 0 {
		return fmt.Errorf("connector.settle_delay must not be negative, got: %s", c.Connector.SettleDelay)
	}

	retry := c.Connector.Retry
	switch retry.Policy {
	case RetryPolicyFixed:
		if retry.Delay <= 0 {
			return fmt.Errorf("connector.retry.delay must be positive, got: %s", retry.Delay)
		}
	case RetryPolicyExponential:
		if retry.Initial <= 0 {
			return fmt.Errorf("connector.retry.initial must be positive, got: %s", retry.Initial)
		}
		if retry.Max < retry.Initial {
			return fmt.Errorf("connector.retry.max (%s) must be >= connector.retry.initial (%s)", retry.Max, retry.Initial)
		}
		if retry.Jitter < 0 || retry.Jitter > 1 {
			return fmt.Errorf("connector.retry.jitter must be between 0.0 and 1.0, got: %f", retry.Jitter)
		}
	default:
		return fmt.Errorf("connector.retry.policy must be one of: %s, %s, got: %s",
			RetryPolicyFixed, RetryPolicyExponential, retry.Policy)
	}

	if retry.MaxAttempts < 0 {
		return fmt.Errorf("connector.retry.max_attempts must not be negative, got: %d", retry.MaxAttempts)
	}

	if c.Connector.Handshake.Timeout <= 0 {
		return fmt.Errorf("connector.handshake.timeout must be positive, got: %s", c.Connector.Handshake.Timeout)
	}

	t := c.Connector.Transport
	if t.DialTimeout <= 0 || t.WriteTimeout <= 0 {
		return fmt.Errorf("connector.transport dial_timeout and write_timeout must be positive")
	}
	if t.HeartbeatInterval > 0 && t.HeartbeatTimeout <= t.HeartbeatInterval {
		return fmt.Errorf("connector.transport.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			t.HeartbeatTimeout, t.HeartbeatInterval)
	}
	if t.MaxMessageSize < 0 {
		return fmt.Errorf("connector.transport.max_message_size must not be negative, got: %d", t.MaxMessageSize)
	}

	return nil
}

// ValidateEndpoint checks that an endpoint is an absolute ws, wss, http or https URL with a host
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return errors.New("endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return nil
}
