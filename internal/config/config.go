package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	RequireAuth bool   `mapstructure:"require_auth" yaml:"require_auth"`

	// MaxMessageBytes caps a single inbound WebSocket frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	// InboundRatePerSecond limits control frames per connection; 0 disables limiting.
	InboundRatePerSecond float64       `mapstructure:"inbound_rate_per_second" yaml:"inbound_rate_per_second"`
	InboundBurst         int           `mapstructure:"inbound_burst" yaml:"inbound_burst"`
	HelloTimeout         time.Duration `mapstructure:"hello_timeout" yaml:"hello_timeout"`

	// ParticipantScopedUpdates delivers created/newParticipant only to connections
	// whose identity is a participant of the chat.
	ParticipantScopedUpdates bool `mapstructure:"participant_scoped_updates" yaml:"participant_scoped_updates"`

	// NATSURL enables cross-instance fan-out when non-empty.
	NATSURL     string `mapstructure:"nats_url" yaml:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject" yaml:"nats_subject"`

	MetricsEnabled bool `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:                 ":8080",
		ReadHeaderTimeout:    5 * time.Second,
		ShutdownTimeout:      5 * time.Second,
		LogLevel:             "info",
		LogFormat:            "console",
		DatabasePath:         "wirechat.db",
		JWTIssuer:            "wirechat",
		JWTAudience:          "wirechat-clients",
		MaxMessageBytes:      1 << 20,
		InboundRatePerSecond: 20,
		InboundBurst:         40,
		HelloTimeout:         10 * time.Second,
		NATSSubject:          "wirechat.updates",
		MetricsEnabled:       true,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.JWTSecret != "" {
		c.JWTSecret = other.JWTSecret
	}
	if other.RequireAuth {
		c.RequireAuth = true
	}
	if other.ParticipantScopedUpdates {
		c.ParticipantScopedUpdates = true
	}
	if other.NATSURL != "" {
		c.NATSURL = other.NATSURL
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is empty"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database_path is empty"))
	}
	if c.RequireAuth && c.JWTSecret == "" {
		errs = append(errs, errors.New("require_auth needs jwt_secret"))
	}
	if c.InboundRatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("inbound_rate_per_second must not be negative, got %v", c.InboundRatePerSecond))
	}
	if c.InboundRatePerSecond > 0 && c.InboundBurst < 1 {
		errs = append(errs, fmt.Errorf("inbound_burst must be at least 1 when rate limiting, got %d", c.InboundBurst))
	}
	if c.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("max_message_bytes must not be negative, got %d", c.MaxMessageBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
