// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Forwarding ForwardingConfig `yaml:"forwarding"`
	Settlement SettlementConfig `yaml:"settlement"`
	Chain      ChainConfig      `yaml:"chain"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// An empty host selects the in-memory store, intended for development only.
type DatabaseConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// RedisConfig contains settings for the optional Redis-backed rate limiter.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig contains credential verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	DefaultWindowSeconds int           `yaml:"default_window_seconds"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	FailOpen             bool          `yaml:"fail_open"`
	AnonymousRPM         int           `yaml:"anonymous_rpm"`
	AnonymousBurst       int           `yaml:"anonymous_burst"`
}

// ForwardingConfig contains upstream forwarding settings.
type ForwardingConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	BaseRetryDelay time.Duration `yaml:"base_retry_delay"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

// SettlementConfig contains settlement engine settings.
type SettlementConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

// ChainConfig contains ledger chain client settings.
type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	ChainID        uint64        `yaml:"chain_id"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Confirmations  uint64        `yaml:"confirmations"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"` // 0 = wait indefinitely
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC endpoint
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Port:         5432,
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			ConnLifetime: 5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			DefaultWindowSeconds: 3600,
			SweepInterval:        time.Minute,
			AnonymousRPM:         60,
			AnonymousBurst:       10,
		},
		Forwarding: ForwardingConfig{
			DefaultTimeout: 30 * time.Second,
			RetryAttempts:  1,
			BaseRetryDelay: 100 * time.Millisecond,
			MaxBodyBytes:   10 * 1024 * 1024,
		},
		Settlement: SettlementConfig{
			Enabled:   false,
			BatchSize: 100,
			Interval:  time.Hour,
		},
		Chain: ChainConfig{
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			PollInterval:  2 * time.Second,
			Confirmations: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "gateway",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.RateLimit.DefaultWindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.default_window_seconds must be positive")
	}
	if c.RateLimit.AnonymousRPM < 0 {
		return fmt.Errorf("rate_limit.anonymous_rpm cannot be negative")
	}

	if c.Forwarding.DefaultTimeout <= 0 {
		return fmt.Errorf("forwarding.default_timeout must be positive")
	}
	if c.Forwarding.BaseRetryDelay <= 0 {
		return fmt.Errorf("forwarding.base_retry_delay must be positive")
	}
	if c.Forwarding.RetryAttempts < 1 {
		return fmt.Errorf("forwarding.retry_attempts must be at least 1")
	}

	if c.Settlement.Enabled {
		if c.Settlement.BatchSize <= 0 {
			return fmt.Errorf("settlement.batch_size must be positive")
		}
		if c.Settlement.Interval <= 0 {
			return fmt.Errorf("settlement.interval must be positive")
		}
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain.rpc_url is required when settlement is enabled")
		}
	}

	if c.Chain.RetryAttempts <= 0 {
		return fmt.Errorf("chain.retry_attempts must be positive")
	}
	if c.Chain.PollInterval <= 0 {
		return fmt.Errorf("chain.poll_interval must be positive")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
		}
	}

	return nil
}
