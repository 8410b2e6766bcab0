// Package config provides configuration management for the token registry.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MaxTokenTTL is the upper bound for the fresh-token lifetime (one year).
	MaxTokenTTL = 365 * 24 * 3600
	// MaxUsedTokenTTL is the upper bound for the grace window after a token is used.
	MaxUsedTokenTTL = 3600
)

// Config represents the token registry configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Tokens  TokensConfig  `yaml:"tokens"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	Breaker BreakerConfig `yaml:"breaker"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig represents the ops HTTP server configuration.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// StorageConfig represents storage backend configuration.
type StorageConfig struct {
	Type  string      `yaml:"type"` // redis, memory
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig represents Redis connection configuration.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	DialTimeout  int    `yaml:"dial_timeout"`  // seconds
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// TokensConfig represents token lifecycle configuration.
type TokensConfig struct {
	// TTL is the lifetime of a fresh token record, in seconds.
	TTL int `yaml:"ttl"`
	// UsedTokenTTL is the grace lifetime after a token is marked used, in seconds.
	// It keeps replay evidence observable for a short window.
	UsedTokenTTL int `yaml:"used_token_ttl"`
	// TokenPrefix is the key prefix for token records.
	TokenPrefix string `yaml:"token_prefix"`
	// UserPrefix is the key prefix for per-user index sets.
	UserPrefix string `yaml:"user_prefix"`
	// MaxTokenLength is the token-string rejection threshold.
	MaxTokenLength int `yaml:"max_token_length"`
	// MaxDevicesPerUser is the advisory device limit enforced on save.
	MaxDevicesPerUser int `yaml:"max_devices_per_user"`
	// MaxBatchSize caps the input length of a batch save.
	MaxBatchSize int `yaml:"max_batch_size"`
	// StatsCacheTTL is the freshness window of the per-user stats hash, in seconds.
	StatsCacheTTL int `yaml:"stats_cache_ttl"`
}

// CleanupConfig represents the orphan sweep configuration.
type CleanupConfig struct {
	// Enabled gates the scheduled sweep. Manual sweeps work regardless.
	Enabled bool `yaml:"enabled"`
	// Interval between sweeps, in seconds. Hourly runs align to the top
	// of the hour in UTC.
	Interval int `yaml:"interval"`
	// ScanCount is the SCAN batch size when enumerating user indices.
	ScanCount int `yaml:"scan_count"`
}

// BreakerConfig represents circuit breaker configuration.
type BreakerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Timeout is the per-call deadline for most operations, in seconds.
	Timeout int `yaml:"timeout"`
	// StatsTimeout is the per-call deadline for stats aggregation, in seconds.
	StatsTimeout int `yaml:"stats_timeout"`
	// BatchTimeout is the per-call deadline for batch saves, in seconds.
	BatchTimeout int `yaml:"batch_timeout"`
	// HealthTimeout is the per-call deadline for health probes, in seconds.
	HealthTimeout int `yaml:"health_timeout"`
	// ErrorThresholdPercentage is the failure ratio that opens the breaker.
	ErrorThresholdPercentage int `yaml:"error_threshold_percentage"`
	// ResetTimeout is how long an open breaker waits before half-open, in seconds.
	ResetTimeout int `yaml:"reset_timeout"`
	// RollingWindow is the failure-counting window, in seconds.
	RollingWindow int `yaml:"rolling_window"`
	// MinRequests is the minimum sample size before the threshold applies.
	MinRequests int `yaml:"min_requests"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8084,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Storage: StorageConfig{
			Type: "redis",
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				DialTimeout:  5,
				ReadTimeout:  3,
				WriteTimeout: 3,
			},
		},
		Tokens: TokensConfig{
			TTL:               604800,
			UsedTokenTTL:      300,
			TokenPrefix:       "refresh",
			UserPrefix:        "user_tokens",
			MaxTokenLength:    255,
			MaxDevicesPerUser: 10,
			MaxBatchSize:      300,
			StatsCacheTTL:     300,
		},
		Cleanup: CleanupConfig{
			Enabled:   true,
			Interval:  3600,
			ScanCount: 100,
		},
		Breaker: BreakerConfig{
			Enabled:                  true,
			Timeout:                  5,
			StatsTimeout:             8,
			BatchTimeout:             10,
			HealthTimeout:            2,
			ErrorThresholdPercentage: 50,
			ResetTimeout:             30,
			RollingWindow:            10,
			MinRequests:              10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 -- path is from command-line argument, user-controlled input is expected
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the config file
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TOKEN_REGISTRY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("TOKEN_REGISTRY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("TOKEN_REGISTRY_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("TOKEN_REGISTRY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	// Redis overrides
	if v := os.Getenv("TOKEN_REGISTRY_REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("TOKEN_REGISTRY_REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("TOKEN_REGISTRY_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Storage.Redis.DB = db
		}
	}

	// Token lifecycle overrides
	if v := os.Getenv("TOKEN_REGISTRY_TOKEN_TTL"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			c.Tokens.TTL = ttl
		}
	}
	if v := os.Getenv("TOKEN_REGISTRY_USED_TOKEN_TTL"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			c.Tokens.UsedTokenTTL = ttl
		}
	}
	if v := os.Getenv("TOKEN_REGISTRY_MAX_DEVICES_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Tokens.MaxDevicesPerUser = n
		}
	}

	// Cleanup overrides
	if v := os.Getenv("TOKEN_REGISTRY_CLEANUP_ENABLED"); v != "" {
		c.Cleanup.Enabled = strings.ToLower(v) == "true" || v == "1"
	}

	// Breaker overrides
	if v := os.Getenv("TOKEN_REGISTRY_BREAKER_ENABLED"); v != "" {
		c.Breaker.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validStorageTypes := map[string]bool{
		"redis":  true,
		"memory": true,
	}
	if !validStorageTypes[c.Storage.Type] {
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}
	if c.Storage.Type == "redis" && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when storage type is redis")
	}

	if c.Tokens.TTL < 1 || c.Tokens.TTL > MaxTokenTTL {
		return fmt.Errorf("token ttl out of range [1, %d]: %d", MaxTokenTTL, c.Tokens.TTL)
	}
	if c.Tokens.UsedTokenTTL < 1 || c.Tokens.UsedTokenTTL > MaxUsedTokenTTL {
		return fmt.Errorf("used token ttl out of range [1, %d]: %d", MaxUsedTokenTTL, c.Tokens.UsedTokenTTL)
	}
	if c.Tokens.TokenPrefix == "" {
		return fmt.Errorf("token prefix must not be empty")
	}
	if c.Tokens.UserPrefix == "" {
		return fmt.Errorf("user prefix must not be empty")
	}
	if c.Tokens.MaxTokenLength < 1 {
		return fmt.Errorf("invalid max token length: %d", c.Tokens.MaxTokenLength)
	}
	if c.Tokens.MaxDevicesPerUser < 1 {
		return fmt.Errorf("invalid max devices per user: %d", c.Tokens.MaxDevicesPerUser)
	}
	if c.Tokens.MaxBatchSize < 1 {
		return fmt.Errorf("invalid max batch size: %d", c.Tokens.MaxBatchSize)
	}
	if c.Tokens.StatsCacheTTL < 1 {
		return fmt.Errorf("invalid stats cache ttl: %d", c.Tokens.StatsCacheTTL)
	}

	if c.Cleanup.Interval < 1 {
		return fmt.Errorf("invalid cleanup interval: %d", c.Cleanup.Interval)
	}
	if c.Cleanup.ScanCount < 1 {
		return fmt.Errorf("invalid cleanup scan count: %d", c.Cleanup.ScanCount)
	}

	if c.Breaker.ErrorThresholdPercentage < 1 || c.Breaker.ErrorThresholdPercentage > 100 {
		return fmt.Errorf("invalid breaker error threshold percentage: %d", c.Breaker.ErrorThresholdPercentage)
	}
	if c.Breaker.Timeout < 1 || c.Breaker.ResetTimeout < 1 || c.Breaker.RollingWindow < 1 {
		return fmt.Errorf("breaker timeouts must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// Address returns the server address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// TokenTTL returns the fresh-token lifetime as a duration.
func (c *TokensConfig) TokenTTL() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// UsedTTL returns the grace window as a duration.
func (c *TokensConfig) UsedTTL() time.Duration {
	return time.Duration(c.UsedTokenTTL) * time.Second
}

// StatsTTL returns the stats cache freshness window as a duration.
func (c *TokensConfig) StatsTTL() time.Duration {
	return time.Duration(c.StatsCacheTTL) * time.Second
}
