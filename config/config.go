package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Bounds on per-request resource fields. Requests outside these
// ranges are rejected at the server boundary.
const (
	MinTimeoutSec = 1
	MaxTimeoutSec = 300
	MinMemoryMB   = 1
	MaxMemoryMB   = 4096
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// ExecutorConfig holds execution engine configuration
type ExecutorConfig struct {
	Backend            string  `mapstructure:"backend"`
	Image              string  `mapstructure:"image"`
	Interpreter        string  `mapstructure:"interpreter"`
	DefaultTimeoutSec  int     `mapstructure:"default_timeout_sec"`
	DefaultMemoryMB    int     `mapstructure:"default_memory_mb"`
	DefaultCPUFraction float64 `mapstructure:"default_cpu_fraction"`
	DefaultIsolated    bool    `mapstructure:"default_isolated"`
	MaxCodeBytes       int     `mapstructure:"max_code_bytes"`
	MaxConcurrent      int     `mapstructure:"max_concurrent"`
	MonitorIntervalMs  int     `mapstructure:"monitor_interval_ms"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if path := os.Getenv("RUNBOX_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}

	// Set default values
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("executor.backend", "docker")
	v.SetDefault("executor.image", "python:3.11-slim")
	v.SetDefault("executor.interpreter", "python3")
	v.SetDefault("executor.default_timeout_sec", 30)
	v.SetDefault("executor.default_memory_mb", 128)
	v.SetDefault("executor.default_cpu_fraction", 0.5)
	v.SetDefault("executor.default_isolated", true)
	v.SetDefault("executor.max_code_bytes", 65536)
	v.SetDefault("executor.max_concurrent", 8)
	v.SetDefault("executor.monitor_interval_ms", 500)
	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Executor.Backend != "docker" && c.Executor.Backend != "podman" {
		return fmt.Errorf("unsupported executor.backend: %s", c.Executor.Backend)
	}

	if c.Executor.Image == "" {
		return fmt.Errorf("executor.image must not be empty")
	}

	if c.Executor.Interpreter == "" {
		return fmt.Errorf("executor.interpreter must not be empty")
	}

	if c.Executor.DefaultTimeoutSec < MinTimeoutSec || c.Executor.DefaultTimeoutSec > MaxTimeoutSec {
		return fmt.Errorf("executor.default_timeout_sec must be in [%d, %d], got: %d",
			MinTimeoutSec, MaxTimeoutSec, c.Executor.DefaultTimeoutSec)
	}

	if c.Executor.DefaultMemoryMB < MinMemoryMB || c.Executor.DefaultMemoryMB > MaxMemoryMB {
		return fmt.Errorf("executor.default_memory_mb must be in [%d, %d], got: %d",
			MinMemoryMB, MaxMemoryMB, c.Executor.DefaultMemoryMB)
	}

	if c.Executor.DefaultCPUFraction <= 0 || c.Executor.DefaultCPUFraction > 1.0 {
		return fmt.Errorf("executor.default_cpu_fraction must be in (0.0, 1.0], got: %g", c.Executor.DefaultCPUFraction)
	}

	if c.Executor.MaxCodeBytes <= 0 {
		return fmt.Errorf("executor.max_code_bytes must be positive, got: %d", c.Executor.MaxCodeBytes)
	}

	if c.Executor.MaxConcurrent <= 0 {
		return fmt.Errorf("executor.max_concurrent must be positive, got: %d", c.Executor.MaxConcurrent)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// DefaultTimeout returns the default execution timeout as a duration
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Executor.DefaultTimeoutSec) * time.Second
}

// MonitorInterval returns the usage sampling interval as a duration.
// Zero disables monitoring.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Executor.MonitorIntervalMs) * time.Millisecond
}
