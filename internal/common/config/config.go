// Package config provides configuration management for the platform.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the platform.
type Config struct {
	Manager  ManagerConfig  `mapstructure:"manager"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	History  HistoryConfig  `mapstructure:"history"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ManagerConfig holds the control-plane HTTP server configuration.
type ManagerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// Addr returns the listen address for the control-plane server.
func (m *ManagerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// BaseURL returns the address child processes use to reach the control
// plane. A wildcard bind host is rewritten to localhost since children run
// on the same machine.
func (m *ManagerConfig) BaseURL() string {
	host := m.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, m.Port)
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (m *ManagerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(m.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (m *ManagerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(m.WriteTimeout) * time.Second
}

// RedisConfig holds the Redis connection configuration shared by the bus,
// the status store, and the history queue.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// DatabaseConfig holds the relational store configuration. The URL scheme
// selects the backend: postgres:// uses pgx, anything else is treated as a
// SQLite path. An empty URL selects the in-memory store (development mode).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// WorkerConfig holds the child-process launch configuration.
type WorkerConfig struct {
	// AgentBin is the agent worker executable, resolved via PATH when relative.
	AgentBin string `mapstructure:"agentBin"`

	// IntegrationBin is the integration worker executable.
	IntegrationBin string `mapstructure:"integrationBin"`

	// StopTimeout is the graceful-stop window in seconds before escalation.
	StopTimeout int `mapstructure:"stopTimeout"`
}

// StopTimeoutDuration returns the graceful-stop window as a time.Duration.
func (w *WorkerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(w.StopTimeout) * time.Second
}

// SweeperConfig holds the inactivity sweeper configuration.
type SweeperConfig struct {
	InactivityTimeout int `mapstructure:"inactivityTimeout"` // in seconds
	CheckInterval     int `mapstructure:"checkInterval"`     // in seconds
}

// InactivityTimeoutDuration returns the idle threshold as a time.Duration.
func (s *SweeperConfig) InactivityTimeoutDuration() time.Duration {
	return time.Duration(s.InactivityTimeout) * time.Second
}

// CheckIntervalDuration returns the sweep interval as a time.Duration.
func (s *SweeperConfig) CheckIntervalDuration() time.Duration {
	return time.Duration(s.CheckInterval) * time.Second
}

// HistoryConfig holds the history persister configuration.
type HistoryConfig struct {
	QueueName string `mapstructure:"queueName"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("BOTFLEET_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Manager defaults
	v.SetDefault("manager.host", "0.0.0.0")
	v.SetDefault("manager.port", 8090)
	v.SetDefault("manager.readTimeout", 30)
	v.SetDefault("manager.writeTimeout", 30)

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	// Database defaults - empty URL means use the in-memory store
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Worker defaults
	v.SetDefault("worker.agentBin", "botfleet-agent-worker")
	v.SetDefault("worker.integrationBin", "botfleet-integration-worker")
	v.SetDefault("worker.stopTimeout", 30)

	// Sweeper defaults
	v.SetDefault("sweeper.inactivityTimeout", 1800)
	v.SetDefault("sweeper.checkInterval", 300)

	// History defaults
	v.SetDefault("history.queueName", "chat_history_queue")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BOTFLEET_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/botfleet/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BOTFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the unprefixed env vars of the deployment
	// contract. AutomaticEnv does not handle camelCase to SNAKE_CASE
	// conversion, so keys where the env var naming differs from the config
	// key naming are bound here as well.
	_ = v.BindEnv("redis.url", "REDIS_URL", "BOTFLEET_REDIS_URL")
	_ = v.BindEnv("database.url", "DATABASE_URL", "BOTFLEET_DATABASE_URL")
	_ = v.BindEnv("manager.host", "MANAGER_HOST", "BOTFLEET_MANAGER_HOST")
	_ = v.BindEnv("manager.port", "MANAGER_PORT", "BOTFLEET_MANAGER_PORT")
	_ = v.BindEnv("sweeper.inactivityTimeout", "AGENT_INACTIVITY_TIMEOUT")
	_ = v.BindEnv("sweeper.checkInterval", "AGENT_INACTIVITY_CHECK_INTERVAL")
	_ = v.BindEnv("history.queueName", "REDIS_HISTORY_QUEUE_NAME")
	_ = v.BindEnv("worker.agentBin", "AGENT_WORKER_BIN")
	_ = v.BindEnv("worker.integrationBin", "INTEGRATION_WORKER_BIN")
	_ = v.BindEnv("worker.stopTimeout", "AGENT_STOP_TIMEOUT")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "BOTFLEET_LOGGING_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT", "BOTFLEET_LOGGING_FORMAT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/botfleet/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Manager.Port <= 0 || cfg.Manager.Port > 65535 {
		errs = append(errs, "manager.port must be between 1 and 65535")
	}

	if cfg.Redis.URL == "" {
		errs = append(errs, "redis.url is required")
	}

	if cfg.Worker.StopTimeout <= 0 {
		errs = append(errs, "worker.stopTimeout must be positive")
	}

	if cfg.Sweeper.InactivityTimeout <= 0 {
		errs = append(errs, "sweeper.inactivityTimeout must be positive")
	}
	if cfg.Sweeper.CheckInterval <= 0 {
		errs = append(errs, "sweeper.checkInterval must be positive")
	}

	if cfg.History.QueueName == "" {
		errs = append(errs, "history.queueName is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
