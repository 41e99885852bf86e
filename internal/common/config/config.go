// Package config provides configuration management for the coordinator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Events   EventsConfig   `mapstructure:"events"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Blueprint BlueprintConfig `mapstructure:"blueprint"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string   `mapstructure:"addr"`
	ReadTimeout     int      `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout    int      `mapstructure:"writeTimeout"` // in seconds
	ShutdownTimeout int      `mapstructure:"shutdownTimeout"`
	CORSOrigins     []string `mapstructure:"corsOrigins"`
}

// StoreConfig holds durable store connection configuration.
// Driver is inferred from the URL scheme: "sqlite://" or "postgres://".
type StoreConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// EventsConfig holds event bus tuning.
type EventsConfig struct {
	SubscriberBufferSize int `mapstructure:"subscriberBufferSize"`
}

// RunnerConfig holds runner scheduling and liveness configuration.
type RunnerConfig struct {
	PollTimeout        int `mapstructure:"pollTimeout"`        // long-poll duration, seconds
	HeartbeatInterval  int `mapstructure:"heartbeatInterval"`  // expected heartbeat cadence, seconds
	HeartbeatStale     int `mapstructure:"heartbeatStale"`     // seconds since last heartbeat before "stale"
	HeartbeatTimeout   int `mapstructure:"heartbeatTimeout"`   // seconds since last heartbeat before "offline"
	NoMatchTimeout     int `mapstructure:"noMatchTimeout"`     // seconds a run may wait unmatched before failing
	SweepInterval      int `mapstructure:"sweepInterval"`      // timeout sweeper tick, seconds
}

// RecoveryConfig holds crash-recovery sweep configuration.
type RecoveryConfig struct {
	// Mode is one of "none", "stale", "all".
	Mode string `mapstructure:"mode"`
}

// BlueprintConfig holds blueprint discovery configuration.
type BlueprintConfig struct {
	AgentsDir string `mapstructure:"agentsDir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the graceful-shutdown grace period.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// PollTimeoutDuration returns the long-poll wait as a time.Duration.
func (r *RunnerConfig) PollTimeoutDuration() time.Duration {
	return time.Duration(r.PollTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the expected heartbeat cadence.
func (r *RunnerConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(r.HeartbeatInterval) * time.Second
}

// HeartbeatStaleDuration returns the stale threshold.
func (r *RunnerConfig) HeartbeatStaleDuration() time.Duration {
	return time.Duration(r.HeartbeatStale) * time.Second
}

// HeartbeatTimeoutDuration returns the offline threshold.
func (r *RunnerConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(r.HeartbeatTimeout) * time.Second
}

// NoMatchTimeoutDuration returns the demand-mismatch grace period.
func (r *RunnerConfig) NoMatchTimeoutDuration() time.Duration {
	return time.Duration(r.NoMatchTimeout) * time.Second
}

// SweepIntervalDuration returns the background sweep tick.
func (r *RunnerConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(r.SweepInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("COORDINATOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.readTimeout", 30)
	// 0 disables net/http's write deadline. The session event stream and
	// the runner long-poll both hold the response writer open for as long
	// as their own timeouts allow, which a nonzero WriteTimeout would cut
	// out from under them.
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.shutdownTimeout", 30)
	v.SetDefault("server.corsOrigins", []string{"*"})

	v.SetDefault("store.url", "sqlite://./coordinator.db")
	v.SetDefault("store.maxConns", 25)
	v.SetDefault("store.minConns", 5)

	v.SetDefault("events.subscriberBufferSize", 64)

	v.SetDefault("runner.pollTimeout", 30)
	v.SetDefault("runner.heartbeatInterval", 60)
	v.SetDefault("runner.heartbeatStale", 120)
	v.SetDefault("runner.heartbeatTimeout", 300)
	v.SetDefault("runner.noMatchTimeout", 300)
	v.SetDefault("runner.sweepInterval", 10)

	v.SetDefault("recovery.mode", "stale")

	v.SetDefault("blueprint.agentsDir", "./agents")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables recognized at the top level follow spec naming directly
// (POLL_TIMEOUT, HEARTBEAT_INTERVAL, HEARTBEAT_TIMEOUT, NO_MATCH_TIMEOUT,
// RECOVERY_MODE, CORS_ORIGINS, AGENTS_DIR, STORE_URL) in addition to the
// COORDINATOR_-prefixed nested form viper derives automatically.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the flat env var names spec.md §6 mandates.
	_ = v.BindEnv("runner.pollTimeout", "POLL_TIMEOUT")
	_ = v.BindEnv("runner.heartbeatInterval", "HEARTBEAT_INTERVAL")
	_ = v.BindEnv("runner.heartbeatTimeout", "HEARTBEAT_TIMEOUT")
	_ = v.BindEnv("runner.noMatchTimeout", "NO_MATCH_TIMEOUT")
	_ = v.BindEnv("recovery.mode", "RECOVERY_MODE")
	_ = v.BindEnv("server.corsOrigins", "CORS_ORIGINS")
	_ = v.BindEnv("blueprint.agentsDir", "AGENTS_DIR")
	_ = v.BindEnv("store.url", "STORE_URL")
	_ = v.BindEnv("server.addr", "SERVER_ADDR")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
	_ = v.BindEnv("runner.sweepInterval", "SWEEP_INTERVAL")
	_ = v.BindEnv("server.shutdownTimeout", "SHUTDOWN_TIMEOUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coordinator/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// CORS_ORIGINS arrives as a comma-separated string over plain env vars;
	// viper only auto-splits for StringSlice when bound directly, so normalize here.
	if len(cfg.Server.CORSOrigins) == 1 && strings.Contains(cfg.Server.CORSOrigins[0], ",") {
		cfg.Server.CORSOrigins = strings.Split(cfg.Server.CORSOrigins[0], ",")
		for i := range cfg.Server.CORSOrigins {
			cfg.Server.CORSOrigins[i] = strings.TrimSpace(cfg.Server.CORSOrigins[i])
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Store.URL == "" {
		errs = append(errs, "store.url is required")
	}

	if cfg.Runner.PollTimeout <= 0 {
		errs = append(errs, "runner.pollTimeout must be positive")
	}
	if cfg.Runner.HeartbeatStale <= 0 || cfg.Runner.HeartbeatTimeout <= cfg.Runner.HeartbeatStale {
		errs = append(errs, "runner.heartbeatTimeout must be greater than runner.heartbeatStale")
	}
	if cfg.Runner.NoMatchTimeout <= 0 {
		errs = append(errs, "runner.noMatchTimeout must be positive")
	}
	if cfg.Runner.SweepInterval <= 0 {
		errs = append(errs, "runner.sweepInterval must be positive")
	}

	switch cfg.Recovery.Mode {
	case "none", "stale", "all":
	default:
		errs = append(errs, "recovery.mode must be one of: none, stale, all")
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
