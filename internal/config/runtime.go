// Package config holds the broker's two configuration layers, adapted
// from ws/config.go in the teacher repo:
//
//   - RuntimeConfig: env-var tuning knobs (addresses, limits, rate
//     thresholds, logging), loaded with caarlos0/env and an optional
//     .env file via joho/godotenv.
//   - LocationConfig: the per-location channel-id / pub-sub behavior
//     that in nginx lives in location{} blocks, here loaded from a YAML
//     file via spf13/viper (spec.md §4.7 needs named templates and
//     split-delimiter/group settings that don't fit flat env vars).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// RuntimeConfig holds the server's environment-driven tuning knobs.
type RuntimeConfig struct {
	Addr string `env:"BROKER_ADDR" envDefault:":8080"`

	MaxConnections int `env:"BROKER_MAX_CONNECTIONS" envDefault:"10000"`

	MaxPublishRate    int `env:"BROKER_MAX_PUBLISH_RATE" envDefault:"1000"`
	MaxSubscribeRate  int `env:"BROKER_MAX_SUBSCRIBE_RATE" envDefault:"2000"`
	MaxGoroutines     int `env:"BROKER_MAX_GOROUTINES" envDefault:"20000"`

	CPURejectThreshold float64 `env:"BROKER_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"BROKER_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	MaxMessages   int           `env:"BROKER_MAX_MESSAGES" envDefault:"10"`
	BufferTimeout time.Duration `env:"BROKER_BUFFER_TIMEOUT" envDefault:"1h"`

	MetricsInterval time.Duration `env:"BROKER_METRICS_INTERVAL" envDefault:"15s"`

	NATSUrl     string `env:"BROKER_NATS_URL" envDefault:""`
	StoreEngine string `env:"BROKER_STORE_ENGINE" envDefault:"memory"`

	LogLevel  string `env:"BROKER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"BROKER_LOG_FORMAT" envDefault:"json"`

	LocationConfigFile string `env:"BROKER_LOCATION_CONFIG" envDefault:"broker.yaml"`

	// MetaChannel, if set, enables spec.md §4.8 event broadcasting under
	// "meta/<MetaChannel>" for every location sharing this process.
	// Empty disables it.
	MetaChannel string `env:"BROKER_META_CHANNEL" envDefault:""`

	Environment string `env:"BROKER_ENV" envDefault:"development"`
}

// LoadRuntimeConfig reads a .env file (if present) then environment
// variables into a RuntimeConfig: env vars win over .env, which wins
// over struct defaults. A missing .env file is not an error.
func LoadRuntimeConfig(logger *zerolog.Logger) (*RuntimeConfig, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &RuntimeConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse runtime config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate runtime config: %w", err)
	}
	return cfg, nil
}

// Validate checks RuntimeConfig for internally-inconsistent values.
func (c *RuntimeConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("BROKER_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("BROKER_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("BROKER_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("BROKER_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("BROKER_CPU_PAUSE_THRESHOLD (%.1f) must be >= BROKER_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("BROKER_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("BROKER_LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}
	validEngines := map[string]bool{"memory": true, "nats": true}
	if !validEngines[c.StoreEngine] {
		return fmt.Errorf("BROKER_STORE_ENGINE must be one of memory, nats (got %q)", c.StoreEngine)
	}
	if c.StoreEngine == "nats" && c.NATSUrl == "" {
		return fmt.Errorf("BROKER_NATS_URL is required when BROKER_STORE_ENGINE=nats")
	}
	return nil
}

// LogConfig emits the loaded configuration as a structured log line.
func (c *RuntimeConfig) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("max_publish_rate", c.MaxPublishRate).
		Int("max_subscribe_rate", c.MaxSubscribeRate).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Int("max_messages", c.MaxMessages).
		Dur("buffer_timeout", c.BufferTimeout).
		Dur("metrics_interval", c.MetricsInterval).
		Str("store_engine", c.StoreEngine).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("runtime configuration loaded")
}
