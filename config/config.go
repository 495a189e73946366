// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/warp/commission-engine/commission"
)

// Config describes the commission server configuration.
type Config struct {
	Port            int      `env:"COMMISSION_PORT" envDefault:"8080"`
	DBPath          string   `env:"COMMISSION_DB_PATH" envDefault:"commissions.db"`
	LogLevel        string   `env:"COMMISSION_LOG_LEVEL" envDefault:"info"`
	DefaultCurrency string   `env:"COMMISSION_DEFAULT_CURRENCY" envDefault:"MAD"`
	AllowedOrigins  []string `env:"COMMISSION_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://localhost:3000"`
	RulesFile       string   `env:"COMMISSION_RULES_FILE"`

	SchedulerEnabled  bool                        `env:"COMMISSION_SCHEDULER_ENABLED" envDefault:"false"`
	SchedulerInterval time.Duration               `env:"COMMISSION_SCHEDULER_INTERVAL" envDefault:"1h"`
	BatchFrequency    commission.PaymentFrequency `env:"COMMISSION_BATCH_FREQUENCY" envDefault:"monthly"`
	BatchConcurrency  int                         `env:"COMMISSION_BATCH_CONCURRENCY" envDefault:"4"`

	RateLimitRPS   float64 `env:"COMMISSION_RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"COMMISSION_RATE_LIMIT_BURST" envDefault:"40"`
}

// Load reads an optional .env file, then parses the environment.
// Variables already set in the environment win over the file.
func Load(dotenvFiles ...string) (Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env parsing cannot.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("COMMISSION_PORT out of range: %d", c.Port)
	}
	if !c.BatchFrequency.Valid() {
		return fmt.Errorf("COMMISSION_BATCH_FREQUENCY invalid: %q", c.BatchFrequency)
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("COMMISSION_BATCH_CONCURRENCY must be at least 1")
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("COMMISSION_SCHEDULER_INTERVAL must be positive")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
