// Package config loads the accountant settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Server struct {
		Port string `envconfig:"PORT" default:"8080"`
	}

	Storage struct {
		// DatabaseURL and RedisURL are optional; without them the
		// in-memory store and in-process locks are used.
		DatabaseURL string        `envconfig:"DATABASE_URL"`
		RedisURL    string        `envconfig:"REDIS_URL"`
		CacheTTL    time.Duration `envconfig:"CACHE_TTL" default:"30s"`
	}

	Schedule struct {
		RebalanceInterval time.Duration `envconfig:"REBALANCE_INTERVAL" default:"1m"`
		InventoryInterval time.Duration `envconfig:"INVENTORY_INTERVAL" default:"5m"`
		Workers           int           `envconfig:"WORKERS" default:"4"`
		LockTTL           time.Duration `envconfig:"LOCK_TTL" default:"2m"`
	}

	Market struct {
		PriceMaxAge time.Duration `envconfig:"PRICE_MAX_AGE" default:"60s"`
	}

	Log struct {
		Level string `envconfig:"LOG_LEVEL" default:"info"`
	}
}

// Validate checks the settings are usable.
func Validate(cfg *Config) error {
	if cfg.Schedule.RebalanceInterval < time.Second {
		return fmt.Errorf("REBALANCE_INTERVAL must be at least 1s")
	}
	if cfg.Schedule.InventoryInterval < time.Second {
		return fmt.Errorf("INVENTORY_INTERVAL must be at least 1s")
	}
	if cfg.Schedule.Workers < 1 || cfg.Schedule.Workers > 256 {
		return fmt.Errorf("WORKERS must be between 1 and 256")
	}
	// A lock that expires mid-pass lets a second pass start on the account.
	if cfg.Schedule.LockTTL < cfg.Schedule.RebalanceInterval {
		return fmt.Errorf("LOCK_TTL must not be shorter than REBALANCE_INTERVAL")
	}
	if cfg.Market.PriceMaxAge < 0 {
		return fmt.Errorf("PRICE_MAX_AGE must not be negative")
	}
	if cfg.Storage.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	return nil
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
}
