// Package config loads process configuration from environment variables,
// after an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Storage backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config holds the server configuration.
type Config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// --- Storage ---
	Store       string `envconfig:"STORE" default:"memory"`
	DataDir     string `envconfig:"DATA_DIR" default:"./data"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Optional Redis read-through cache in front of the store.
	RedisURL string        `envconfig:"REDIS_URL"`
	CacheTTL time.Duration `envconfig:"CACHE_TTL" default:"30s"`

	// --- Ledger ---
	HistoryLimit      int           `envconfig:"HISTORY_LIMIT" default:"100"`
	LockTimeout       time.Duration `envconfig:"LOCK_TIMEOUT" default:"5s"`
	LockRetryInterval time.Duration `envconfig:"LOCK_RETRY_INTERVAL" default:"50ms"`

	// Header carrying the authenticated user id, set by the fronting
	// auth layer.
	UserHeader string `envconfig:"USER_HEADER" default:"X-User-ID"`
}

// Load reads a .env file if present, then the environment.
func Load() (*Config, error) {
	// A missing .env is fine; real environment variables take precedence.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreFile:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown STORE %q (want memory, file or postgres)", c.Store)
	}
	if c.Store == StoreFile && c.DataDir == "" {
		return errors.New("config: STORE=file requires DATA_DIR")
	}
	if c.HistoryLimit < 1 {
		return fmt.Errorf("config: HISTORY_LIMIT must be at least 1, got %d", c.HistoryLimit)
	}
	if c.LockTimeout <= 0 || c.LockRetryInterval <= 0 {
		return errors.New("config: LOCK_TIMEOUT and LOCK_RETRY_INTERVAL must be positive")
	}
	if c.CacheTTL <= 0 {
		return errors.New("config: CACHE_TTL must be positive")
	}
	if strings.TrimSpace(c.UserHeader) == "" {
		return errors.New("config: USER_HEADER must not be empty")
	}
	return nil
}
