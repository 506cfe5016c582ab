// Package config holds process configuration and the tunables shared by the
// event processor and the maintenance jobs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Node liveness tunables. A node that has neither pinged nor answered a
// health probe within NodeLivingTTL is considered gone.
const (
	NodeLivingTTL        = 3 * time.Minute
	CrossCompareInterval = 60 * time.Second
	HealthCheckInterval  = 60 * time.Second
	HealthCheckLeaseTTL  = time.Hour

	ProbeTimeout      = 5 * time.Second
	ProbePageSize     = 100
	ProbeMinLivedSecs = 10
	ProbeConcurrency  = 10
)

// Config is the process configuration, read from the environment.
type Config struct {
	Host          string
	Port          string
	DatabaseURL   string
	DBPoolSize    int32
	DBPoolMinSize int32
	RedisURL      string
	LogFile       string

	// Set from CLI flags.
	Cluster       bool
	Verbose       bool
	RunMigrations bool
}

// Load reads the configuration from environment variables.
func Load() (Config, error) {
	cfg := Config{
		Host:        os.Getenv("SERVER_HOST"),
		Port:        os.Getenv("SERVER_PORT"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		LogFile:     os.Getenv("LOG_FILE"),
	}

	poolSize, err := envInt32("DB_POOL_SIZE", 20)
	if err != nil {
		return Config{}, err
	}
	cfg.DBPoolSize = poolSize

	poolMinSize, err := envInt32("DB_POOL_MIN_SIZE", 20)
	if err != nil {
		return Config{}, err
	}
	cfg.DBPoolMinSize = poolMinSize

	return cfg, cfg.Validate()
}

func (cfg *Config) Validate() error {
	if cfg.Host == "" {
		return errors.New("SERVER_HOST is required")
	}
	if cfg.Port == "" {
		return errors.New("SERVER_PORT is required")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if cfg.DBPoolSize <= 0 {
		return errors.New("DB_POOL_SIZE must be positive")
	}
	if cfg.DBPoolMinSize < 0 || cfg.DBPoolMinSize > cfg.DBPoolSize {
		return errors.New("DB_POOL_MIN_SIZE must be between 0 and DB_POOL_SIZE")
	}
	return nil
}

// ListenAddr returns the host:port pair the HTTP server binds to.
func (cfg *Config) ListenAddr() string {
	return cfg.Host + ":" + cfg.Port
}

func envInt32(key string, def int32) (int32, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return int32(v), nil
}
