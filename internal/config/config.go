// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default values for optional configuration fields.
const (
	DefaultAddr              = ":8080"
	DefaultDBPath            = "./data/collab.db"
	DefaultRetentionKeep     = 50
	DefaultRetentionInterval = 10 * time.Minute
)

// Config holds everything the server binary needs to run.
type Config struct {
	// Addr is the listen address for the HTTP/WebSocket server.
	Addr string

	// DBPath is the sqlite file backing the revision log.
	DBPath string

	// JWTSecret verifies session tokens presented at connection upgrade.
	JWTSecret string

	// RedisAddr enables the cross-instance broadcast backplane when set.
	// Empty means single-instance operation.
	RedisAddr string

	// RetentionKeep is the number of revisions kept per entry by the
	// background pruner. Zero or negative disables pruning.
	RetentionKeep int

	// RetentionInterval is how often the pruner runs.
	RetentionInterval time.Duration
}

// FromEnv builds a Config from COLLAB_* environment variables, applies
// defaults and validates the result.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:      os.Getenv("COLLAB_ADDR"),
		DBPath:    os.Getenv("COLLAB_DB_PATH"),
		JWTSecret: os.Getenv("COLLAB_JWT_SECRET"),
		RedisAddr: os.Getenv("COLLAB_REDIS_ADDR"),
	}

	if v := os.Getenv("COLLAB_RETENTION_KEEP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("COLLAB_RETENTION_KEEP: %w", err)
		}
		cfg.RetentionKeep = n
	} else {
		cfg.RetentionKeep = DefaultRetentionKeep
	}

	if v := os.Getenv("COLLAB_RETENTION_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("COLLAB_RETENTION_INTERVAL: %w", err)
		}
		cfg.RetentionInterval = d
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.RetentionInterval == 0 {
		c.RetentionInterval = DefaultRetentionInterval
	}
}

// Validate reports configuration the server cannot start with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("COLLAB_JWT_SECRET is required")
	}
	if c.RetentionInterval < 0 {
		return errors.New("retention interval must not be negative")
	}
	return nil
}
