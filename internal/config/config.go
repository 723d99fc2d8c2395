// Package config loads the service configuration from a YAML file with
// environment variable overrides. The file is optional; with no file and no
// environment the server runs on defaults with the in-memory store.
package config

import (
	"fmt"
	"os"
	"strconv"

	"go.yaml.in/yaml/v4"

	"github.com/predictlab/market-engine/internal/store"
)

// Config is the full service configuration. All monetary limit fields are
// int64 micros like the rest of the engine.
type Config struct {
	LogLevel string `yaml:"log_level"` // debug, info, warn, error
	Server   struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		// URL takes precedence over the discrete fields when set.
		URL      string `yaml:"url"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		PoolSize int    `yaml:"pool_size"`
		SSLMode  string `yaml:"ssl_mode"`
	} `yaml:"database"`
	Redis struct {
		URL        string `yaml:"url"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"redis"`
	Limits struct {
		MaxCostPerTradeMicros   int64 `yaml:"max_cost_per_trade_micros"`
		MaxShareMicrosPerMarket int64 `yaml:"max_share_micros_per_market"`
	} `yaml:"limits"`
	Payout struct {
		BatchSize int `yaml:"batch_size"`
	} `yaml:"payout"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("couldn't read file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("couldn't parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("couldn't validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("PAYOUT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Payout.BatchSize = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Redis.TTLSeconds <= 0 {
		c.Redis.TTLSeconds = 30
	}
	if c.Payout.BatchSize <= 0 {
		c.Payout.BatchSize = 100
	}
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error")
	}

	// The discrete database fields are all-or-nothing; a URL or nothing at
	// all (in-memory store) is also valid.
	if c.Database.URL == "" && c.Database.Host != "" {
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("database.port must be between 1 and 65535")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required")
		}
		if c.Database.PoolSize <= 0 {
			return fmt.Errorf("database.pool_size must be greater than 0")
		}
	}

	if c.Limits.MaxCostPerTradeMicros < 0 || c.Limits.MaxShareMicrosPerMarket < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

// UsesPostgres reports whether a database is configured at all.
func (c *Config) UsesPostgres() bool {
	return c.Database.URL != "" || c.Database.Host != ""
}

// PoolConfig builds the store pool configuration from the discrete fields.
// Only meaningful when Database.URL is empty.
func (c *Config) PoolConfig() store.PoolConfig {
	return store.PoolConfig{
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Database: c.Database.Database,
		PoolSize: c.Database.PoolSize,
		SSLMode:  c.Database.SSLMode,
	}
}
