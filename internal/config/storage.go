package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// StorageConfig holds Postgres connection parameters.
type StorageConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultStorageConfig returns the built-in storage defaults.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "kernel",
		Database:        "kernel",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// LoadStorageConfigFromEnv overlays environment variables onto the
// built-in defaults.
func LoadStorageConfigFromEnv() (*StorageConfig, error) {
	cfg := DefaultStorageConfig()

	cfg.Host = getEnvOrDefault("KERNEL_DB_HOST", cfg.Host)
	cfg.User = getEnvOrDefault("KERNEL_DB_USER", cfg.User)
	cfg.Database = getEnvOrDefault("KERNEL_DB_NAME", cfg.Database)
	cfg.SSLMode = getEnvOrDefault("KERNEL_DB_SSLMODE", cfg.SSLMode)
	cfg.Password = os.Getenv("KERNEL_DB_PASSWORD")

	if v := os.Getenv("KERNEL_DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid KERNEL_DB_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("KERNEL_DB_MAX_OPEN_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid KERNEL_DB_MAX_OPEN_CONNS: %w", err)
		}
		cfg.MaxOpenConns = n
	}
	if v := os.Getenv("KERNEL_DB_MAX_IDLE_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid KERNEL_DB_MAX_IDLE_CONNS: %w", err)
		}
		cfg.MaxIdleConns = n
	}
	if v := os.Getenv("KERNEL_DB_CONN_MAX_LIFETIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid KERNEL_DB_CONN_MAX_LIFETIME: %w", err)
		}
		cfg.ConnMaxLifetime = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *StorageConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("max_idle_conns (%d) cannot exceed max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("max_open_conns must be at least 1")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max_idle_conns cannot be negative")
	}
	return nil
}

// DSN builds a libpq-style connection string from the discrete fields.
func (c *StorageConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
