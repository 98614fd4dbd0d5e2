// Package config holds the kernel's recognized configuration surface: one
// struct per subsystem, each with a DefaultXConfig factory, aggregated
// under a single Config umbrella loaded from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the umbrella configuration object passed to the kernel at
// construction time.
type Config struct {
	Context   *ContextConfig   `yaml:"context"`
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Kernel    *KernelConfig    `yaml:"kernel"`
	Storage   *StorageConfig   `yaml:"storage"`
}

// Default returns a Config populated entirely from built-in defaults.
func Default() *Config {
	return &Config{
		Context:   DefaultContextConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Kernel:    DefaultKernelConfig(),
		Storage:   DefaultStorageConfig(),
	}
}

// Load reads a YAML config file at path, applying its values on top of
// the built-in defaults, then overlays environment variables (via
// LoadStorageConfigFromEnv for the storage section) and an optional
// .env file at envPath. A missing config file is not an error — the
// defaults apply — but a malformed one is.
func Load(path, envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading env file %s: %w", envPath, err)
		}
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return overlayStorageEnv(cfg)
			}
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	return overlayStorageEnv(cfg)
}

func overlayStorageEnv(cfg *Config) (*Config, error) {
	storageCfg, err := LoadStorageConfigFromEnv()
	if err != nil {
		return nil, err
	}
	// Environment variables win over file-provided storage settings only
	// when explicitly set; LoadStorageConfigFromEnv already starts from
	// built-in defaults, so merge selectively to avoid clobbering a
	// file-provided value with an unset-env default.
	if cfg.Storage == nil {
		cfg.Storage = storageCfg
	}
	for key, apply := range map[string]func(){
		"KERNEL_DB_HOST":              func() { cfg.Storage.Host = storageCfg.Host },
		"KERNEL_DB_PORT":              func() { cfg.Storage.Port = storageCfg.Port },
		"KERNEL_DB_USER":              func() { cfg.Storage.User = storageCfg.User },
		"KERNEL_DB_PASSWORD":          func() { cfg.Storage.Password = storageCfg.Password },
		"KERNEL_DB_NAME":              func() { cfg.Storage.Database = storageCfg.Database },
		"KERNEL_DB_SSLMODE":           func() { cfg.Storage.SSLMode = storageCfg.SSLMode },
		"KERNEL_DB_MAX_OPEN_CONNS":    func() { cfg.Storage.MaxOpenConns = storageCfg.MaxOpenConns },
		"KERNEL_DB_MAX_IDLE_CONNS":    func() { cfg.Storage.MaxIdleConns = storageCfg.MaxIdleConns },
		"KERNEL_DB_CONN_MAX_LIFETIME": func() { cfg.Storage.ConnMaxLifetime = storageCfg.ConnMaxLifetime },
	} {
		if os.Getenv(key) != "" {
			apply()
		}
	}
	return cfg, nil
}
