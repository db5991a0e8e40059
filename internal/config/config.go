// Package config handles configuration for the sandbox.
//
// Two layers live here. The bootstrap Config is loaded once from a YAML
// file with environment overrides and covers deployment parameters
// (timezone, database path, API listen address, rate limits, logging).
// The runtime Store is the supervised key/value store for leverages,
// cutoff times and intervals, persisted in the database and mutable at
// runtime through a validated API with post-update hooks.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/seenimoa/sandbox/pkg/utils"
)

// Config is the bootstrap application configuration.
type Config struct {
	Timezone string         `mapstructure:"timezone" yaml:"timezone"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	API      APIConfig      `mapstructure:"api"      yaml:"api"`
	Limits   LimitsConfig   `mapstructure:"limits"   yaml:"limits"`
	Logging  LoggingConfig  `mapstructure:"logging"  yaml:"logging"`
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	Host        string   `mapstructure:"host"         yaml:"host"`
	Port        int      `mapstructure:"port"         yaml:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LimitsConfig caps outbound quote calls and fills per second, staying
// within broker-emulation limits.
type LimitsConfig struct {
	QuotesPerSecond int `mapstructure:"quotes_per_second" yaml:"quotes_per_second"`
	FillsPerSecond  int `mapstructure:"fills_per_second"  yaml:"fills_per_second"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format"` // "console" or "json"
}

// Location resolves the configured timezone, defaulting to IST.
func (c *Config) Location() (*time.Location, error) {
	return utils.LoadZone(c.Timezone)
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/sandbox.yaml (project root)
//  2. ~/.sandbox/sandbox.yaml (home directory)
//  3. /etc/sandbox/sandbox.yaml (system)
//
// Environment variables override config file values.
// Format: SANDBOX_<SECTION>_<KEY>, e.g., SANDBOX_DATABASE_PATH
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("sandbox")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".sandbox"))
	v.AddConfigPath("/etc/sandbox")

	v.SetEnvPrefix("SANDBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found — that's fine, use defaults + env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("SANDBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets sensible defaults for all bootstrap config values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("timezone", "Asia/Kolkata")

	v.SetDefault("database.path", "sandbox.db")

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8090)
	v.SetDefault("api.cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("limits.quotes_per_second", 10)
	v.SetDefault("limits.fills_per_second", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
