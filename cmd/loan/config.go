package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds the CLI settings. Values come from, in increasing priority,
// defaults, the YAML config file, LOAN_* environment variables and flags.
type Config struct {
	Store       string        `mapstructure:"store"`
	DataDir     string        `mapstructure:"data-dir"`
	DSN         string        `mapstructure:"dsn"`
	Output      string        `mapstructure:"output"`
	Verbose     bool          `mapstructure:"verbose"`
	FraudDelay  time.Duration `mapstructure:"fraud-delay"`
	ManualFraud bool          `mapstructure:"manual-fraud"`
	StepDelay   bool          `mapstructure:"step-delay"`
	Workers     int           `mapstructure:"workers"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".deepnoodle", "loan")
	}
	return filepath.Join(home, ".deepnoodle", "loan")
}

// setDefaults registers every key so environment variables bind even when
// no config file mentions them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store", "file")
	v.SetDefault("data-dir", defaultDataDir())
	v.SetDefault("dsn", "")
	v.SetDefault("output", "text")
	v.SetDefault("verbose", false)
	v.SetDefault("fraud-delay", 2*time.Second)
	v.SetDefault("manual-fraud", false)
	v.SetDefault("step-delay", false)
	v.SetDefault("workers", 4)
}

// loadConfig resolves the configuration for cmd.
func loadConfig(cmd *cobra.Command, configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LOAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "file", "sqlite":
	case "postgres", "redis":
		if c.DSN == "" {
			return fmt.Errorf("--dsn is required for the %s store", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q (want file, sqlite, postgres or redis)", c.Store)
	}
	switch c.Output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", c.Output)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}
