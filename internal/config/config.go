// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads skillflow settings from .skillflow.yaml, SKILLFLOW_*
// environment variables and flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "SKILLFLOW"
	FileName  = ".skillflow"
)

// Config represents the full skillflow configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
	Execution ExecutionConfig `mapstructure:"execution"`
	StateDir  string          `mapstructure:"state_dir"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// CatalogConfig lists directories of YAML skill definitions.
type CatalogConfig struct {
	Dirs           []string `mapstructure:"dirs"`
	IncludeBuiltin bool     `mapstructure:"include_builtin"`
}

// SnapshotConfig points at an optional PITR snapshot service.
type SnapshotConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	Token        string `mapstructure:"token"`
	Timeout        string `mapstructure:"timeout"`
	PollInterval   string `mapstructure:"poll_interval"`
	RestoreTimeout string `mapstructure:"restore_timeout"`
}

type AuditConfig struct {
	Sink         string `mapstructure:"sink"` // log, db, cloud, none
	CloudProject string `mapstructure:"cloud_project"`
	LogID        string `mapstructure:"log_id"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ExecutionConfig struct {
	DefaultTimeout string `mapstructure:"default_timeout"`
}

// SetDefaults registers defaults on v so env-only keys resolve too.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", ".skillflow/skillflow.db")
	v.SetDefault("catalog.include_builtin", true)
	v.SetDefault("snapshot.timeout", "30s")
	v.SetDefault("snapshot.poll_interval", "2s")
	v.SetDefault("snapshot.restore_timeout", "10m")
	v.SetDefault("audit.sink", "db")
	v.SetDefault("audit.log_id", "skillflow-operations")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("execution.default_timeout", "5m")
	v.SetDefault("state_dir", ".skillflow/run")
}

// NewViper returns a viper instance wired for skillflow: defaults, the
// SKILLFLOW_ env prefix and nested keys mapped to SECTION_KEY.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load unmarshals v, applies defaults and validates.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Audit.Sink == "" {
		cfg.Audit.Sink = "db"
	}
	if cfg.Execution.DefaultTimeout == "" {
		cfg.Execution.DefaultTimeout = "5m"
	}
	if cfg.Snapshot.Timeout == "" {
		cfg.Snapshot.Timeout = "30s"
	}
	if cfg.Snapshot.RestoreTimeout == "" {
		cfg.Snapshot.RestoreTimeout = "10m"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = ".skillflow/run"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validDrivers := map[string]bool{"sqlite3": true, "sqlite": true, "postgres": true, "postgresql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if (c.Database.Driver == "postgres" || c.Database.Driver == "postgresql") && c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required for postgres")
	}

	validSinks := map[string]bool{"log": true, "db": true, "cloud": true, "none": true}
	if !validSinks[c.Audit.Sink] {
		return fmt.Errorf("invalid audit sink: %s (must be log, db, cloud, or none)", c.Audit.Sink)
	}
	if c.Audit.Sink == "cloud" && c.Audit.CloudProject == "" {
		return fmt.Errorf("audit cloud_project is required for the cloud sink")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	for name, d := range map[string]string{
		"execution.default_timeout": c.Execution.DefaultTimeout,
		"snapshot.timeout":          c.Snapshot.Timeout,
		"snapshot.poll_interval":    c.Snapshot.PollInterval,
		"snapshot.restore_timeout":  c.Snapshot.RestoreTimeout,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// DefaultTimeout is the wall-clock budget for skills that declare none.
func (c *Config) DefaultTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Execution.DefaultTimeout)
	return d
}

// SnapshotTimeout bounds each request to the snapshot service.
func (c *Config) SnapshotTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Snapshot.Timeout)
	return d
}

// PollInterval is how often restore jobs are polled.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Snapshot.PollInterval)
	return d
}

// RestoreTimeout bounds how long a background restore job is polled.
func (c *Config) RestoreTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Snapshot.RestoreTimeout)
	return d
}
