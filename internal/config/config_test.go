// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, ".skillflow/skillflow.db", cfg.Database.DSN)
	assert.True(t, cfg.Catalog.IncludeBuiltin)
	assert.Equal(t, "db", cfg.Audit.Sink)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Minute, cfg.DefaultTimeout())
	assert.Equal(t, 30*time.Second, cfg.SnapshotTimeout())
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
	assert.Equal(t, 10*time.Minute, cfg.RestoreTimeout())
	assert.Equal(t, ".skillflow/run", cfg.StateDir)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".skillflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: postgres://localhost/skillflow?sslmode=disable
catalog:
  dirs: [skills, more-skills]
  include_builtin: false
snapshot:
  endpoint: https://pitr.internal
  timeout: 10s
  restore_timeout: 3m
audit:
  sink: cloud
  cloud_project: acme-prod
log:
  level: debug
  format: json
execution:
  default_timeout: 90s
`), 0o644))

	v := NewViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, []string{"skills", "more-skills"}, cfg.Catalog.Dirs)
	assert.False(t, cfg.Catalog.IncludeBuiltin)
	assert.Equal(t, "https://pitr.internal", cfg.Snapshot.Endpoint)
	assert.Equal(t, 10*time.Second, cfg.SnapshotTimeout())
	assert.Equal(t, 3*time.Minute, cfg.RestoreTimeout())
	assert.Equal(t, "acme-prod", cfg.Audit.CloudProject)
	assert.Equal(t, "skillflow-operations", cfg.Audit.LogID)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 90*time.Second, cfg.DefaultTimeout())
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SKILLFLOW_AUDIT_SINK", "none")
	t.Setenv("SKILLFLOW_EXECUTION_DEFAULT_TIMEOUT", "1m")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "none", cfg.Audit.Sink)
	assert.Equal(t, time.Minute, cfg.DefaultTimeout())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, "invalid database driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "dsn is required"},
		{"bad sink", func(c *Config) { c.Audit.Sink = "kafka" }, "invalid audit sink"},
		{"cloud without project", func(c *Config) { c.Audit.Sink = "cloud" }, "cloud_project is required"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "invalid log format"},
		{"bad timeout", func(c *Config) { c.Execution.DefaultTimeout = "soon" }, "invalid execution.default_timeout"},
		{"bad restore timeout", func(c *Config) { c.Snapshot.RestoreTimeout = "later" }, "invalid snapshot.restore_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
