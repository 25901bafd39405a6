package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "xlsx", cfg.Artifacts.Format)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, time.Minute, cfg.Sweeper.Interval)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claimbucket.yaml")
	doc := `
server:
  addr: ":9090"
database:
  driver: postgres
  dsn: postgres://localhost/claims
artifacts:
  format: pdf
sweeper:
  interval: 15s
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	t.Setenv("CLAIMBUCKET_DATABASE_DSN", "postgres://db.internal/claims")
	t.Setenv("CLAIMBUCKET_DISPATCHER_WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://db.internal/claims", cfg.Database.DSN)
	assert.Equal(t, "pdf", cfg.Artifacts.Format)
	assert.Equal(t, 15*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, 8, cfg.Dispatcher.Workers)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Database:  DatabaseConfig{Driver: "sqlite", DSN: "claims.db"},
			Artifacts: ArtifactConfig{Format: "xlsx"},
			Sweeper:   SweeperConfig{Interval: time.Minute},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"memory needs no dsn", func(c *Config) { c.Database = DatabaseConfig{Driver: "memory"} }, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, false},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, false},
		{"unknown format", func(c *Config) { c.Artifacts.Format = "docx" }, false},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, false},
		{"auth with secret", func(c *Config) { c.Auth = AuthConfig{Enabled: true, Secret: "x"} }, true},
		{"zero sweep interval", func(c *Config) { c.Sweeper.Interval = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Warn("shown", "bucket_id", "b-1")
	assert.Contains(t, buf.String(), `"bucket_id":"b-1"`)

	buf.Reset()
	LogConfig{Level: "bogus"}.NewLogger(&buf).Info("fallback")
	assert.Contains(t, buf.String(), "msg=fallback")
}
