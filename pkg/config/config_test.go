package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
database:
  backend: postgres
  dsn: postgres://localhost/docpilot
session:
  timeout: 30m
  max_history: 5
quota:
  monthly_limit: 50
  admin_ids: [100, 200]
  supported_languages: [en, id, fr]
abuse:
  per_minute: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Backend)
	assert.Equal(t, "postgres://localhost/docpilot", cfg.Database.DSN)
	assert.Equal(t, 30*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, 5, cfg.Session.MaxHistory)
	assert.Equal(t, 50, cfg.Quota.MonthlyLimit)
	assert.Equal(t, []int64{100, 200}, cfg.Quota.AdminIDs)
	assert.Equal(t, []string{"en", "id", "fr"}, cfg.Quota.SupportedLanguages)
	assert.Equal(t, 10, cfg.Abuse.PerMinute)

	// Unset fields pick up defaults.
	assert.Equal(t, 3, cfg.Abuse.Burst)
	assert.Equal(t, 1000, cfg.Session.PreviewPageSize)
	assert.Equal(t, "en", cfg.Quota.DefaultLanguage)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "database: [broken")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("DOCPILOT_TEST_DSN", "postgres://prod/db")
	t.Setenv("DOCPILOT_TEST_KEY", "secret-key")

	path := writeConfig(t, `
database:
  backend: postgres
  dsn: ${DOCPILOT_TEST_DSN}
ai:
  api_key: ${DOCPILOT_TEST_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://prod/db", cfg.Database.DSN)
	assert.Equal(t, "secret-key", cfg.AI.APIKey)
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
ai:
  api_key: ${DOCPILOT_DEFINITELY_UNSET}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.AI.APIKey)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "sqlite", cfg.Database.Backend)
	assert.Equal(t, time.Hour, cfg.Session.Timeout)
	assert.Equal(t, 100, cfg.Quota.MonthlyLimit)
	assert.Equal(t, 30, cfg.Abuse.PerMinute)
	assert.Equal(t, 5*time.Minute, cfg.Abuse.StaleAfter)
	assert.Equal(t, 90*24*time.Hour, cfg.Activity.Retention)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(*Config) {}, false},
		{"postgres without dsn", func(c *Config) {
			c.Database.Backend = "postgres"
			c.Database.DSN = ""
		}, true},
		{"postgres with dsn", func(c *Config) {
			c.Database.Backend = "postgres"
			c.Database.DSN = "postgres://localhost/db"
		}, false},
		{"sqlite without path", func(c *Config) {
			c.Database.Path = ""
		}, true},
		{"unknown backend", func(c *Config) {
			c.Database.Backend = "oracle"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
