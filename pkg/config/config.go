// Package config loads the service configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
	Quota    QuotaConfig    `yaml:"quota"`
	Abuse    AbuseConfig    `yaml:"abuse"`
	Activity  ActivityConfig  `yaml:"activity"`
	AI        AIConfig        `yaml:"ai"`
	Documents DocumentsConfig `yaml:"documents"`
}

// ServerConfig configures the JSON API server.
type ServerConfig struct {
	Address string `yaml:"address"`
	APIKey  string `yaml:"api_key"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	Backend      string `yaml:"backend"` // "sqlite", "postgres"
	Path         string `yaml:"path"`    // sqlite file path
	DSN          string `yaml:"dsn"`     // postgres connection string
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// SessionConfig configures session lifetimes and limits.
type SessionConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	MaxHistory      int           `yaml:"max_history"`
	PreviewPageSize int           `yaml:"preview_page_size"`
}

// QuotaConfig configures monthly quotas and the privileged user sets.
type QuotaConfig struct {
	MonthlyLimit       int      `yaml:"monthly_limit"`
	AdminIDs           []int64  `yaml:"admin_ids"`
	VIPIDs             []int64  `yaml:"vip_ids"`
	SupportedLanguages []string `yaml:"supported_languages"`
	DefaultLanguage    string   `yaml:"default_language"`
}

// AbuseConfig configures the sliding-window request guard.
type AbuseConfig struct {
	PerMinute       int           `yaml:"per_minute"`
	Burst           int           `yaml:"burst"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ActivityConfig configures activity log retention.
type ActivityConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// AIConfig configures the AI backend connection.
type AIConfig struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// DocumentsConfig configures document storage.
type DocumentsConfig struct {
	Dir string `yaml:"dir"`
}

// Load loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the operator.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file
// loaded.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Database.Backend == "" {
		cfg.Database.Backend = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/docpilot.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}

	if cfg.Session.Timeout == 0 {
		cfg.Session.Timeout = time.Hour
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = 10 * time.Minute
	}
	if cfg.Session.MaxHistory == 0 {
		cfg.Session.MaxHistory = 10
	}
	if cfg.Session.PreviewPageSize == 0 {
		cfg.Session.PreviewPageSize = 1000
	}

	if cfg.Quota.MonthlyLimit == 0 {
		cfg.Quota.MonthlyLimit = 100
	}
	if cfg.Quota.DefaultLanguage == "" {
		cfg.Quota.DefaultLanguage = "en"
	}
	if len(cfg.Quota.SupportedLanguages) == 0 {
		cfg.Quota.SupportedLanguages = []string{"en", "id"}
	}

	if cfg.Abuse.PerMinute == 0 {
		cfg.Abuse.PerMinute = 30
	}
	if cfg.Abuse.Burst == 0 {
		cfg.Abuse.Burst = 3
	}
	if cfg.Abuse.StaleAfter == 0 {
		cfg.Abuse.StaleAfter = 5 * time.Minute
	}
	if cfg.Abuse.CleanupInterval == 0 {
		cfg.Abuse.CleanupInterval = time.Minute
	}

	if cfg.Activity.Retention == 0 {
		cfg.Activity.Retention = 90 * 24 * time.Hour
	}
	if cfg.Activity.PurgeInterval == 0 {
		cfg.Activity.PurgeInterval = 24 * time.Hour
	}

	if cfg.AI.Model == "" {
		cfg.AI.Model = "gemini-2.0-flash"
	}
	if cfg.AI.Timeout == 0 {
		cfg.AI.Timeout = 60 * time.Second
	}

	if cfg.Documents.Dir == "" {
		cfg.Documents.Dir = "data/documents"
	}
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}
	return nil
}
