// Package config loads the YAML configuration described in spec.md §6.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DBSettings configures the primary connection pool (spec.md §6 db_settings).
type DBSettings struct {
	Host           string `yaml:"host"`
	Database       string `yaml:"database"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	MinConnections int    `yaml:"min_connections"`
	MaxConnections int    `yaml:"max_connections"`
}

// Scheduler configures the dispatcher's periodic jobs and their backing
// store (spec.md §6 scheduler).
type Scheduler struct {
	DBHost               string  `yaml:"db_host"`
	DBDatabase           string  `yaml:"db_database"`
	DBUser               string  `yaml:"db_user"`
	DBPassword           string  `yaml:"db_password"`
	QueueThreshold       int     `yaml:"sched_queue_threshold"`
	ObjectsPerToken      int     `yaml:"sched_object_per_token"`
	MarkTimestampDeltaMs float64 `yaml:"sched_mark_timestamp_delta"`
}

// GithubAPI configures the outbound fetch behaviour (spec.md §6 github_api).
type GithubAPI struct {
	PerPage int `yaml:"per_page"`
}

// Config is the typed root of the YAML document.
type Config struct {
	DBSettings DBSettings `yaml:"db_settings"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	GithubAPI  GithubAPI  `yaml:"github_api"`
}

const (
	defaultQueueThreshold       = 50
	defaultObjectsPerToken      = 150
	defaultMarkTimestampDeltaMs = 0.1
	defaultPerPage              = 100
)

// Load reads and parses the YAML file at path, applying spec.md §6's
// documented defaults for any omitted optional key.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Scheduler.QueueThreshold == 0 {
		cfg.Scheduler.QueueThreshold = defaultQueueThreshold
	}
	if cfg.Scheduler.ObjectsPerToken == 0 {
		cfg.Scheduler.ObjectsPerToken = defaultObjectsPerToken
	}
	if cfg.Scheduler.MarkTimestampDeltaMs == 0 {
		cfg.Scheduler.MarkTimestampDeltaMs = defaultMarkTimestampDeltaMs
	}
	if cfg.GithubAPI.PerPage == 0 {
		cfg.GithubAPI.PerPage = defaultPerPage
	}
	if cfg.DBSettings.MaxConnections == 0 {
		cfg.DBSettings.MaxConnections = 10
	}
}

// Validate checks that the fields required to open a database connection
// are present.
func (c *Config) Validate() error {
	if c.DBSettings.Host == "" {
		return fmt.Errorf("db_settings.host is required")
	}
	if c.DBSettings.Database == "" {
		return fmt.Errorf("db_settings.database is required")
	}
	if c.DBSettings.User == "" {
		return fmt.Errorf("db_settings.user is required")
	}
	return nil
}

// Redacted returns a copy of c with secret fields masked, safe to log.
func (c Config) Redacted() Config {
	if c.DBSettings.Password != "" {
		c.DBSettings.Password = "***"
	}
	if c.Scheduler.DBPassword != "" {
		c.Scheduler.DBPassword = "***"
	}
	return c
}
