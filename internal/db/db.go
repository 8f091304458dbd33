package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection.
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings.
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MinConns        int
	MaxOpenConns    int
	MaxLifetime     time.Duration
	DatabaseURL     string
	ApplicationName string
}

func poolLimitsForEnv(appEnv string) (maxOpen, maxIdle int) {
	switch appEnv {
	case "production":
		return 37, 15
	case "staging":
		return 5, 2
	default:
		return 2, 1
	}
}

func sanitiseAppName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	var builder strings.Builder
	builder.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == ':', r == '.':
			builder.WriteRune(r)
		}
	}

	return builder.String()
}

func trimAppName(name string) string {
	const maxLen = 60 // postgres application_name limit is 64 bytes
	if len(name) <= maxLen {
		return name
	}
	return name[:maxLen]
}

func determineApplicationName() string {
	if override := sanitiseAppName(os.Getenv("GHQUEUE_APP_NAME")); override != "" {
		return trimAppName(override)
	}

	base := "ghqueue"
	if env := sanitiseAppName(strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))); env != "" {
		base = fmt.Sprintf("ghqueue-%s", env)
	}

	var parts []string
	if host, err := os.Hostname(); err == nil {
		if hostName := sanitiseAppName(host); hostName != "" {
			parts = append(parts, hostName)
		}
	}
	parts = append(parts, time.Now().UTC().Format("20060102T150405"))

	if len(parts) == 0 {
		return trimAppName(base)
	}

	return trimAppName(fmt.Sprintf("%s:%s", base, strings.Join(parts, ":")))
}

func addConnSetting(connStr, key, value string) (string, bool) {
	if key == "" || value == "" {
		return connStr, false
	}

	trimmed := strings.TrimSpace(connStr)
	if trimmed == "" {
		return connStr, false
	}

	if strings.Contains(trimmed, key+"=") {
		return trimmed, false
	}

	isURL := strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://")

	if isURL {
		parsed, err := url.Parse(trimmed)
		if err == nil {
			q := parsed.Query()
			if q.Get(key) != "" {
				return trimmed, false
			}
			q.Set(key, value)
			parsed.RawQuery = q.Encode()
			return parsed.String(), true
		}

		separator := "?"
		if strings.Contains(trimmed, "?") {
			separator = "&"
		}
		return trimmed + separator + key + "=" + url.QueryEscape(value), true
	}

	escaped := strings.ReplaceAll(value, "'", "")
	if escaped == "" {
		return trimmed, false
	}
	return trimmed + fmt.Sprintf(" %s=%s", key, escaped), true
}

func cleanupAppConnections(ctx context.Context, client *sql.DB, appName string) {
	if client == nil || appName == "" {
		return
	}

	base := appName
	if idx := strings.Index(base, ":"); idx != -1 {
		base = base[:idx]
	}
	if base == "" {
		return
	}

	pattern := base + ":%"
	if base == appName {
		pattern = base
	}

	cleanupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		SELECT COALESCE(SUM(CASE WHEN pg_terminate_backend(pid) THEN 1 ELSE 0 END), 0)
		FROM pg_stat_activity
		WHERE pid != pg_backend_pid()
		  AND usename = current_user
		  AND state = 'idle'
		  AND application_name LIKE $1
		  AND application_name <> $2
	`

	var terminated int64
	if err := client.QueryRowContext(cleanupCtx, query, pattern, appName).Scan(&terminated); err != nil {
		log.Warn().Err(err).Msg("Failed to terminate stale PostgreSQL connections for application")
		return
	}

	if terminated > 0 {
		log.Info().
			Str("application_name", appName).
			Int64("terminated_connections", terminated).
			Msg("Terminated stale PostgreSQL connections from previous deployment")
	}
}

// ConnectionString returns the PostgreSQL connection string.
func (c *Config) ConnectionString() string {
	connStr := strings.TrimSpace(c.DatabaseURL)
	if connStr != "" {
		connStr, _ = addConnSetting(connStr, "idle_in_transaction_session_timeout", "30000")
		connStr = AugmentDSNWithTimeout(connStr, 60000)
		if c.ApplicationName != "" {
			connStr, _ = addConnSetting(connStr, "application_name", c.ApplicationName)
		}
		return connStr
	}

	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connStr = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)

	connStr, _ = addConnSetting(connStr, "idle_in_transaction_session_timeout", "30000")
	connStr = AugmentDSNWithTimeout(connStr, 60000)
	if c.ApplicationName != "" {
		connStr, _ = addConnSetting(connStr, "application_name", c.ApplicationName)
	}

	return connStr
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL != "" {
		return nil
	}

	if c.Host == "" || c.Port == "" || c.User == "" || c.Password == "" || c.Database == "" {
		if c.Host == "" && c.Port == "" && c.User == "" && c.Password == "" && c.Database == "" {
			return fmt.Errorf("database configuration required")
		}
		return fmt.Errorf("incomplete database configuration")
	}

	return nil
}

// New creates a new PostgreSQL database connection and ensures the core
// schema (token/object_queue/object_history/loading/issue_loading) exists.
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MinConns == 0 {
		switch os.Getenv("APP_ENV") {
		case "production":
			config.MinConns = 13
		case "staging":
			config.MinConns = 4
		default:
			config.MinConns = 1
		}
	}
	if config.MaxOpenConns == 0 {
		switch os.Getenv("APP_ENV") {
		case "production":
			config.MaxOpenConns = 32
		case "staging":
			config.MaxOpenConns = 10
		default:
			config.MaxOpenConns = 3
		}
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.ApplicationName == "" {
		config.ApplicationName = determineApplicationName()
	}

	connStr := config.ConnectionString()

	log.Info().Msg("Opening PostgreSQL connection")

	client, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MinConns)
	client.SetConnMaxLifetime(config.MaxLifetime)
	client.SetConnMaxIdleTime(2 * time.Minute)

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	cleanupAppConnections(context.Background(), client, config.ApplicationName)

	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to set up schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables.
func InitFromEnv() (*DB, error) {
	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		maxOpen, maxIdle := poolLimitsForEnv(os.Getenv("APP_ENV"))
		appName := determineApplicationName()

		dbURL = AugmentDSNWithTimeout(dbURL, 60000)
		dbURL, _ = addConnSetting(dbURL, "idle_in_transaction_session_timeout", "30000")
		if appName != "" {
			dbURL, _ = addConnSetting(dbURL, "application_name", appName)
		}

		config := &Config{
			DatabaseURL:     dbURL,
			MinConns:        maxIdle,
			MaxOpenConns:    maxOpen,
			MaxLifetime:     5 * time.Minute,
			ApplicationName: appName,
		}

		return New(config)
	}

	maxOpen, maxIdle := poolLimitsForEnv(os.Getenv("APP_ENV"))

	config := &Config{
		Host:            getEnvDefault("PGHOST", "localhost"),
		Port:            getEnvDefault("PGPORT", "5432"),
		User:            getEnvDefault("PGUSER", "postgres"),
		Password:        os.Getenv("PGPASSWORD"),
		Database:        getEnvDefault("PGDATABASE", "ghqueue"),
		SSLMode:         os.Getenv("PGSSLMODE"),
		MinConns:        maxIdle,
		MaxOpenConns:    maxOpen,
		MaxLifetime:     5 * time.Minute,
		ApplicationName: determineApplicationName(),
	}

	return New(config)
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// setupSchema creates the core tables if they don't already exist. Schema
// management in production is out of scope (spec.md §1); this exists so a
// fresh database (tests, local dev) is usable without an external migration
// tool.
func setupSchema(client *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS token (
			id SERIAL PRIMARY KEY,
			value TEXT NOT NULL,
			is_enable BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE IF NOT EXISTS issue_loading (
			url TEXT PRIMARY KEY,
			comment_state TEXT NOT NULL DEFAULT 'TO_DO'
		)`,
		`CREATE TABLE IF NOT EXISTS object_queue (
			id UUID PRIMARY KEY,
			token_id INTEGER NOT NULL REFERENCES token(id),
			url TEXT NOT NULL,
			base_object_url TEXT NOT NULL,
			object_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			closed_at TIMESTAMPTZ,
			execute_at TIMESTAMPTZ NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'UNPROCESSED',
			uuid TEXT,
			headers JSONB NOT NULL DEFAULT '{}',
			params JSONB NOT NULL DEFAULT '{}',
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_object_queue_token_execute_at ON object_queue(token_id, execute_at)`,
		`CREATE INDEX IF NOT EXISTS idx_object_queue_claim ON object_queue(state, uuid) WHERE uuid IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_object_queue_unprocessed_window ON object_queue(execute_at) WHERE state = 'UNPROCESSED' AND uuid IS NULL`,
		`CREATE TABLE IF NOT EXISTS object_history (
			id UUID PRIMARY KEY,
			token_id INTEGER NOT NULL REFERENCES token(id),
			url TEXT NOT NULL,
			base_object_url TEXT NOT NULL,
			object_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			execute_at TIMESTAMPTZ NOT NULL,
			retry_count INTEGER NOT NULL,
			state TEXT NOT NULL,
			headers JSONB NOT NULL DEFAULT '{}',
			params JSONB NOT NULL DEFAULT '{}',
			error_text TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_object_history_closed_at ON object_history(closed_at)`,
		`CREATE TABLE IF NOT EXISTS loading (
			id UUID PRIMARY KEY,
			guid TEXT NOT NULL,
			url TEXT NOT NULL,
			req_params JSONB NOT NULL DEFAULT '{}',
			req_headers JSONB NOT NULL DEFAULT '{}',
			begin_timestamp TIMESTAMPTZ NOT NULL,
			resp_status INTEGER,
			resp_headers JSONB,
			resp_text TEXT,
			resp_raw TEXT,
			end_timestamp TIMESTAMPTZ,
			error TEXT
		)`,
	}

	for _, stmt := range statements {
		if _, err := client.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection.
func (db *DB) GetDB() *sql.DB {
	return db.client
}

// ResetSchema truncates every table this module owns. Intended for test
// fixtures, not production use.
func (db *DB) ResetSchema() error {
	log.Warn().Msg("Truncating all ghqueue tables")

	_, err := db.client.Exec(`TRUNCATE object_queue, object_history, loading RESTART IDENTITY`)
	if err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}
	return nil
}

// Serialise converts data to its JSON string representation.
func Serialise(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialise data")
		return "{}"
	}
	return string(data)
}
