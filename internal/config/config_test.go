package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_AppliesDocumentedDefaults(t *testing.T) {
	path := writeConfig(t, `
db_settings:
  host: db.internal
  database: ghqueue
  user: ghqueue_app
  password: s3cr3t
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Scheduler.QueueThreshold)
	assert.Equal(t, 150, cfg.Scheduler.ObjectsPerToken)
	assert.Equal(t, 0.1, cfg.Scheduler.MarkTimestampDeltaMs)
	assert.Equal(t, 100, cfg.GithubAPI.PerPage)
	assert.Equal(t, 10, cfg.DBSettings.MaxConnections)
}

func TestLoad_HonoursExplicitValuesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
db_settings:
  host: db.internal
  database: ghqueue
  user: ghqueue_app
  max_connections: 25
scheduler:
  sched_queue_threshold: 75
  sched_object_per_token: 200
  sched_mark_timestamp_delta: 0.25
github_api:
  per_page: 30
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 75, cfg.Scheduler.QueueThreshold)
	assert.Equal(t, 200, cfg.Scheduler.ObjectsPerToken)
	assert.Equal(t, 0.25, cfg.Scheduler.MarkTimestampDeltaMs)
	assert.Equal(t, 30, cfg.GithubAPI.PerPage)
	assert.Equal(t, 25, cfg.DBSettings.MaxConnections)
}

func TestLoad_MissingRequiredFieldFails(t *testing.T) {
	path := writeConfig(t, `
db_settings:
  host: db.internal
  database: ghqueue
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db_settings.user")
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "missing_host", cfg: Config{DBSettings: DBSettings{Database: "d", User: "u"}}, wantErr: "host"},
		{name: "missing_database", cfg: Config{DBSettings: DBSettings{Host: "h", User: "u"}}, wantErr: "database"},
		{name: "missing_user", cfg: Config{DBSettings: DBSettings{Host: "h", Database: "d"}}, wantErr: "user"},
		{name: "all_present", cfg: Config{DBSettings: DBSettings{Host: "h", Database: "d", User: "u"}}, wantErr: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedacted_MasksSecretsWithoutMutatingOriginal(t *testing.T) {
	cfg := Config{
		DBSettings: DBSettings{Password: "s3cr3t"},
		Scheduler:  Scheduler{DBPassword: "other-secret"},
	}

	redacted := cfg.Redacted()

	assert.Equal(t, "***", redacted.DBSettings.Password)
	assert.Equal(t, "***", redacted.Scheduler.DBPassword)
	assert.Equal(t, "s3cr3t", cfg.DBSettings.Password, "Redacted must not mutate the receiver")
}

func TestRedacted_LeavesEmptySecretsAlone(t *testing.T) {
	cfg := Config{}
	redacted := cfg.Redacted()
	assert.Empty(t, redacted.DBSettings.Password)
	assert.Empty(t, redacted.Scheduler.DBPassword)
}
