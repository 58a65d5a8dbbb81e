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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.User)
	assert.NotEmpty(t, cfg.DBPath)
	assert.Equal(t, 20, cfg.Queue.PerDay)
	assert.Equal(t, 0.9, cfg.Schedule.DesiredRetention)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 8, cfg.Sync.MaxAttempts)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
user: alice
db_path: /tmp/tunebook-test/alice.db
remote_url: ws://localhost:8600/sync
queue:
  per_day: 12
schedule:
  desired_retention: 0.85
sync:
  interval: 90s
  max_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, "/tmp/tunebook-test/alice.db", cfg.DBPath)
	assert.Equal(t, "ws://localhost:8600/sync", cfg.RemoteURL)
	assert.Equal(t, 12, cfg.Queue.PerDay)
	assert.Equal(t, 0.85, cfg.Schedule.DesiredRetention)
	assert.Equal(t, 90*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)

	// Unset keys keep their defaults.
	assert.Equal(t, 50, cfg.Sync.BatchSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TUNEBOOK_USER", "carol")
	t.Setenv("TUNEBOOK_REMOTE_URL", "ws://example.net/sync")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "carol", cfg.User)
	assert.Equal(t, "ws://example.net/sync", cfg.RemoteURL)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty user", func(c *Config) { c.User = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"zero quota", func(c *Config) { c.Queue.PerDay = 0 }},
		{"retention too high", func(c *Config) { c.Schedule.DesiredRetention = 1.2 }},
		{"wrong parameter count", func(c *Config) { c.Schedule.Parameters = []float64{1, 2, 3} }},
		{"zero attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
