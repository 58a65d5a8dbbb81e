// Package config loads tunebook configuration from a YAML file and
// TUNEBOOK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved configuration for a tunebook process.
type Config struct {
	// User is the local user identity all rows are scoped to.
	User string `mapstructure:"user"`

	// DBPath is the SQLite database file. The device id file lives
	// next to it.
	DBPath string `mapstructure:"db_path"`

	// SnapshotPath is the persisted snapshot blob. Empty disables
	// persist/restore.
	SnapshotPath string `mapstructure:"snapshot_path"`

	// RemoteURL is the sync authority websocket endpoint. Empty means
	// offline-only.
	RemoteURL string `mapstructure:"remote_url"`

	// LogFile, when set, routes logs to a rotating file instead of
	// stderr.
	LogFile string `mapstructure:"log_file"`

	Queue    QueueConfig    `mapstructure:"queue"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Serve    ServeConfig    `mapstructure:"serve"`
}

// QueueConfig tunes queue generation.
type QueueConfig struct {
	// PerDay caps the generated queue size per day.
	PerDay int `mapstructure:"per_day"`
}

// ScheduleConfig tunes the scheduling engine.
type ScheduleConfig struct {
	// DesiredRetention is the target recall probability (0, 1].
	DesiredRetention float64 `mapstructure:"desired_retention"`

	// MaxIntervalDays caps review intervals.
	MaxIntervalDays int `mapstructure:"max_interval_days"`

	// Parameters optionally overrides the 21 model weights.
	Parameters []float64 `mapstructure:"parameters"`
}

// SyncConfig tunes the sync engine and daemon.
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BatchSize   int           `mapstructure:"batch_size"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// ServeConfig configures the dev authority server.
type ServeConfig struct {
	Port int `mapstructure:"port"`
}

// Default returns the built-in configuration rooted under the user's
// home directory.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, ".tunebook")

	return &Config{
		User:         "default",
		DBPath:       filepath.Join(dir, "tunebook.db"),
		SnapshotPath: filepath.Join(dir, "tunebook.snapshot"),
		Queue:        QueueConfig{PerDay: 20},
		Schedule: ScheduleConfig{
			DesiredRetention: 0.9,
			MaxIntervalDays:  36500,
		},
		Sync: SyncConfig{
			Interval:    5 * time.Minute,
			BackoffBase: time.Second,
			BackoffCap:  5 * time.Minute,
			MaxAttempts: 8,
			BatchSize:   50,
			CallTimeout: 15 * time.Second,
		},
		Serve: ServeConfig{Port: 8600},
	}
}

// Load reads configuration from path (or the default search locations
// when path is empty), layered over Default, with TUNEBOOK_*
// environment variables taking precedence. A missing config file is
// not an error; a malformed one is.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tunebook"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TUNEBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.User == "" {
		return fmt.Errorf("user must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.Queue.PerDay < 1 {
		return fmt.Errorf("queue.per_day must be at least 1")
	}
	if c.Schedule.DesiredRetention <= 0 || c.Schedule.DesiredRetention > 1 {
		return fmt.Errorf("schedule.desired_retention must be in (0, 1]")
	}
	if n := len(c.Schedule.Parameters); n != 0 && n != 21 {
		return fmt.Errorf("schedule.parameters must have exactly 21 values, got %d", n)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("user", cfg.User)
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("snapshot_path", cfg.SnapshotPath)
	v.SetDefault("remote_url", cfg.RemoteURL)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("queue.per_day", cfg.Queue.PerDay)
	v.SetDefault("schedule.desired_retention", cfg.Schedule.DesiredRetention)
	v.SetDefault("schedule.max_interval_days", cfg.Schedule.MaxIntervalDays)
	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("sync.backoff_base", cfg.Sync.BackoffBase)
	v.SetDefault("sync.backoff_cap", cfg.Sync.BackoffCap)
	v.SetDefault("sync.max_attempts", cfg.Sync.MaxAttempts)
	v.SetDefault("sync.batch_size", cfg.Sync.BatchSize)
	v.SetDefault("sync.call_timeout", cfg.Sync.CallTimeout)
	v.SetDefault("serve.port", cfg.Serve.Port)
}
