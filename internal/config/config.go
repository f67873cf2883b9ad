// Package config loads fieldsync configuration from file, environment, and
// defaults via viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openfield/fieldsync/internal/scheduler"
)

// Config is the resolved runtime configuration.
type Config struct {
	// DBPath is the local sqlite database file.
	DBPath string `mapstructure:"db_path"`

	// MediaDir is the directory where captured media files are stored
	// before upload.
	MediaDir string `mapstructure:"media_dir"`

	// LogPath, when set, routes daemon logs to a rotating file instead of
	// stderr.
	LogPath string `mapstructure:"log_path"`

	Remote       RemoteConfig       `mapstructure:"remote"`
	S3           S3Config           `mapstructure:"s3"`
	Sync         SyncConfig         `mapstructure:"sync"`
	UserID       string             `mapstructure:"user_id"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
}

// RemoteConfig points at the survey API.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// S3Config configures the media object store.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

// SyncConfig tunes the background queues.
type SyncConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Backoff      time.Duration `mapstructure:"backoff"`
	Workers      int           `mapstructure:"workers"`
	MediaWorkers int           `mapstructure:"media_workers"`
}

// ConnectivityConfig holds the user's network preferences.
type ConnectivityConfig struct {
	// MutationConstraint gates mutation sync runs: "any" or "unmetered".
	MutationConstraint string `mapstructure:"mutation_constraint"`
	// MediaConstraint gates media uploads. Defaults to "unmetered" since
	// photos are large.
	MediaConstraint string `mapstructure:"media_constraint"`
}

// Load reads configuration from cfgFile (or the default search path when
// empty), layered under FIELDSYNC_ environment variables and built-in
// defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".fieldsync")

	v.SetDefault("db_path", filepath.Join(dataDir, "fieldsync.db"))
	v.SetDefault("media_dir", filepath.Join(dataDir, "media"))
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.backoff", 30*time.Second)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.media_workers", 3)
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("connectivity.mutation_constraint", "any")
	v.SetDefault("connectivity.media_constraint", "unmetered")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(dataDir)
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Defaults plus environment are a complete configuration.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for _, s := range []string{c.Connectivity.MutationConstraint, c.Connectivity.MediaConstraint} {
		if s != "any" && s != "unmetered" {
			return fmt.Errorf("invalid network constraint %q (want \"any\" or \"unmetered\")", s)
		}
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	return nil
}

// MutationConstraint returns the parsed mutation network constraint.
func (c *Config) MutationConstraint() scheduler.Constraint {
	return scheduler.ParseConstraint(c.Connectivity.MutationConstraint)
}

// MediaConstraint returns the parsed media network constraint.
func (c *Config) MediaConstraint() scheduler.Constraint {
	return scheduler.ParseConstraint(c.Connectivity.MediaConstraint)
}
