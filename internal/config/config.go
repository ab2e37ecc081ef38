package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	SourcePush   = "push"
	SourceReplay = "replay"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path    string `mapstructure:"path"`
	DataDir string `mapstructure:"data_dir"`
}

type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Token   string        `mapstructure:"token"`
}

type TrackingConfig struct {
	LocationInterval time.Duration `mapstructure:"location_interval"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	Source           string        `mapstructure:"source"`
	ReplayFile       string        `mapstructure:"replay_file"`
}

type SyncConfig struct {
	UploadTimeout   time.Duration `mapstructure:"upload_timeout"`
	RetrySchedule   string        `mapstructure:"retry_schedule"`
	RefreshSchedule string        `mapstructure:"refresh_schedule"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from defaults, an optional config file and
// PACETRACK_* environment variables, in increasing priority. An empty file
// searches for config.yaml in the working directory and ./configs.
func Load(file string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8888")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("database.path", "")
	v.SetDefault("database.data_dir", "./data")
	v.SetDefault("remote.base_url", "http://localhost:8080")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.token", "")
	v.SetDefault("tracking.location_interval", time.Second)
	v.SetDefault("tracking.tick_interval", 200*time.Millisecond)
	v.SetDefault("tracking.source", SourcePush)
	v.SetDefault("tracking.replay_file", "")
	v.SetDefault("sync.upload_timeout", 30*time.Second)
	v.SetDefault("sync.retry_schedule", "@every 15m")
	v.SetDefault("sync.refresh_schedule", "@hourly")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		_ = v.ReadInConfig() // OK if missing
	}

	// PACETRACK_REMOTE_BASE_URL → remote.base_url
	v.SetEnvPrefix("PACETRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.Database.DataDir, "pacetrack.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that required configuration fields are present and sane.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Database.DataDir == "" {
		errs = append(errs, "database.data_dir is required")
	}
	if c.Remote.BaseURL == "" {
		errs = append(errs, "remote.base_url is required")
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, "remote.timeout must be positive")
	}
	if c.Tracking.LocationInterval <= 0 {
		errs = append(errs, "tracking.location_interval must be positive")
	}
	if c.Tracking.TickInterval <= 0 {
		errs = append(errs, "tracking.tick_interval must be positive")
	}
	switch c.Tracking.Source {
	case SourcePush:
	case SourceReplay:
		if c.Tracking.ReplayFile == "" {
			errs = append(errs, "tracking.replay_file is required when tracking.source is replay")
		}
	default:
		errs = append(errs, fmt.Sprintf("tracking.source must be %q or %q, got %q", SourcePush, SourceReplay, c.Tracking.Source))
	}
	if c.Sync.UploadTimeout <= 0 {
		errs = append(errs, "sync.upload_timeout must be positive")
	}
	if c.Sync.RetrySchedule == "" {
		errs = append(errs, "sync.retry_schedule is required")
	}
	if c.Sync.RefreshSchedule == "" {
		errs = append(errs, "sync.refresh_schedule is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
