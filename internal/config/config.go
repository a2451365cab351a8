// Package config loads daemon configuration from a YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment overrides, e.g.
// HIVEMARK_SERVER_PORT overrides server.port.
const envPrefix = "HIVEMARK_"

// Queue backend names.
const (
	QueueBackendFile     = "file"
	QueueBackendPostgres = "postgres"
)

// Config is the full daemon configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Remote      RemoteConfig      `koanf:"remote"`
	Queue       QueueConfig       `koanf:"queue"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Goals       GoalsConfig       `koanf:"goals"`
	Sync        SyncConfig        `koanf:"sync"`
	Ingest      IngestConfig      `koanf:"ingest"`
}

// ServerConfig configures the local HTTP API and metrics listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RemoteConfig configures the goal-service API client.
type RemoteConfig struct {
	BaseURL   string        `koanf:"base_url"`
	Timeout   time.Duration `koanf:"timeout"`
	UserAgent string        `koanf:"user_agent"`
}

// QueueConfig configures the durable submission queue store.
type QueueConfig struct {
	// Backend selects the store implementation: "file" or "postgres".
	Backend string `koanf:"backend"`
	// Path of the queue file for the file backend.
	Path string `koanf:"path"`
	// DatabaseURL for the postgres backend.
	DatabaseURL string `koanf:"database_url"`
	// StuckThreshold overrides the default stuck-item eviction threshold
	// when positive.
	StuckThreshold int `koanf:"stuck_threshold"`
}

// CredentialsConfig configures credential storage.
type CredentialsConfig struct {
	Dir string `koanf:"dir"`
}

// GoalsConfig configures the goal metadata cache.
type GoalsConfig struct {
	CachePath  string        `koanf:"cache_path"`
	StaleAfter time.Duration `koanf:"stale_after"`
}

// SyncConfig configures delivery pacing and background scheduling.
type SyncConfig struct {
	// ProbeInterval is how often reachability is checked.
	ProbeInterval time.Duration `koanf:"probe_interval"`
	// ScheduleInterval is how often the background batch uploader runs
	// while the queue is non-empty.
	ScheduleInterval time.Duration `koanf:"schedule_interval"`
	// RatePerSecond bounds remote delivery attempts.
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`
}

// IngestConfig configures the cross-device ingest endpoint.
type IngestConfig struct {
	// JWTSecret signs bearer tokens presented by external producers. The
	// endpoint is disabled when empty.
	JWTSecret string `koanf:"jwt_secret"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              "8420",
			MetricsPort:       "9420",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 2 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Remote: RemoteConfig{
			Timeout:   20 * time.Second,
			UserAgent: "hivemarkd",
		},
		Queue: QueueConfig{
			Backend: QueueBackendFile,
		},
		Goals: GoalsConfig{
			StaleAfter: 5 * time.Minute,
		},
		Sync: SyncConfig{
			ProbeInterval:    30 * time.Second,
			ScheduleInterval: 5 * time.Minute,
			RatePerSecond:    5,
			Burst:            1,
		},
	}
}

// Load reads configuration from the optional YAML file at path, applies
// HIVEMARK_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps HIVEMARK_SERVER_PORT to server.port. Section and key join at
// the first underscore; keys with internal underscores (base_url) keep them
// past that point.
func envKey(raw string) string {
	key := strings.ToLower(strings.TrimPrefix(raw, envPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required")
	}
	switch c.Queue.Backend {
	case QueueBackendFile:
		if c.Queue.Path == "" {
			return errors.New("queue.path is required for the file backend")
		}
	case QueueBackendPostgres:
		if c.Queue.DatabaseURL == "" {
			return errors.New("queue.database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	if c.Credentials.Dir == "" {
		return errors.New("credentials.dir is required")
	}
	if c.Goals.CachePath == "" {
		return errors.New("goals.cache_path is required")
	}
	return nil
}
