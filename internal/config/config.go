package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all engine configuration.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Lock    LockConfig
	Jobs    JobConfig
	Logging LogConfig
}

// ServerConfig holds the job query API server configuration.
type ServerConfig struct {
	Port              string `envconfig:"PORT" default:"8700"`
	Host              string `envconfig:"HOST" default:"0.0.0.0"`
	RequestsPerSecond int    `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int    `envconfig:"RATE_LIMIT_BURST" default:"100"`
}

// StorageConfig selects and parameterizes the state storage backend.
type StorageConfig struct {
	// Backend is one of "local", "object", "postgres".
	Backend string `envconfig:"STORAGE_BACKEND" default:"local"`

	// Local filesystem backend.
	Dir string `envconfig:"STORAGE_DIR" default:".syphon/state"`

	// HTTP object store backend.
	ObjectBaseURL string `envconfig:"OBJECT_BASE_URL"`
	ObjectPrefix  string `envconfig:"OBJECT_PREFIX" default:"syphon"`

	// Postgres backend.
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`
	PostgresTable string `envconfig:"POSTGRES_TABLE" default:"syphon_store"`
}

// LockConfig holds run lock timing parameters.
type LockConfig struct {
	TTL           time.Duration `envconfig:"LOCK_TTL" default:"5m"`
	RenewInterval time.Duration `envconfig:"LOCK_RENEW_INTERVAL" default:"1m"`
}

// JobConfig holds job run record and run log settings.
type JobConfig struct {
	LogDir         string        `envconfig:"JOB_LOG_DIR" default:".syphon/logs"`
	StderrTail     int           `envconfig:"STDERR_TAIL_LINES" default:"8"`
	TerminateGrace time.Duration `envconfig:"TERMINATE_GRACE" default:"5s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from SYPHON_-prefixed environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("syphon", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "8700",
			Host:              "0.0.0.0",
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Storage: StorageConfig{
			Backend:       "local",
			Dir:           ".syphon/state",
			ObjectPrefix:  "syphon",
			PostgresTable: "syphon_store",
		},
		Lock: LockConfig{
			TTL:           5 * time.Minute,
			RenewInterval: time.Minute,
		},
		Jobs: JobConfig{
			LogDir:         ".syphon/logs",
			StderrTail:     8,
			TerminateGrace: 5 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
