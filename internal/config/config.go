// Package config provides orchestrator configuration loaded from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// KV backends.
const (
	KVBackendRedis    = "redis"
	KVBackendPostgres = "postgres"
)

// Event store backends.
const (
	EventStoreMemory   = "memory"
	EventStorePostgres = "postgres"
)

// Config holds orchestrator configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"orchestration-core"`

	// Subjects
	EventSubjectPrefix string `envconfig:"EVENT_SUBJECT_PREFIX" default:"events"`
	CommandSubject     string `envconfig:"COMMAND_SUBJECT" default:"orchestrator.command"`
	QuerySubject       string `envconfig:"QUERY_SUBJECT" default:"orchestrator.query"`
	SagaSubject        string `envconfig:"SAGA_SUBJECT" default:"orchestrator.saga"`

	// Timeouts
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`

	// Key-value store
	KVBackend     string `envconfig:"KV_BACKEND" default:"redis"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Event store
	EventStore string `envconfig:"EVENT_STORE" default:"memory"`

	// Database
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// Retention and caching
	CommandRetention     time.Duration            `envconfig:"COMMAND_RETENTION" default:"720h"`
	SagaRetention        time.Duration            `envconfig:"SAGA_RETENTION" default:"720h"`
	QueryCacheDefaultTTL time.Duration            `envconfig:"QUERY_CACHE_DEFAULT_TTL" default:"300s"`
	QueryCacheTTLs       map[string]time.Duration `envconfig:"QUERY_CACHE_TTLS"`

	// Saga definitions loaded at startup
	SagaDefinitionsFile string `envconfig:"SAGA_DEFINITIONS_FILE"`

	// Background loops
	SagaSweepInterval time.Duration `envconfig:"SAGA_SWEEP_INTERVAL" default:"60s"`
	KVPurgeInterval   time.Duration `envconfig:"KV_PURGE_INTERVAL" default:"10m"`

	// HTTP health endpoint
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	c.KVBackend = strings.ToLower(c.KVBackend)
	c.EventStore = strings.ToLower(c.EventStore)
	return &c, nil
}

// NeedsDatabase reports whether any configured backend is Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.KVBackend == KVBackendPostgres || c.EventStore == EventStorePostgres
}

// ValidateForServe checks required config when running the orchestrator server.
func (c *Config) ValidateForServe() error {
	switch c.KVBackend {
	case KVBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%s - REDIS_ADDR is required when KV_BACKEND=redis", logPrefix)
		}
	case KVBackendPostgres:
		if c.KVPurgeInterval <= 0 {
			return fmt.Errorf("%s - KV_PURGE_INTERVAL must be positive when KV_BACKEND=postgres", logPrefix)
		}
	default:
		return fmt.Errorf("%s - KV_BACKEND must be redis or postgres, got %q", logPrefix, c.KVBackend)
	}
	switch c.EventStore {
	case EventStoreMemory, EventStorePostgres:
	default:
		return fmt.Errorf("%s - EVENT_STORE must be memory or postgres, got %q", logPrefix, c.EventStore)
	}
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required for the postgres backends", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.SagaSweepInterval <= 0 {
		return fmt.Errorf("%s - SAGA_SWEEP_INTERVAL must be positive", logPrefix)
	}
	if c.CommandRetention <= 0 || c.SagaRetention <= 0 {
		return fmt.Errorf("%s - COMMAND_RETENTION and SAGA_RETENTION must be positive", logPrefix)
	}
	for typ, ttl := range c.QueryCacheTTLs {
		if ttl <= 0 {
			return fmt.Errorf("%s - QUERY_CACHE_TTLS entry %s must be positive", logPrefix, typ)
		}
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, purge).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
