// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageBackend represents the storage implementation type.
type StorageBackend string

const (
	// StorageMemory uses in-memory storage (for development/testing).
	StorageMemory StorageBackend = "memory"
	// StoragePostgres uses PostgreSQL storage (for production).
	StoragePostgres StorageBackend = "postgres"
	// StorageSQLite uses an embedded SQLite file (single-node deployments).
	StorageSQLite StorageBackend = "sqlite"
)

// Base contains common configuration shared by all services.
type Base struct {
	// Service identification
	ServiceName string
	Environment string // development, staging, production
	Version     string

	// Server
	GRPCPort        int
	HTTPPort        int
	ShutdownTimeout time.Duration

	// Storage backend
	StorageBackend StorageBackend

	// Database (used when StorageBackend is "postgres")
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// SQLite (used when StorageBackend is "sqlite")
	SQLitePath string

	// Redis. Empty URL disables event fan-out and health mirroring.
	RedisURL      string
	EventsChannel string

	// Queue
	QueueConcurrency int
	PolicyFile       string

	// Local Ollama used when no policy file is configured
	OllamaHost  string
	OllamaModel string

	// Observability
	ObserveEndpoint string
	LogLevel        string
	LogFormat       string // json, text

	// Tracing
	TracingEnabled  bool
	TracingSampling float64
}

// Load loads base configuration from CONDUIT_* environment variables.
// Unset variables take their defaults. Malformed or out of range values
// fail the load, and every offending variable is reported at once.
func Load(serviceName string) (*Base, error) {
	var e env
	cfg := &Base{
		ServiceName: serviceName,
		Environment: e.str("CONDUIT_ENV", "development"),
		Version:     e.str("CONDUIT_VERSION", "dev"),

		GRPCPort:        e.int("CONDUIT_GRPC_PORT", 9000),
		HTTPPort:        e.int("CONDUIT_HTTP_PORT", 8080),
		ShutdownTimeout: e.duration("CONDUIT_SHUTDOWN_TIMEOUT", 30*time.Second),

		StorageBackend: e.storage("CONDUIT_STORAGE_BACKEND", StorageMemory),

		DBHost:     e.str("CONDUIT_DB_HOST", "localhost"),
		DBPort:     e.int("CONDUIT_DB_PORT", 5432),
		DBUser:     e.str("CONDUIT_DB_USER", "conduit"),
		DBPassword: e.str("CONDUIT_DB_PASSWORD", ""),
		DBName:     e.str("CONDUIT_DB_NAME", "conduit"),
		DBSSLMode:  e.str("CONDUIT_DB_SSLMODE", "disable"),

		SQLitePath: e.str("CONDUIT_SQLITE_PATH", "conduit.db"),

		RedisURL:      e.str("CONDUIT_REDIS_URL", ""),
		EventsChannel: e.str("CONDUIT_EVENTS_CHANNEL", "conduit:events"),

		QueueConcurrency: e.int("CONDUIT_QUEUE_CONCURRENCY", 1),
		PolicyFile:       e.str("CONDUIT_POLICY_FILE", ""),

		OllamaHost:  e.str("CONDUIT_OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel: e.str("CONDUIT_OLLAMA_MODEL", "llama3.2"),

		ObserveEndpoint: e.str("CONDUIT_OBSERVE_ENDPOINT", "localhost:4317"),
		LogLevel:        e.str("CONDUIT_LOG_LEVEL", "info"),
		LogFormat:       e.str("CONDUIT_LOG_FORMAT", "json"),

		TracingEnabled:  e.bool("CONDUIT_TRACING_ENABLED", false),
		TracingSampling: e.float("CONDUIT_TRACING_SAMPLING", 1.0),
	}

	if cfg.QueueConcurrency < 1 {
		e.fail("CONDUIT_QUEUE_CONCURRENCY", fmt.Sprint(cfg.QueueConcurrency), "must be >= 1")
	}
	if cfg.TracingSampling < 0 || cfg.TracingSampling > 1 {
		e.fail("CONDUIT_TRACING_SAMPLING", fmt.Sprint(cfg.TracingSampling), "must be within [0,1]")
	}
	if cfg.ShutdownTimeout <= 0 {
		e.fail("CONDUIT_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout.String(), "must be positive")
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DatabaseDSN returns the PostgreSQL connection string.
func (c *Base) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// IsDevelopment returns true if running in development mode.
func (c *Base) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Base) IsProduction() bool {
	return c.Environment == "production"
}

// UseMemoryStorage returns true if using in-memory storage.
func (c *Base) UseMemoryStorage() bool {
	return c.StorageBackend == StorageMemory
}

// UsePostgresStorage returns true if using PostgreSQL storage.
func (c *Base) UsePostgresStorage() bool {
	return c.StorageBackend == StoragePostgres
}

// UseSQLiteStorage returns true if using SQLite storage.
func (c *Base) UseSQLiteStorage() bool {
	return c.StorageBackend == StorageSQLite
}

// RedisEnabled reports whether a Redis URL was configured.
func (c *Base) RedisEnabled() bool {
	return c.RedisURL != ""
}

// ParseStorageBackend maps a backend name, including common aliases.
func ParseStorageBackend(s string) (StorageBackend, bool) {
	switch strings.ToLower(s) {
	case "memory", "mem":
		return StorageMemory, true
	case "postgres", "postgresql", "pg":
		return StoragePostgres, true
	case "sqlite", "sqlite3":
		return StorageSQLite, true
	default:
		return "", false
	}
}

// env reads typed variables and remembers every malformed one.
type env struct {
	errs []error
}

func (e *env) fail(key, value, reason string) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %s", key, value, reason))
}

func (e *env) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parse runs fn on a set variable, keeping def when it is unset or malformed.
func parse[T any](e *env, key string, def T, what string, fn func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := fn(raw)
	if err != nil {
		e.fail(key, raw, "not a valid "+what)
		return def
	}
	return v
}

func (e *env) int(key string, def int) int {
	return parse(e, key, def, "integer", strconv.Atoi)
}

func (e *env) bool(key string, def bool) bool {
	return parse(e, key, def, "boolean", strconv.ParseBool)
}

func (e *env) float(key string, def float64) float64 {
	return parse(e, key, def, "number", func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	return parse(e, key, def, "duration", time.ParseDuration)
}

func (e *env) storage(key string, def StorageBackend) StorageBackend {
	return parse(e, key, def, "storage backend (memory, postgres, sqlite)", func(s string) (StorageBackend, error) {
		b, ok := ParseStorageBackend(s)
		if !ok {
			return "", errors.New("unknown backend")
		}
		return b, nil
	})
}
