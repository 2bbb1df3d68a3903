// Package config provides configuration for the CLI.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds CLI configuration.
type Config struct {
	// Address of the queue service gRPC endpoint.
	Addr string

	// Timeout bounds every unary call. Submit --wait and watch are not bound.
	Timeout time.Duration

	// Output format
	Format string // json, table, yaml

	// Verbosity
	Verbose bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:    getEnv("CONDUIT_ADDR", "localhost:9000"),
		Timeout: getEnvDuration("CONDUIT_TIMEOUT", 30*time.Second),
		Format:  getEnv("CONDUIT_FORMAT", "table"),
		Verbose: getEnvBool("CONDUIT_VERBOSE", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
