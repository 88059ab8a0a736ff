package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"pulsetrail/internal/types"
)

// LoadConfig loads configuration from command-line flags and environment
// variables with sensible defaults
func LoadConfig() (*types.Config, error) {
	return LoadConfigWithFlagSet(flag.CommandLine)
}

// LoadConfigWithFlagSet loads configuration using a specific flag set.
// This allows for better testing by avoiding global flag conflicts.
func LoadConfigWithFlagSet(fs *flag.FlagSet) (*types.Config, error) {
	config := &types.Config{}

	ingestPort := fs.Int("ingest-port", 2253, "TCP port for remote event ingestion")
	httpPort := fs.Int("http-port", 8080, "HTTP port for the viewer API")
	databasePath := fs.String("database-path", "events.db", "Path to SQLite database file")
	maxEvents := fs.Int("max-events", 100000, "Event-count ceiling before old events are pruned")
	maxConnections := fs.Int("max-connections", 100, "Maximum number of concurrent ingest connections")
	ingestBuffer := fs.Int("ingest-buffer", 4096, "Bounded ingest buffer capacity")
	observerBuffer := fs.Int("observer-buffer", 256, "Per-observer notification queue capacity")
	authUsername := fs.String("auth-username", "", "Username for HTTP Basic Auth (empty disables auth)")
	authPassword := fs.String("auth-password", "", "Password for HTTP Basic Auth")
	authEnabled := fs.Bool("auth-enabled", false, "Enable HTTP Basic Authentication")

	// Only parse if this is the global command line
	if fs == flag.CommandLine {
		fs.Parse(os.Args[1:])
	}

	// Load from environment variables (override flags)
	config.IngestPort = getIntFromEnv("PULSETRAIL_INGEST_PORT", *ingestPort)
	config.HTTPPort = getIntFromEnv("PULSETRAIL_HTTP_PORT", *httpPort)
	config.DatabasePath = getStringFromEnv("PULSETRAIL_DATABASE_PATH", *databasePath)
	config.MaxEvents = getIntFromEnv("PULSETRAIL_MAX_EVENTS", *maxEvents)
	config.MaxConnections = getIntFromEnv("PULSETRAIL_MAX_CONNECTIONS", *maxConnections)
	config.IngestBuffer = getIntFromEnv("PULSETRAIL_INGEST_BUFFER", *ingestBuffer)
	config.ObserverBuffer = getIntFromEnv("PULSETRAIL_OBSERVER_BUFFER", *observerBuffer)
	config.AuthUsername = getStringFromEnv("PULSETRAIL_AUTH_USERNAME", *authUsername)
	config.AuthPassword = getStringFromEnv("PULSETRAIL_AUTH_PASSWORD", *authPassword)
	config.AuthEnabled = getBoolFromEnv("PULSETRAIL_AUTH_ENABLED", *authEnabled)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// validateConfig validates the configuration and applies business rules
func validateConfig(config *types.Config) error {
	if config.IngestPort < 1 || config.IngestPort > 65535 {
		return fmt.Errorf("ingest-port must be between 1 and 65535, got %d", config.IngestPort)
	}
	if config.HTTPPort < 1 || config.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", config.HTTPPort)
	}
	if config.IngestPort == config.HTTPPort {
		return fmt.Errorf("ingest-port and http-port cannot be the same (%d)", config.IngestPort)
	}

	if strings.TrimSpace(config.DatabasePath) == "" {
		return fmt.Errorf("database-path cannot be empty")
	}

	if config.MaxEvents < 1 {
		return fmt.Errorf("max-events must be at least 1, got %d", config.MaxEvents)
	}
	if config.MaxConnections < 1 {
		return fmt.Errorf("max-connections must be at least 1, got %d", config.MaxConnections)
	}
	if config.IngestBuffer < 1 {
		return fmt.Errorf("ingest-buffer must be at least 1, got %d", config.IngestBuffer)
	}
	if config.ObserverBuffer < 1 {
		return fmt.Errorf("observer-buffer must be at least 1, got %d", config.ObserverBuffer)
	}

	if config.AuthEnabled {
		if strings.TrimSpace(config.AuthUsername) == "" {
			return fmt.Errorf("auth-username cannot be empty when auth-enabled is true")
		}
		if strings.TrimSpace(config.AuthPassword) == "" {
			return fmt.Errorf("auth-password cannot be empty when auth-enabled is true")
		}
	}

	// Auto-enable auth if both username and password are provided
	if !config.AuthEnabled && config.AuthUsername != "" && config.AuthPassword != "" {
		config.AuthEnabled = true
	}

	return nil
}

// Helper functions for environment variable parsing

func getStringFromEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntFromEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolFromEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
