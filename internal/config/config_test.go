package config

import (
	"flag"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := LoadConfigWithFlagSet(fs)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.IngestPort != 2253 {
		t.Errorf("Expected default ingest port 2253, got %d", cfg.IngestPort)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("Expected default http port 8080, got %d", cfg.HTTPPort)
	}
	if cfg.DatabasePath != "events.db" {
		t.Errorf("Expected default database path events.db, got %q", cfg.DatabasePath)
	}
	if cfg.MaxEvents != 100000 {
		t.Errorf("Expected default max events 100000, got %d", cfg.MaxEvents)
	}
	if cfg.AuthEnabled {
		t.Error("Expected auth to be disabled by default")
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PULSETRAIL_INGEST_PORT", "3300")
	t.Setenv("PULSETRAIL_DATABASE_PATH", "/tmp/override.db")
	t.Setenv("PULSETRAIL_MAX_EVENTS", "500")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := LoadConfigWithFlagSet(fs)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.IngestPort != 3300 {
		t.Errorf("Expected ingest port 3300 from environment, got %d", cfg.IngestPort)
	}
	if cfg.DatabasePath != "/tmp/override.db" {
		t.Errorf("Expected database path override, got %q", cfg.DatabasePath)
	}
	if cfg.MaxEvents != 500 {
		t.Errorf("Expected max events 500 from environment, got %d", cfg.MaxEvents)
	}
}

func TestLoadConfig_InvalidEnvironmentFallsBack(t *testing.T) {
	t.Setenv("PULSETRAIL_INGEST_PORT", "not-a-number")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := LoadConfigWithFlagSet(fs)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.IngestPort != 2253 {
		t.Errorf("Expected unparsable env value to fall back to default, got %d", cfg.IngestPort)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "ingest port out of range",
			env:  map[string]string{"PULSETRAIL_INGEST_PORT": "70000"},
		},
		{
			name: "http port out of range",
			env:  map[string]string{"PULSETRAIL_HTTP_PORT": "0"},
		},
		{
			name: "identical ports",
			env: map[string]string{
				"PULSETRAIL_INGEST_PORT": "9000",
				"PULSETRAIL_HTTP_PORT":   "9000",
			},
		},
		{
			name: "empty database path",
			env:  map[string]string{"PULSETRAIL_DATABASE_PATH": "   "},
		},
		{
			name: "non-positive max events",
			env:  map[string]string{"PULSETRAIL_MAX_EVENTS": "0"},
		},
		{
			name: "non-positive ingest buffer",
			env:  map[string]string{"PULSETRAIL_INGEST_BUFFER": "-1"},
		},
		{
			name: "auth enabled without credentials",
			env:  map[string]string{"PULSETRAIL_AUTH_ENABLED": "true"},
		},
		{
			name: "auth enabled without password",
			env: map[string]string{
				"PULSETRAIL_AUTH_ENABLED":  "true",
				"PULSETRAIL_AUTH_USERNAME": "viewer",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			if _, err := LoadConfigWithFlagSet(fs); err == nil {
				t.Error("Expected a validation error")
			}
		})
	}
}

func TestLoadConfig_AutoEnableAuth(t *testing.T) {
	t.Setenv("PULSETRAIL_AUTH_USERNAME", "viewer")
	t.Setenv("PULSETRAIL_AUTH_PASSWORD", "secret")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := LoadConfigWithFlagSet(fs)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.AuthEnabled {
		t.Error("Expected auth to auto-enable when both credentials are set")
	}
}
