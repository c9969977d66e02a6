package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port '8080', got '%s'", cfg.Port)
	}
	if cfg.JWTSecret != "dev-secret-change-in-prod" {
		t.Errorf("expected default JWT secret, got '%s'", cfg.JWTSecret)
	}
	if cfg.MigrationsPath != "migrations" {
		t.Errorf("expected default migrations path, got '%s'", cfg.MigrationsPath)
	}
	if cfg.KafkaBrokers != "" {
		t.Errorf("expected empty Kafka brokers by default, got '%s'", cfg.KafkaBrokers)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected default Redis addr, got '%s'", cfg.RedisAddr)
	}
	if cfg.MaxConnections != 10000 {
		t.Errorf("expected default max connections 10000, got %d", cfg.MaxConnections)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected default heartbeat interval 30s, got %s", cfg.HeartbeatInterval)
	}
	if cfg.WebhookMaxAttempts != 6 {
		t.Errorf("expected default webhook max attempts 6, got %d", cfg.WebhookMaxAttempts)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("PORT", "9090")
	os.Setenv("MAX_CONNECTIONS_PER_TENANT", "25")
	os.Setenv("RELAY_BACKOFF_MAX", "10s")
	defer os.Unsetenv("PORT")
	defer os.Unsetenv("MAX_CONNECTIONS_PER_TENANT")
	defer os.Unsetenv("RELAY_BACKOFF_MAX")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("expected port '9090', got '%s'", cfg.Port)
	}
	if cfg.MaxConnectionsPerTenant != 25 {
		t.Errorf("expected per-tenant ceiling 25, got %d", cfg.MaxConnectionsPerTenant)
	}
	if cfg.RelayBackoffMax != 10*time.Second {
		t.Errorf("expected relay backoff max 10s, got %s", cfg.RelayBackoffMax)
	}
}

func TestGetEnvFallback(t *testing.T) {
	result := getEnv("NONEXISTENT_VAR_12345", "fallback")
	if result != "fallback" {
		t.Errorf("expected 'fallback', got '%s'", result)
	}
}

func TestGetEnvIntIgnoresMalformed(t *testing.T) {
	os.Setenv("MISSED_HEARTBEATS", "not-a-number")
	defer os.Unsetenv("MISSED_HEARTBEATS")

	cfg := Load()
	if cfg.MissedHeartbeats != 3 {
		t.Errorf("expected fallback 3 for malformed int, got %d", cfg.MissedHeartbeats)
	}
}
