package observability

import (
	"testing"

	"github.com/smallbiznis/slotbroker/internal/config"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("DEPLOYMENT_ENV", "")

	cfg := LoadConfig(config.Config{AppName: "", Environment: "production", AppVersion: "1.2.3"})
	if cfg.ServiceName != "slotbroker" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.OtelEnabled {
		t.Fatalf("expected otel disabled by default")
	}
	if cfg.Debug() {
		t.Fatalf("production info logging must not be debug")
	}
	if cfg.Version != "1.2.3" {
		t.Fatalf("expected version from app config, got %q", cfg.Version)
	}
}

func TestDebugInDevelopment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DEPLOYMENT_ENV", "local")
	cfg := LoadConfig(config.Config{AppName: "slotbroker"})
	if !cfg.Debug() {
		t.Fatalf("expected debug for local env")
	}
}
