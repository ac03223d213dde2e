package config_test

import (
	"testing"
	"time"

	"sightline/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"SL_ENV", "SL_PORT", "SL_GRACE_PERIOD", "SL_POSTGRES_DSN", "SL_REDIS_ADDR"} {
		t.Setenv(k, "")
	}
	c, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if c.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", c.Port)
	}
	if c.GracePeriod != 30*time.Second {
		t.Fatalf("expected 30s grace period, got %v", c.GracePeriod)
	}
	if c.UseLiveGateway() {
		t.Fatalf("no DSN configured, live gateway must be off")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SL_PORT", "9999")
	t.Setenv("SL_GRACE_PERIOD", "5s")
	t.Setenv("SL_POSTGRES_DSN", "postgres://localhost/sightline")
	t.Setenv("SL_REDIS_ADDR", "localhost:6379")

	c, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if c.Port != 9999 || c.GracePeriod != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if !c.UseLiveGateway() {
		t.Fatalf("expected live gateway")
	}
	if c.HTTPAddr() != ":9999" {
		t.Fatalf("unexpected addr %q", c.HTTPAddr())
	}
}

func TestLoadRejectsHalfConfiguredGateway(t *testing.T) {
	t.Setenv("SL_POSTGRES_DSN", "postgres://localhost/sightline")
	t.Setenv("SL_REDIS_ADDR", "")
	if _, err := config.Load(); err == nil {
		t.Fatalf("expected error for DSN without redis addr")
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("SL_PORT", "not-a-port")
	t.Setenv("SL_POSTGRES_DSN", "")
	t.Setenv("SL_REDIS_ADDR", "")
	if _, err := config.Load(); err == nil {
		t.Fatalf("expected error for non-integer port")
	}
}
