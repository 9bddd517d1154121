package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STREAMER_AUTH_SECRET", "unit-test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("unexpected address %q", cfg.Address)
	}
	if cfg.TokenTTL != DefaultTokenTTL {
		t.Fatalf("unexpected token ttl %v", cfg.TokenTTL)
	}
	if got := cfg.EntityCacheTTL("analytics"); got != time.Minute {
		t.Fatalf("analytics cache ttl = %v, want 1m", got)
	}
	if got := cfg.EntityCacheTTL("job_opening"); got != 30*time.Minute {
		t.Fatalf("job_opening cache ttl = %v, want 30m", got)
	}
	if got := cfg.EntityCacheTTL("unknown"); got != DefaultCacheTTL {
		t.Fatalf("fallback cache ttl = %v, want %v", got, DefaultCacheTTL)
	}
	if got := cfg.BaseFlushInterval("notification"); got != 50*time.Millisecond {
		t.Fatalf("notification flush interval = %v, want 50ms", got)
	}
	if got := cfg.BaseFlushInterval("candidate"); got != DefaultFlushBaseInterval {
		t.Fatalf("fallback flush interval = %v, want %v", got, DefaultFlushBaseInterval)
	}
}

func TestLoadRejectsInvalidOverrides(t *testing.T) {
	t.Setenv("STREAMER_AUTH_SECRET", "unit-test-secret")
	t.Setenv("STREAMER_MAX_PAYLOAD_BYTES", "not-a-number")
	t.Setenv("STREAMER_IDLE_THRESHOLD", "-5m")

	_, err := Load()
	if err == nil {
		t.Fatal("expected Load to fail with invalid overrides")
	}
	if !strings.Contains(err.Error(), "STREAMER_MAX_PAYLOAD_BYTES") {
		t.Fatalf("error missing payload problem: %v", err)
	}
	if !strings.Contains(err.Error(), "STREAMER_IDLE_THRESHOLD") {
		t.Fatalf("error missing idle threshold problem: %v", err)
	}
}

func TestLoadRequiresMatchedTLSPair(t *testing.T) {
	t.Setenv("STREAMER_AUTH_SECRET", "unit-test-secret")
	t.Setenv("STREAMER_TLS_CERT", "/tmp/cert.pem")

	if _, err := Load(); err == nil {
		t.Fatal("expected Load to reject a lone TLS certificate")
	}
}

func TestLoadRequiresAuthSecret(t *testing.T) {
	t.Setenv("STREAMER_AUTH_SECRET", "")
	t.Setenv("STREAMER_MAX_CLIENTS", "-1")

	_, err := Load()
	if err == nil {
		t.Fatal("expected Load to fail without an auth secret")
	}
	if !strings.Contains(err.Error(), "STREAMER_AUTH_SECRET") {
		t.Fatalf("error missing auth secret problem: %v", err)
	}
	if !strings.Contains(err.Error(), "STREAMER_MAX_CLIENTS") {
		t.Fatalf("error missing max clients problem: %v", err)
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	t.Setenv("STREAMER_AUTH_SECRET", "unit-test-secret")
	t.Setenv("STREAMER_ADDR", ":9000")
	t.Setenv("STREAMER_TOKEN_TTL", "30m")
	t.Setenv("STREAMER_FLUSH_LOAD_THRESHOLD", "100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Address != ":9000" {
		t.Fatalf("address override not applied: %q", cfg.Address)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("token ttl override not applied: %v", cfg.TokenTTL)
	}
	if cfg.FlushLoadThreshold != 100 {
		t.Fatalf("load threshold override not applied: %d", cfg.FlushLoadThreshold)
	}
}
