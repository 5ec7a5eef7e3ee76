package config

import (
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GEMINI_API_KEYS", "key-a,key-b")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AppEnv != "development" {
		t.Fatalf("expected development, got %q", cfg.AppEnv)
	}
	if cfg.HTTPListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr %q", cfg.HTTPListenAddr)
	}
	if len(cfg.GeminiAPIKeys) != 2 {
		t.Fatalf("expected 2 keys, got %v", cfg.GeminiAPIKeys)
	}
	if cfg.GeminiTimeout != 15*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.GeminiTimeout)
	}
}

func TestLoadRequiresOracleKeys(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without oracle keys")
	}
}

func TestLoadProductionRequiresToken(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("PUBLIC_BASE_URL", "https://bot.example.com")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without gateway token in production")
	}

	t.Setenv("GATEWAY_AUTH_TOKEN", "secret")
	if _, err := Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadProductionRejectsSkipVerify(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("PUBLIC_BASE_URL", "https://bot.example.com")
	t.Setenv("GATEWAY_AUTH_TOKEN", "secret")
	t.Setenv("GATEWAY_SKIP_VERIFY", "true")

	if _, err := Load(); err == nil {
		t.Fatal("expected error: skip-verify must not pass in production")
	}
}
