package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WSHUB_SELF_BASE_URL", "https://hub.example.com/")
	t.Setenv("WSHUB_ADMIN_TOKEN", "")
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SelfBaseURL != "https://hub.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.SelfBaseURL)
	}
	if cfg.StoreBackend != StoreBackendSQLite {
		t.Fatalf("expected sqlite default backend, got %q", cfg.StoreBackend)
	}
	if cfg.HTTPTimeout != 120*time.Second {
		t.Fatalf("expected 120s default timeout, got %v", cfg.HTTPTimeout)
	}
	if len(cfg.FetchRetryDelays) != 7 || cfg.FetchRetryDelays[0] != 60*time.Second {
		t.Fatalf("unexpected default fetch retry delays: %v", cfg.FetchRetryDelays)
	}
	if !cfg.PublicHub || !cfg.StrictTopicHubLink {
		t.Fatalf("expected public hub and strict hub link defaults")
	}
}

func TestLoadEnvConfig_MissingSelfBaseURL(t *testing.T) {
	t.Setenv("WSHUB_ADMIN_TOKEN", "")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for missing WSHUB_SELF_BASE_URL")
	}
	if !strings.Contains(err.Error(), "WSHUB_SELF_BASE_URL") {
		t.Fatalf("error should mention WSHUB_SELF_BASE_URL: %v", err)
	}
}

func TestLoadEnvConfig_LeaseOrdering(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WSHUB_LEASE_SECONDS_MIN", "100000")
	t.Setenv("WSHUB_LEASE_SECONDS_PREFERRED", "500")

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "min <= preferred <= max") {
		t.Fatalf("expected lease ordering error, got %v", err)
	}
}

func TestLoadEnvConfig_PostgresRequiresDSN(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WSHUB_STORE_BACKEND", "postgres")

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "WSHUB_POSTGRES_DSN") {
		t.Fatalf("expected DSN error, got %v", err)
	}
}

func TestLoadEnvConfig_RetryDelayOverride(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WSHUB_DELIVERY_RETRY_DELAYS", "[5, 25, 125]")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []time.Duration{5 * time.Second, 25 * time.Second, 125 * time.Second}
	if len(cfg.DeliveryRetryDelays) != len(want) {
		t.Fatalf("expected %d delays, got %d", len(want), len(cfg.DeliveryRetryDelays))
	}
	for i := range want {
		if cfg.DeliveryRetryDelays[i] != want[i] {
			t.Fatalf("delay %d: expected %v, got %v", i, want[i], cfg.DeliveryRetryDelays[i])
		}
	}
}

func TestLoadEnvConfig_InvalidCronSchedule(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WSHUB_MAINTENANCE_SCHEDULE", "not a schedule")

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "WSHUB_MAINTENANCE_SCHEDULE") {
		t.Fatalf("expected cron validation error, got %v", err)
	}
}

func TestApplyFileDefaults_EnvWins(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WSHUB_PORT", "9999")

	path := filepath.Join(t.TempDir(), "hub.yaml")
	content := "WSHUB_PORT: \"1234\"\nWSHUB_WORKER_CONCURRENCY: \"3\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := ApplyFileDefaults(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Unset keys adopt file values; set keys keep env values.
	t.Cleanup(func() { os.Unsetenv("WSHUB_WORKER_CONCURRENCY") })

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("env should win over file, got port %d", cfg.Port)
	}
	if cfg.WorkerConcurrency != 3 {
		t.Fatalf("file default should apply, got concurrency %d", cfg.WorkerConcurrency)
	}
}

func TestIsWeakToken(t *testing.T) {
	if IsWeakToken("") {
		t.Fatal("empty token should not be weak (auth disabled)")
	}
	if !IsWeakToken("password") {
		t.Fatal("expected dictionary token to be weak")
	}
	if IsWeakToken("0cc1d9d26Fz!state-engine-47") {
		t.Fatal("expected long random token to be strong")
	}
}
