package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig_RequiredFields(t *testing.T) {
	clearEnv()
	defer clearEnv()

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when gate.backend_url is missing, got nil")
	}
	if !contains(err.Error(), "gate.backend_url is required") {
		t.Errorf("expected backend_url error, got: %v", err)
	}
}

func TestLoadConfig_ValidMinimal(t *testing.T) {
	clearEnv()
	os.Setenv("PAYGATE_BACKEND_URL", "http://localhost:9000")
	defer clearEnv()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected no error with valid config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected config, got nil")
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("expected default address :8080, got %s", cfg.Server.Address)
	}
	if cfg.KeyStore.MaxCredits != 1_000_000_000 {
		t.Errorf("expected default max credits 1e9, got %d", cfg.KeyStore.MaxCredits)
	}
	if cfg.UsageMeter.Capacity != 100_000 {
		t.Errorf("expected default usage meter capacity 100000, got %d", cfg.UsageMeter.Capacity)
	}
}

func TestLoadConfig_ExpiryScanIntervalFloor(t *testing.T) {
	clearEnv()
	os.Setenv("PAYGATE_BACKEND_URL", "http://localhost:9000")
	defer clearEnv()

	cfg := defaultConfig()
	cfg.Expiry.ScanInterval = Duration{}
	cfg.applyEnvOverrides()
	if err := cfg.finalize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gate.BackendURL == "" {
		t.Fatal("expected backend url from env")
	}
	if cfg.Expiry.ScanInterval.Duration != 60*time.Second {
		t.Fatalf("expected scan interval floored to 60s, got %v", cfg.Expiry.ScanInterval.Duration)
	}
}

func TestLoadConfig_DistSyncRequiresRedisURL(t *testing.T) {
	clearEnv()
	os.Setenv("PAYGATE_BACKEND_URL", "http://localhost:9000")
	os.Setenv("PAYGATE_DISTRIBUTED_SYNC_ENABLED", "true")
	defer clearEnv()

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when distributed sync enabled without redis url")
	}
	if !contains(err.Error(), "distributed_sync.redis_url") {
		t.Errorf("expected redis_url error, got: %v", err)
	}
}

func TestLoadConfig_WebhookRequiresSecret(t *testing.T) {
	clearEnv()
	os.Setenv("PAYGATE_BACKEND_URL", "http://localhost:9000")
	os.Setenv("PAYGATE_WEBHOOKS_ENABLED", "true")
	defer clearEnv()

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when webhooks enabled without secret")
	}
	if !contains(err.Error(), "webhook.secret") {
		t.Errorf("expected webhook.secret error, got: %v", err)
	}
}

func TestLoadConfig_X402RequiresFacilitator(t *testing.T) {
	clearEnv()
	os.Setenv("PAYGATE_BACKEND_URL", "http://localhost:9000")
	os.Setenv("PAYGATE_X402_ENABLED", "true")
	defer clearEnv()

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error when x402 enabled without facilitator url")
	}
	if !contains(err.Error(), "x402.facilitator_url") {
		t.Errorf("expected facilitator_url error, got: %v", err)
	}
}

// Test helpers

func clearEnv() {
	envVars := []string{
		"PAYGATE_PORT", "PAYGATE_PORT_ADDRESS", "PAYGATE_ADMIN_KEY", "PAYGATE_MAX_BODY_BYTES",
		"PAYGATE_STATE_PATH", "PAYGATE_FINGERPRINT_PREFIX",
		"PAYGATE_SHADOW_MODE", "PAYGATE_BACKEND_URL", "PAYGATE_REFUND_ON_FAILURE",
		"PAYGATE_QUOTA_ENABLED", "PAYGATE_EXPIRY_SCANNER_ENABLED",
		"PAYGATE_DISTRIBUTED_SYNC_ENABLED", "PAYGATE_REDIS_URL", "PAYGATE_DISTRIBUTED_SYNC_INTERVAL",
		"PAYGATE_WEBHOOKS_ENABLED", "PAYGATE_WEBHOOK_SECRET",
		"PAYGATE_STRIPE_ENABLED", "PAYGATE_STRIPE_WEBHOOK_SECRET",
		"PAYGATE_X402_ENABLED", "PAYGATE_X402_FACILITATOR_URL", "PAYGATE_X402_NETWORK",
		"PAYGATE_X402_ASSET", "PAYGATE_X402_RECIPIENT",
		"PAYGATE_LOG_LEVEL", "PAYGATE_LOG_FORMAT",
	}
	for _, key := range envVars {
		os.Unsetenv(key)
	}
}

func contains(s, substr string) bool {
	if len(substr) == 0 {
		return true
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
