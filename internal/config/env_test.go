package config

import (
	"os"
	"testing"
)

func TestEnvOverrides_ServerConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "PAYGATE_PORT overrides default address",
			envVars: map[string]string{
				"PAYGATE_PORT": "3000",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name: "PAYGATE_ADMIN_KEY override",
			envVars: map[string]string{
				"PAYGATE_ADMIN_KEY": "super-secret",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.AdminKey != "super-secret" {
					t.Errorf("expected super-secret, got %s", cfg.Server.AdminKey)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_ShadowModeBoolean(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"false", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv("PAYGATE_SHADOW_MODE", tt.value)
			}
			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			if cfg.Gate.ShadowMode != tt.want {
				t.Errorf("PAYGATE_SHADOW_MODE=%q: expected %v, got %v", tt.value, tt.want, cfg.Gate.ShadowMode)
			}
		})
	}
}

func TestEnvOverrides_DistributedSync(t *testing.T) {
	defer os.Clearenv()
	os.Clearenv()
	os.Setenv("PAYGATE_DISTRIBUTED_SYNC_ENABLED", "true")
	os.Setenv("PAYGATE_REDIS_URL", "redis://localhost:6379/0")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if !cfg.DistSync.Enabled {
		t.Error("expected DistSync.Enabled to be true")
	}
	if cfg.DistSync.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("expected redis url override, got %s", cfg.DistSync.RedisURL)
	}
}

func TestEnvOverrides_X402Config(t *testing.T) {
	defer os.Clearenv()
	os.Clearenv()
	os.Setenv("PAYGATE_X402_FACILITATOR_URL", "https://facilitator.example.com")
	os.Setenv("PAYGATE_X402_RECIPIENT", "0xabc123")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.X402.FacilitatorURL != "https://facilitator.example.com" {
		t.Errorf("expected facilitator url override, got %s", cfg.X402.FacilitatorURL)
	}
	if cfg.X402.Recipient != "0xabc123" {
		t.Errorf("expected recipient override, got %s", cfg.X402.Recipient)
	}
}
