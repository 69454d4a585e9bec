package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    Duration{Duration: 15 * time.Second},
			WriteTimeout:   Duration{Duration: 15 * time.Second},
			IdleTimeout:    Duration{Duration: 60 * time.Second},
			RequestTimeout: Duration{Duration: 30 * time.Second},
			MaxBodyBytes:   1 << 20, // 1 MiB
			DashboardServerName: "PayGate",
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Gate: GateConfig{
			ShadowMode:            false,
			DefaultCreditsPerCall: 1,
			RefundOnFailure:       true,
			BackendTimeout:        Duration{Duration: 30 * time.Second},
			FreeMethods:           []string{"initialize", "tools/list", "ping", "logging/setLevel"},
		},
		KeyStore: KeyStoreConfig{
			FlushInterval:     Duration{Duration: 2 * time.Second},
			FingerprintPrefix: "pg",
			MaxCredits:        1_000_000_000,
			MaxTools:          100,
			MaxTags:           50,
			MaxTagLength:      100,
			MaxNameLength:     200,
		},
		RateLimit: RateLimitConfig{
			GlobalPerKeyPerMin: 0,
			Window:             Duration{Duration: 60 * time.Second},
			HTTPEnabled:        true,
			HTTPLimit:          300,
			HTTPWindow:         Duration{Duration: 1 * time.Minute},
		},
		Quota: QuotaConfig{
			Enabled: true,
		},
		UsageMeter: UsageMeterConfig{
			Capacity:     100_000,
			TrimFraction: 0.25,
		},
		Expiry: ExpiryConfig{
			Enabled:      true,
			ScanInterval: Duration{Duration: 60 * time.Second},
			WarnThresholds: []Duration{
				{Duration: 24 * time.Hour},
				{Duration: 3 * 24 * time.Hour},
				{Duration: 7 * 24 * time.Hour},
			},
			DedupCleanupMultiplier: 2.0,
			MaxGrantsPerKey:        100,
			MaxTrackedKeys:         10_000,
		},
		TaskManager: TaskManagerConfig{
			MaxTasks:        10_000,
			EvictFraction:   0.10,
			TaskTimeout:     Duration{Duration: 5 * time.Minute},
			CleanupInterval: Duration{Duration: 60 * time.Second},
			DefaultPageSize: 50,
			MaxPageSize:     200,
		},
		DistSync: DistSyncConfig{
			Enabled:      false,
			KeyPrefix:    "paygate",
			SyncInterval: Duration{Duration: 5 * time.Second},
			DialTimeout:  Duration{Duration: 5 * time.Second},
		},
		Webhook: WebhookConfig{
			Timeout: Duration{Duration: 15 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 5 * time.Minute},
				Multiplier:      2.0,
			},
		},
		Stripe: StripeConfig{
			ReplayWindow: Duration{Duration: 300 * time.Second},
		},
		X402: X402Config{
			Timeout:          Duration{Duration: 15 * time.Second},
			Network:          "base",
			TokenDecimals:    6,
			CreditsPerDollar: 100,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Stripe: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
			Facilitator: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
