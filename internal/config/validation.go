package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.DashboardServerName == "" {
		c.Server.DashboardServerName = "PayGate"
	}

	if c.Gate.DefaultCreditsPerCall < 0 {
		c.Gate.DefaultCreditsPerCall = 0
	}
	if c.Gate.BackendTimeout.Duration <= 0 {
		c.Gate.BackendTimeout = Duration{Duration: 30 * time.Second}
	}
	if len(c.Gate.FreeMethods) == 0 {
		c.Gate.FreeMethods = []string{"initialize", "tools/list", "ping", "logging/setLevel"}
	}

	if c.KeyStore.FingerprintPrefix == "" {
		c.KeyStore.FingerprintPrefix = "pg"
	}
	if c.KeyStore.MaxCredits <= 0 {
		c.KeyStore.MaxCredits = 1_000_000_000
	}
	if c.KeyStore.FlushInterval.Duration <= 0 {
		c.KeyStore.FlushInterval = Duration{Duration: 2 * time.Second}
	}
	if c.KeyStore.MaxTools <= 0 {
		c.KeyStore.MaxTools = 100
	}
	if c.KeyStore.MaxTags <= 0 {
		c.KeyStore.MaxTags = 50
	}
	if c.KeyStore.MaxTagLength <= 0 {
		c.KeyStore.MaxTagLength = 100
	}
	if c.KeyStore.MaxNameLength <= 0 {
		c.KeyStore.MaxNameLength = 200
	}

	if c.RateLimit.Window.Duration <= 0 {
		c.RateLimit.Window = Duration{Duration: 60 * time.Second}
	}
	if c.RateLimit.HTTPWindow.Duration <= 0 {
		c.RateLimit.HTTPWindow = Duration{Duration: 1 * time.Minute}
	}

	if c.UsageMeter.Capacity <= 0 {
		c.UsageMeter.Capacity = 100_000
	}
	if c.UsageMeter.TrimFraction <= 0 || c.UsageMeter.TrimFraction >= 1 {
		c.UsageMeter.TrimFraction = 0.25
	}

	// ExpiryScanner period has a documented minimum of 60s.
	if c.Expiry.ScanInterval.Duration < 60*time.Second {
		c.Expiry.ScanInterval = Duration{Duration: 60 * time.Second}
	}
	if c.Expiry.DedupCleanupMultiplier <= 0 {
		c.Expiry.DedupCleanupMultiplier = 2.0
	}
	if c.Expiry.MaxGrantsPerKey <= 0 {
		c.Expiry.MaxGrantsPerKey = 100
	}
	if c.Expiry.MaxTrackedKeys <= 0 {
		c.Expiry.MaxTrackedKeys = 10_000
	}

	if c.TaskManager.MaxTasks <= 0 {
		c.TaskManager.MaxTasks = 10_000
	}
	if c.TaskManager.EvictFraction <= 0 || c.TaskManager.EvictFraction >= 1 {
		c.TaskManager.EvictFraction = 0.10
	}
	if c.TaskManager.CleanupInterval.Duration <= 0 {
		c.TaskManager.CleanupInterval = Duration{Duration: 60 * time.Second}
	}
	if c.TaskManager.MaxPageSize <= 0 {
		c.TaskManager.MaxPageSize = 200
	}
	if c.TaskManager.DefaultPageSize <= 0 {
		c.TaskManager.DefaultPageSize = 50
	}
	if c.TaskManager.DefaultPageSize > c.TaskManager.MaxPageSize {
		c.TaskManager.DefaultPageSize = c.TaskManager.MaxPageSize
	}

	if c.DistSync.KeyPrefix == "" {
		c.DistSync.KeyPrefix = "paygate"
	}
	if c.DistSync.SyncInterval.Duration <= 0 {
		c.DistSync.SyncInterval = Duration{Duration: 5 * time.Second}
	}
	if c.DistSync.DialTimeout.Duration <= 0 {
		c.DistSync.DialTimeout = Duration{Duration: 5 * time.Second}
	}

	if c.Webhook.Timeout.Duration <= 0 {
		c.Webhook.Timeout = Duration{Duration: 15 * time.Second}
	}
	if c.Webhook.Retry.MaxAttempts <= 0 {
		c.Webhook.Retry.MaxAttempts = 5
	}
	if c.Webhook.Retry.InitialInterval.Duration <= 0 {
		c.Webhook.Retry.InitialInterval = Duration{Duration: 1 * time.Second}
	}
	if c.Webhook.Retry.MaxInterval.Duration <= 0 {
		c.Webhook.Retry.MaxInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Webhook.Retry.Multiplier <= 1 {
		c.Webhook.Retry.Multiplier = 2.0
	}

	if c.Stripe.ReplayWindow.Duration <= 0 {
		c.Stripe.ReplayWindow = Duration{Duration: 300 * time.Second}
	}

	if c.X402.Timeout.Duration <= 0 {
		c.X402.Timeout = Duration{Duration: 15 * time.Second}
	}
	if c.X402.TokenDecimals == 0 {
		c.X402.TokenDecimals = 6
	}
	if c.X402.CreditsPerDollar <= 0 {
		c.X402.CreditsPerDollar = 100
	}

	applyBreakerDefaults(&c.CircuitBreaker.Stripe, 3, 60*time.Second, 30*time.Second, 5, 0.5, 10)
	applyBreakerDefaults(&c.CircuitBreaker.Webhook, 5, 60*time.Second, 60*time.Second, 10, 0.7, 20)
	applyBreakerDefaults(&c.CircuitBreaker.Facilitator, 3, 60*time.Second, 30*time.Second, 5, 0.5, 10)

	return c.validate()
}

func applyBreakerDefaults(b *BreakerServiceConfig, maxRequests uint32, interval, timeout time.Duration, consecutiveFailures uint32, failureRatio float64, minRequests uint32) {
	if b.MaxRequests == 0 {
		b.MaxRequests = maxRequests
	}
	if b.Interval.Duration == 0 {
		b.Interval = Duration{Duration: interval}
	}
	if b.Timeout.Duration == 0 {
		b.Timeout = Duration{Duration: timeout}
	}
	if b.ConsecutiveFailures == 0 {
		b.ConsecutiveFailures = consecutiveFailures
	}
	if b.FailureRatio == 0 {
		b.FailureRatio = failureRatio
	}
	if b.MinRequests == 0 {
		b.MinRequests = minRequests
	}
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Gate.BackendURL == "" {
		errs = append(errs, "gate.backend_url is required")
	}

	if c.DistSync.Enabled && c.DistSync.RedisURL == "" {
		errs = append(errs, "distributed_sync.redis_url is required when distributed_sync.enabled is true")
	}

	if c.Webhook.Enabled && c.Webhook.Secret == "" {
		errs = append(errs, "webhook.secret is required when webhook.enabled is true")
	}

	if c.Stripe.Enabled && c.Stripe.WebhookSecret == "" {
		errs = append(errs, "stripe.webhook_secret is required when stripe.enabled is true")
	}

	if c.X402.Enabled {
		if c.X402.FacilitatorURL == "" {
			errs = append(errs, "x402.facilitator_url is required when x402.enabled is true")
		}
		if c.X402.Recipient == "" {
			errs = append(errs, "x402.recipient is required when x402.enabled is true")
		}
		if strings.TrimSpace(c.X402.Asset) == "" {
			errs = append(errs, "x402.asset is required when x402.enabled is true")
		}
	}

	for _, seed := range c.KeyStore.SeedKeys {
		if seed.Credits < 0 {
			errs = append(errs, fmt.Sprintf("keystore.seed_keys %q: credits must be >= 0", seed.Name))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
