package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the PAYGATE_ prefix for namespace isolation, per spec.md's
// <PG>_* convention.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "PAYGATE_PORT_ADDRESS")
	if v := os.Getenv("PAYGATE_PORT"); v != "" {
		c.Server.Address = ":" + strings.TrimPrefix(v, ":")
	}
	setIfEnv(&c.Server.AdminKey, "PAYGATE_ADMIN_KEY")
	setInt64IfEnv(&c.Server.MaxBodyBytes, "PAYGATE_MAX_BODY_BYTES")

	// KeyStore / persistence
	setIfEnv(&c.KeyStore.StatePath, "PAYGATE_STATE_PATH")
	setIfEnv(&c.KeyStore.FingerprintPrefix, "PAYGATE_FINGERPRINT_PREFIX")

	// Gate
	setBoolIfEnv(&c.Gate.ShadowMode, "PAYGATE_SHADOW_MODE")
	setIfEnv(&c.Gate.BackendURL, "PAYGATE_BACKEND_URL")
	setBoolIfEnv(&c.Gate.RefundOnFailure, "PAYGATE_REFUND_ON_FAILURE")

	// Quota
	setBoolIfEnv(&c.Quota.Enabled, "PAYGATE_QUOTA_ENABLED")

	// Expiry scanner
	setBoolIfEnv(&c.Expiry.Enabled, "PAYGATE_EXPIRY_SCANNER_ENABLED")

	// DistributedSync
	setBoolIfEnv(&c.DistSync.Enabled, "PAYGATE_DISTRIBUTED_SYNC_ENABLED")
	setIfEnv(&c.DistSync.RedisURL, "PAYGATE_REDIS_URL")
	setDurationIfEnv(&c.DistSync.SyncInterval, "PAYGATE_DISTRIBUTED_SYNC_INTERVAL")

	// Webhook
	setBoolIfEnv(&c.Webhook.Enabled, "PAYGATE_WEBHOOKS_ENABLED")
	setIfEnv(&c.Webhook.Secret, "PAYGATE_WEBHOOK_SECRET")

	// Stripe
	setBoolIfEnv(&c.Stripe.Enabled, "PAYGATE_STRIPE_ENABLED")
	setIfEnv(&c.Stripe.WebhookSecret, "PAYGATE_STRIPE_WEBHOOK_SECRET")

	// x402 / Facilitator
	setBoolIfEnv(&c.X402.Enabled, "PAYGATE_X402_ENABLED")
	setIfEnv(&c.X402.FacilitatorURL, "PAYGATE_X402_FACILITATOR_URL")
	setIfEnv(&c.X402.Network, "PAYGATE_X402_NETWORK")
	setIfEnv(&c.X402.Asset, "PAYGATE_X402_ASSET")
	setIfEnv(&c.X402.Recipient, "PAYGATE_X402_RECIPIENT")

	// Logging
	setIfEnv(&c.Logging.Level, "PAYGATE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "PAYGATE_LOG_FORMAT")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}
