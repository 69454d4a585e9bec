package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Gate           GateConfig           `yaml:"gate"`
	KeyStore       KeyStoreConfig       `yaml:"keystore"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Quota          QuotaConfig          `yaml:"quota"`
	UsageMeter     UsageMeterConfig     `yaml:"usage_meter"`
	Expiry         ExpiryConfig         `yaml:"expiry"`
	TaskManager    TaskManagerConfig    `yaml:"task_manager"`
	DistSync       DistSyncConfig       `yaml:"distributed_sync"`
	Webhook        WebhookConfig        `yaml:"webhook"`
	Stripe         StripeConfig         `yaml:"stripe"`
	X402           X402Config           `yaml:"x402"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout         Duration `yaml:"read_timeout"`
	WriteTimeout        Duration `yaml:"write_timeout"`
	IdleTimeout         Duration `yaml:"idle_timeout"`
	RequestTimeout      Duration `yaml:"request_timeout"` // timeout applied to the /mcp route group (backend forward)
	CORSAllowedOrigins  []string `yaml:"cors_allowed_origins"`
	MaxBodyBytes        int64    `yaml:"max_body_bytes"` // default 1 MiB per spec
	AdminKey            string   `yaml:"admin_key"`      // required value of X-Admin-Key on admin routes
	DashboardServerName string   `yaml:"dashboard_server_name"`
}

// GateConfig holds admission-cascade tuning.
type GateConfig struct {
	ShadowMode            bool                 `yaml:"shadow_mode"`
	DefaultCreditsPerCall int64                `yaml:"default_credits_per_call"`
	RefundOnFailure       bool                 `yaml:"refund_on_failure"`
	BackendURL            string               `yaml:"backend_url"` // upstream MCP tool-execution server
	BackendTimeout        Duration             `yaml:"backend_timeout"`
	FreeMethods           []string             `yaml:"free_methods"` // bypass the cascade entirely, zero cost
	ApprovalRules         []ApprovalRuleConfig `yaml:"approval_rules"`
}

// ApprovalRuleConfig gates a call behind manual approval when it matches.
// Conditions are ANDed; an empty condition is not evaluated (always matches).
type ApprovalRuleConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Name          string `yaml:"name"`
	CostThreshold int64  `yaml:"cost_threshold"` // 0 = no threshold check
	ToolMatch     string `yaml:"tool_match"`     // glob with "*", "" = any tool
	KeyMatch      string `yaml:"key_match"`      // fingerprint prefix, "" = any key
}

// KeyStoreConfig holds KeyStore persistence and sanitization limits.
type KeyStoreConfig struct {
	StatePath        string       `yaml:"state_path"` // empty disables snapshot persistence
	FlushInterval    Duration     `yaml:"flush_interval"`
	FingerprintPrefix string      `yaml:"fingerprint_prefix"`
	MaxCredits       int64        `yaml:"max_credits"`        // ceiling for a single record's credits (10^9 per spec)
	MaxTools         int          `yaml:"max_tools"`          // per-list cap on allowed/denied tools and ipAllowlist
	MaxTags          int          `yaml:"max_tags"`           // per-record cap (50 per spec)
	MaxTagLength     int          `yaml:"max_tag_length"`     // per tag key/value (100 per spec)
	MaxNameLength    int          `yaml:"max_name_length"`    // 200 per spec
	SeedKeys         []SeedKey    `yaml:"seed_keys"`          // bootstrap keys provisioned at startup
}

// SeedKey defines a key to provision at startup via importKey, analogous to the
// teacher's YAML-defined paywall resources.
type SeedKey struct {
	Fingerprint string   `yaml:"fingerprint"`
	Name        string   `yaml:"name"`
	Namespace   string   `yaml:"namespace"`
	Credits     int64    `yaml:"credits"`
	AllowedTools []string `yaml:"allowed_tools"`
	Tags        map[string]string `yaml:"tags"`
}

// RateLimitConfig holds the Gate's local sliding-window rate limiting defaults.
// Per-key/per-tool overrides live on the ApiKeyRecord itself; these are the
// defaults applied when a record does not override them, plus the coarse
// HTTP-layer limiter in front of the cascade.
type RateLimitConfig struct {
	GlobalPerKeyPerMin int      `yaml:"global_per_key_per_min"` // 0 = unlimited
	Window             Duration `yaml:"window"`                 // sliding window size, default 60s

	// HTTP-layer defense-in-depth limiter (go-chi/httprate), ahead of the Gate.
	HTTPEnabled bool     `yaml:"http_enabled"`
	HTTPLimit   int      `yaml:"http_limit"`
	HTTPWindow  Duration `yaml:"http_window"`
}

// QuotaConfig holds QuotaTracker defaults.
type QuotaConfig struct {
	Enabled bool `yaml:"enabled"`
}

// UsageMeterConfig holds the bounded usage-event ring buffer configuration.
type UsageMeterConfig struct {
	Capacity     int     `yaml:"capacity"`      // default 100,000
	TrimFraction float64 `yaml:"trim_fraction"` // default 0.25
}

// ExpiryConfig holds ExpiryScanner and CreditExpirationManager tuning.
type ExpiryConfig struct {
	Enabled                 bool       `yaml:"enabled"`
	ScanInterval            Duration   `yaml:"scan_interval"` // minimum 60s
	WarnThresholds          []Duration `yaml:"warn_thresholds"`
	DedupCleanupMultiplier  float64    `yaml:"dedup_cleanup_multiplier"` // default 2.0
	MaxGrantsPerKey         int        `yaml:"max_grants_per_key"`       // default 100
	MaxTrackedKeys          int        `yaml:"max_tracked_keys"`         // default 10,000
}

// TaskManagerConfig holds the async task table's bounds and sweep interval.
type TaskManagerConfig struct {
	MaxTasks        int      `yaml:"max_tasks"`        // default 10,000
	EvictFraction   float64  `yaml:"evict_fraction"`   // default 0.10
	TaskTimeout     Duration `yaml:"task_timeout"`
	CleanupInterval Duration `yaml:"cleanup_interval"` // default 60s
	DefaultPageSize int      `yaml:"default_page_size"`
	MaxPageSize     int      `yaml:"max_page_size"` // default 200
}

// DistSyncConfig holds the optional shared-cache mirror/pub-sub layer configuration.
type DistSyncConfig struct {
	Enabled      bool     `yaml:"enabled"`
	RedisURL     string   `yaml:"redis_url"`
	KeyPrefix    string   `yaml:"key_prefix"` // default "paygate"
	SyncInterval Duration `yaml:"sync_interval"` // default 5s
	DialTimeout  Duration `yaml:"dial_timeout"`
}

// WebhookConfig holds outbound webhook delivery configuration.
type WebhookConfig struct {
	Enabled bool     `yaml:"enabled"`
	Secret  string   `yaml:"secret"` // HMAC-SHA256 signing secret
	Timeout Duration `yaml:"timeout"`
	Retry   RetryConfig `yaml:"retry"`
}

// RetryConfig holds webhook retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	Multiplier      float64  `yaml:"multiplier"`
}

// StripeConfig holds Stripe webhook verification configuration.
type StripeConfig struct {
	Enabled       bool     `yaml:"enabled"`
	WebhookSecret string   `yaml:"webhook_secret"`
	ReplayWindow  Duration `yaml:"replay_window"` // default 300s
}

// X402Config holds x402 payment-handler and Facilitator client configuration.
type X402Config struct {
	Enabled          bool     `yaml:"enabled"`
	FacilitatorURL   string   `yaml:"facilitator_url"`
	Timeout          Duration `yaml:"timeout"` // default 15s
	Network          string   `yaml:"network"`
	Asset            string   `yaml:"asset"`     // token mint / contract address advertised to clients
	Recipient        string   `yaml:"recipient"` // payment recipient address
	TokenDecimals    uint8    `yaml:"token_decimals"`
	CreditsPerDollar float64  `yaml:"credits_per_dollar"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled     bool                 `yaml:"enabled"`
	Stripe      BreakerServiceConfig `yaml:"stripe"`
	Webhook     BreakerServiceConfig `yaml:"webhook"`
	Facilitator BreakerServiceConfig `yaml:"facilitator"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error, silent
	Format      string `yaml:"format"`
	Environment string `yaml:"environment"`
}
