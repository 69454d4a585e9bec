// Package stripewebhook verifies and processes inbound Stripe webhook
// deliveries that grant PayGate credits. The signature scheme is verified
// independently of stripe-go (spec.md fully specifies the `t=...,v1=...`
// HMAC algorithm); stripe-go/v72's typed Event is used only after
// verification, for convenient payload access.
package stripewebhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/circuitbreaker"
	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/internal/keystore"
	"github.com/paygate-dev/paygate/internal/metrics"
)

// Result reports the outcome of a verified webhook's processing.
type Result struct {
	Outcome string // verified_credited or noop; failures return an error and leave it empty
	Credits int64
	Key     string // log-safe truncated fingerprint
}

// Handler verifies signatures and credits keys on checkout.session.completed.
type Handler struct {
	cfg     config.StripeConfig
	keys    *keystore.Store
	metrics *metrics.Metrics
	breaker *circuitbreaker.Manager
	logger  zerolog.Logger
	now     func() time.Time
}

// New constructs a Handler.
func New(cfg config.StripeConfig, keys *keystore.Store, breaker *circuitbreaker.Manager, m *metrics.Metrics, logger zerolog.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		keys:    keys,
		metrics: m,
		breaker: breaker,
		logger:  logger.With().Str("component", "stripewebhook").Logger(),
		now:     time.Now,
	}
}

// ErrInvalidSignature is returned for any signature/replay verification
// failure; the caller must not distinguish these to avoid leaking the
// secret's shape.
type ErrInvalidSignature struct{ Reason string }

func (e ErrInvalidSignature) Error() string { return "stripewebhook: " + e.Reason }

// VerifySignature parses a Stripe-Signature header of the form
// "t=<unix>,v1=<hex>" and verifies the HMAC-SHA256 of "<t>.<rawBody>" under
// the configured secret in constant time. Rejects timestamps more than
// replayWindow (default 300s) away from now.
func (h *Handler) VerifySignature(header string, rawBody []byte) error {
	if h.cfg.WebhookSecret == "" {
		return ErrInvalidSignature{Reason: "webhook secret not configured"}
	}

	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return ErrInvalidSignature{Reason: err.Error()}
	}

	window := h.cfg.ReplayWindow.Duration
	if window <= 0 {
		window = 300 * time.Second
	}
	age := h.now().UTC().Unix() - ts
	if age < 0 {
		age = -age
	}
	if float64(age) > window.Seconds() {
		return ErrInvalidSignature{Reason: "timestamp outside replay window"}
	}

	mac := hmac.New(sha256.New, []byte(h.cfg.WebhookSecret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(got, expected) {
		return ErrInvalidSignature{Reason: "signature mismatch"}
	}
	return nil
}

func parseSignatureHeader(header string) (ts int64, v1 string, err error) {
	parts := strings.Split(header, ",")
	for _, p := range parts {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err = strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("invalid timestamp")
			}
		case "v1":
			v1 = kv[1]
		}
	}
	if ts == 0 || v1 == "" {
		return 0, "", fmt.Errorf("malformed signature header")
	}
	return ts, v1, nil
}

// HandleEvent verifies the signature, then processes the event if it is a
// checkout.session.completed carrying paygate_api_key/paygate_credits
// metadata. Any other event type is acknowledged as a no-op. Errors never
// include the raw secret or a full fingerprint.
func (h *Handler) HandleEvent(signatureHeader string, rawBody []byte) (Result, error) {
	if err := h.VerifySignature(signatureHeader, rawBody); err != nil {
		h.observe("invalid_signature")
		return Result{}, err
	}

	var evt stripeapi.Event
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		h.observe("invalid_signature")
		return Result{}, fmt.Errorf("stripewebhook: parse event: %w", err)
	}

	if evt.Type != "checkout.session.completed" {
		h.observe("noop")
		return Result{Outcome: "noop"}, nil
	}

	var session stripeapi.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
		h.observe("noop")
		return Result{}, fmt.Errorf("stripewebhook: parse checkout session: %w", err)
	}

	if session.PaymentStatus != "paid" {
		h.observe("noop")
		return Result{Outcome: "noop"}, nil
	}

	fingerprint := session.Metadata["paygate_api_key"]
	creditsRaw := session.Metadata["paygate_credits"]
	if fingerprint == "" || creditsRaw == "" {
		h.observe("noop")
		return Result{Outcome: "noop"}, nil
	}

	creditsFloat, err := strconv.ParseFloat(creditsRaw, 64)
	if err != nil {
		h.observe("invalid_credits")
		return Result{}, fmt.Errorf("stripewebhook: invalid paygate_credits metadata")
	}
	credits := int64(math.Floor(creditsFloat))
	if credits <= 0 {
		h.observe("invalid_credits")
		return Result{}, fmt.Errorf("stripewebhook: paygate_credits must be positive")
	}

	if _, ok := h.keys.GetKeyRaw(fingerprint); !ok {
		h.observe("key_not_found")
		return Result{Key: keystore.TruncateFingerprint(fingerprint)}, fmt.Errorf("stripewebhook: key not found")
	}

	if err := h.keys.AddCredits(fingerprint, credits); err != nil {
		h.observe("key_not_found")
		return Result{}, fmt.Errorf("stripewebhook: credit key: %w", err)
	}

	if h.metrics != nil {
		h.metrics.CreditsAddedTotal.WithLabelValues("stripe").Add(float64(credits))
	}
	h.observe("credited")
	h.logger.Info().Str("fingerprint", keystore.TruncateFingerprint(fingerprint)).Int64("credits", credits).Msg("stripewebhook.credited")

	return Result{Outcome: "verified_credited", Credits: credits, Key: keystore.TruncateFingerprint(fingerprint)}, nil
}

func (h *Handler) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.StripeWebhookTotal.WithLabelValues(outcome).Inc()
	}
}
