// Package x402gate implements the x402 payment-required response and
// Facilitator verification flow: when a caller lacks credits, the gate
// offers a base64 PaymentRequirements advertising how to pay; once the
// caller returns a payment proof, Handler asks an external Facilitator to
// attest it and, on success, awards credits.
package x402gate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/circuitbreaker"
	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/internal/httputil"
	"github.com/paygate-dev/paygate/internal/keystore"
	"github.com/paygate-dev/paygate/internal/metrics"
	"github.com/paygate-dev/paygate/internal/rpcutil"
)

// PaymentRequirements is advertised to a caller who lacks sufficient credits.
// It is base64-encoded into the 402 response body.
type PaymentRequirements struct {
	Network   string `json:"network"`
	Asset     string `json:"asset"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"` // dollar string, 6 decimals, trailing zeros stripped
}

// PaymentPayload is the caller-supplied proof of payment, opaque to PayGate
// beyond forwarding it to the Facilitator for attestation.
type PaymentPayload struct {
	Scheme  string          `json:"scheme"`
	Network string          `json:"network"`
	Payload json.RawMessage `json:"payload"`
}

// VerifyRequest is the request body of POST /x402/verify.
type VerifyRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
	Fingerprint         string              `json:"-"` // API key credits are awarded to; set by the caller
}

// VerifyResult is returned to the caller and used to award credits.
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	CreditsAwarded int64 `json:"creditsAwarded,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type facilitatorResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Handler builds payment requirements and verifies proofs against the
// configured Facilitator.
type Handler struct {
	cfg     config.X402Config
	keys    *keystore.Store
	client  *http.Client
	breaker *circuitbreaker.Manager
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New constructs a Handler. It returns an error if cfg.Recipient is not a valid
// base58-encoded Solana public key, since a malformed recipient would be
// silently advertised to every caller that receives a 402.
func New(cfg config.X402Config, keys *keystore.Store, breaker *circuitbreaker.Manager, m *metrics.Metrics, logger zerolog.Logger) (*Handler, error) {
	if cfg.Recipient != "" {
		if _, err := solana.PublicKeyFromBase58(cfg.Recipient); err != nil {
			return nil, fmt.Errorf("x402gate: invalid recipient address: %w", err)
		}
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Handler{
		cfg:     cfg,
		keys:    keys,
		client:  httputil.NewClient(timeout),
		breaker: breaker,
		metrics: m,
		logger:  logger.With().Str("component", "x402gate").Logger(),
	}, nil
}

// BuildRequirements computes the PaymentRequirements for creditsRequired,
// base64-encoded ready to drop into a 402 response body.
func (h *Handler) BuildRequirements(creditsRequired int64) (string, PaymentRequirements) {
	req := PaymentRequirements{
		Network:   h.cfg.Network,
		Asset:     h.cfg.Asset,
		Recipient: h.cfg.Recipient,
		Amount:    dollarAmount(creditsRequired, h.cfg.CreditsPerDollar),
	}
	raw, _ := json.Marshal(req)
	return base64.StdEncoding.EncodeToString(raw), req
}

// dollarAmount formats creditsRequired/creditsPerDollar as a 6-decimal
// string with trailing zeros (and a trailing decimal point) stripped.
func dollarAmount(credits int64, creditsPerDollar float64) string {
	if creditsPerDollar <= 0 {
		creditsPerDollar = 1
	}
	dollars := float64(credits) / creditsPerDollar
	s := strconv.FormatFloat(dollars, 'f', 6, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "" || s == "-" {
		s = "0"
	}
	return s
}

// Verify POSTs the payment payload and requirements to the configured
// Facilitator and, if it attests validity, awards credits to fingerprint.
func (h *Handler) Verify(ctx context.Context, req VerifyRequest, creditsRequired int64) (VerifyResult, error) {
	ok, reason, err := h.callFacilitator(ctx, req)
	if err != nil {
		if h.metrics != nil {
			h.metrics.X402FacilitatorErrors.Inc()
		}
		return VerifyResult{}, fmt.Errorf("x402gate: facilitator call: %w", err)
	}
	if !ok {
		if h.metrics != nil {
			h.metrics.X402VerifyFailedTotal.Inc()
		}
		return VerifyResult{Valid: false, Reason: reason}, nil
	}

	if req.Fingerprint != "" && h.keys != nil {
		if err := h.keys.AddCredits(req.Fingerprint, creditsRequired); err != nil {
			return VerifyResult{}, fmt.Errorf("x402gate: credit key: %w", err)
		}
	}

	if h.metrics != nil {
		h.metrics.X402PaymentsTotal.Inc()
		h.metrics.X402CreditsAwarded.Add(float64(creditsRequired))
		if usd, err := strconv.ParseFloat(req.PaymentRequirements.Amount, 64); err == nil {
			h.metrics.X402USDReceivedTotal.Add(usd)
		}
	}

	return VerifyResult{Valid: true, CreditsAwarded: creditsRequired}, nil
}

func (h *Handler) callFacilitator(ctx context.Context, req VerifyRequest) (bool, string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"paymentPayload":      req.PaymentPayload,
		"paymentRequirements": req.PaymentRequirements,
	})
	if err != nil {
		return false, "", fmt.Errorf("marshal facilitator request: %w", err)
	}

	do := func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.FacilitatorURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("facilitator returned status %d", resp.StatusCode)
		}

		var fr facilitatorResponse
		if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
			return nil, fmt.Errorf("decode facilitator response: %w", err)
		}
		return fr, nil
	}

	// Transient network failures get a bounded retry before the circuit
	// breaker sees them as a failure; a facilitator rejecting the proof
	// (resp.Valid == false) is not retried, only transport-level errors are.
	retrying := func() (interface{}, error) {
		return rpcutil.WithRetry(ctx, do)
	}

	var result interface{}
	var err error
	if h.breaker != nil {
		result, err = h.breaker.Execute(circuitbreaker.ServiceFacilitator, retrying)
	} else {
		result, err = retrying()
	}
	if err != nil {
		return false, "", err
	}
	fr := result.(facilitatorResponse)
	return fr.Valid, fr.Reason, nil
}
