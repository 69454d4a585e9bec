package httpserver

import (
	"net/http"

	apierrors "github.com/paygate-dev/paygate/internal/errors"
	"github.com/paygate-dev/paygate/internal/webhook"
	"github.com/paygate-dev/paygate/internal/x402gate"
)

type topupRequest struct {
	Fingerprint string `json:"fingerprint"`
	Amount      int64  `json:"amount"`
}

func (h *handlers) topup(w http.ResponseWriter, r *http.Request) {
	var req topupRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, apierrors.ErrCodeInvalidField, "amount must be positive")
		return
	}
	if err := h.keys.AddCredits(req.Fingerprint, req.Amount); err != nil {
		writeError(w, apierrors.ErrCodeKeyNotFound, err.Error())
		return
	}
	h.webhooks.Emit(webhookEvent("credits_changed", map[string]interface{}{
		"fingerprint": req.Fingerprint,
		"amount":      req.Amount,
		"source":      "admin_topup",
	}))
	writeJSON(w, http.StatusOK, map[string]interface{}{"fingerprint": req.Fingerprint})
}

type setLimitRequest struct {
	Fingerprint   string `json:"fingerprint"`
	SpendingLimit int64  `json:"spendingLimit"`
}

func (h *handlers) setSpendingLimit(w http.ResponseWriter, r *http.Request) {
	var req setLimitRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if err := h.keys.SetSpendingLimit(req.Fingerprint, req.SpendingLimit); err != nil {
		writeError(w, apierrors.ErrCodeKeyNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fingerprint": req.Fingerprint})
}

// stripeWebhook verifies and processes an inbound Stripe event. Verification
// failures never reveal the secret or distinguish reason beyond the fixed
// error vocabulary in internal/errors.
func (h *handlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.stripe == nil {
		writeError(w, apierrors.ErrCodeConfigError, "stripe integration not enabled")
		return
	}
	body, err := readAll(r)
	if err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "unreadable request body")
		return
	}

	result, err := h.stripe.HandleEvent(r.Header.Get("Stripe-Signature"), body)
	if err != nil {
		writeError(w, apierrors.ErrCodeInvalidSignature, "signature verification failed")
		return
	}
	if result.Outcome == "verified_credited" {
		h.webhooks.Emit(webhook.Event{Type: "credits_changed", Data: map[string]interface{}{
			"fingerprint": result.Key,
			"amount":      result.Credits,
			"source":      "stripe",
		}})
	}
	writeJSON(w, http.StatusOK, result)
}

type x402VerifyRequest struct {
	Fingerprint         string                      `json:"fingerprint"`
	CreditsRequired     int64                       `json:"creditsRequired"`
	PaymentPayload      x402gate.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements x402gate.PaymentRequirements `json:"paymentRequirements"`
}

func (h *handlers) x402Verify(w http.ResponseWriter, r *http.Request) {
	if h.x402 == nil {
		writeError(w, apierrors.ErrCodeConfigError, "x402 integration not enabled")
		return
	}
	var req x402VerifyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if req.CreditsRequired <= 0 {
		writeError(w, apierrors.ErrCodeInvalidField, "creditsRequired must be positive")
		return
	}

	result, err := h.x402.Verify(r.Context(), x402gate.VerifyRequest{
		PaymentPayload:      req.PaymentPayload,
		PaymentRequirements: req.PaymentRequirements,
		Fingerprint:         req.Fingerprint,
	}, req.CreditsRequired)
	if err != nil {
		writeError(w, apierrors.ErrCodeFacilitatorError, err.Error())
		return
	}
	if !result.Valid {
		writeErrorDetail(w, apierrors.ErrCodeUnverifiedPayment, "payment could not be verified", "reason", result.Reason)
		return
	}
	if req.Fingerprint != "" {
		h.webhooks.Emit(webhook.Event{Type: "credits_changed", Data: map[string]interface{}{
			"fingerprint": req.Fingerprint,
			"amount":      result.CreditsAwarded,
			"source":      "x402",
		}})
	}
	writeJSON(w, http.StatusOK, result)
}

type webhookFiltersRequest struct {
	Routes []webhook.Route `json:"routes"`
}

func (h *handlers) setWebhookFilters(w http.ResponseWriter, r *http.Request) {
	var req webhookFiltersRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	rejected := h.webhooks.SetRoutes(req.Routes)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"installed": len(h.webhooks.Routes()),
		"rejected":  rejected,
	})
}

// updateWebhookFilters merges additional routes onto the existing table
// rather than replacing it.
func (h *handlers) updateWebhookFilters(w http.ResponseWriter, r *http.Request) {
	var req webhookFiltersRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, apierrors.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	merged := append(h.webhooks.Routes(), req.Routes...)
	rejected := h.webhooks.SetRoutes(merged)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"installed": len(h.webhooks.Routes()),
		"rejected":  rejected,
	})
}
