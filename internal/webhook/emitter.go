// Package webhook delivers outbound PayGate events (key lifecycle, credit
// top-ups, admission anomalies) to admin-configured URLs. Every destination
// is checked against CheckSSRF before the first dial, deliveries are HMAC
// signed, and failed attempts retry with exponential backoff behind a
// per-service circuit breaker.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/circuitbreaker"
	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/internal/httputil"
	"github.com/paygate-dev/paygate/internal/metrics"
)

// Event is one outbound delivery payload.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // key_created, key_revoked, credits_changed, auto_topped_up, refund, approval_required, ...
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Route maps an event type prefix ("" matches everything) to a destination
// URL. The admin surface mutates the route table at runtime via
// /webhooks/filters; every URL is re-checked by CheckSSRF before use.
type Route struct {
	EventPrefix string
	URL         string
}

// Emitter delivers Events to configured routes.
type Emitter struct {
	cfg     config.WebhookConfig
	client  *http.Client
	metrics *metrics.Metrics
	logger  zerolog.Logger
	breaker *circuitbreaker.Manager

	routes []Route
}

// New constructs an Emitter. breaker may be nil to disable circuit breaking.
func New(cfg config.WebhookConfig, breaker *circuitbreaker.Manager, m *metrics.Metrics, logger zerolog.Logger) *Emitter {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Emitter{
		cfg:     cfg,
		client:  httputil.NewClient(timeout),
		metrics: m,
		logger:  logger.With().Str("component", "webhook").Logger(),
		breaker: breaker,
	}
}

// SetRoutes replaces the routing table. Routes whose URL fails CheckSSRF are
// dropped and logged, never installed.
func (e *Emitter) SetRoutes(routes []Route) []string {
	var rejected []string
	clean := make([]Route, 0, len(routes))
	for _, r := range routes {
		if reason := CheckSSRF(r.URL); reason != "" {
			rejected = append(rejected, fmt.Sprintf("%s: %s", r.URL, reason))
			e.logger.Warn().Str("url", r.URL).Str("reason", reason).Msg("webhook.route_rejected_ssrf")
			continue
		}
		clean = append(clean, r)
	}
	e.routes = clean
	return rejected
}

// Routes returns a copy of the active routing table.
func (e *Emitter) Routes() []Route {
	out := make([]Route, len(e.routes))
	copy(out, e.routes)
	return out
}

// Emit dispatches ev to every route whose EventPrefix matches ev.Type,
// asynchronously, one goroutine per matching route. Fire-and-forget: the
// caller's admission path never blocks on webhook delivery.
func (e *Emitter) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, route := range e.routes {
		if !strings.HasPrefix(ev.Type, route.EventPrefix) {
			continue
		}
		url := route.URL
		go e.deliver(context.Background(), url, ev)
	}
}

func (e *Emitter) deliver(ctx context.Context, url string, ev Event) {
	if reason := CheckSSRF(url); reason != "" {
		e.logger.Warn().Str("url", url).Str("reason", reason).Msg("webhook.delivery_blocked_ssrf")
		e.observe("ssrf_blocked", 0)
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error().Err(err).Msg("webhook.marshal_failed")
		return
	}

	start := time.Now()
	err = e.sendWithRetry(ctx, url, payload)
	duration := time.Since(start)

	if err != nil {
		e.logger.Warn().Err(err).Str("url", url).Str("event", ev.Type).Msg("webhook.delivery_failed")
		e.observe("failure", duration)
		return
	}
	e.observe("success", duration)
}

func (e *Emitter) sendWithRetry(ctx context.Context, url string, payload []byte) error {
	retry := e.cfg.Retry
	maxAttempts := retry.MaxAttempts
	if !retry.Enabled || maxAttempts <= 0 {
		maxAttempts = 1
	}
	interval := retry.InitialInterval.Duration
	if interval <= 0 {
		interval = time.Second
	}
	maxInterval := retry.MaxInterval.Duration
	if maxInterval <= 0 {
		maxInterval = 5 * time.Minute
	}
	multiplier := retry.Multiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if e.metrics != nil && attempt > 1 {
			e.metrics.WebhookRetriesTotal.Inc()
		}
		err := e.sendOnce(ctx, url, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(interval)
			interval = time.Duration(float64(interval) * multiplier)
			if interval > maxInterval {
				interval = maxInterval
			}
		}
	}
	return fmt.Errorf("webhook: delivery failed after %d attempts: %w", maxAttempts, lastErr)
}

func (e *Emitter) sendOnce(ctx context.Context, url string, payload []byte) error {
	do := func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-PayGate-Signature", sign(e.cfg.Secret, payload))

		resp, err := e.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("received status %d from %s", resp.StatusCode, url)
		}
		return nil, nil
	}

	if e.breaker == nil {
		_, err := do()
		return err
	}
	_, err := e.breaker.Execute(circuitbreaker.ServiceWebhook, do)
	return err
}

func (e *Emitter) observe(outcome string, duration time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.WebhookDeliveryTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		e.metrics.WebhookDeliveryDuration.Observe(duration.Seconds())
	}
}

// sign returns the hex-encoded HMAC-SHA256 of body under secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
