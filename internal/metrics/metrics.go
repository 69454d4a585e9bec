// Package metrics exposes the Prometheus counters and histograms the gate
// and its surrounding components record against. One Metrics instance is
// built at startup and threaded through every component that observes an
// outcome.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every paygate_* collector.
type Metrics struct {
	AdmissionTotal    *prometheus.CounterVec
	AdmissionDuration prometheus.Histogram

	CreditsChargedTotal  prometheus.Counter
	CreditsRefundedTotal prometheus.Counter
	CreditsAddedTotal    *prometheus.CounterVec // source: topup, auto_topup, stripe, x402

	QuotaDeniedTotal     *prometheus.CounterVec // dimension
	RateLimitDeniedTotal *prometheus.CounterVec // scope: global, tool

	TasksTotal         *prometheus.CounterVec // status
	TaskEvictionsTotal prometheus.Counter
	TaskTimeoutsTotal  prometheus.Counter

	ExpiryWarningsTotal prometheus.Counter
	GrantsExpiredTotal  prometheus.Counter
	GrantsConsumedTotal prometheus.Counter

	DistSyncFallbackTotal *prometheus.CounterVec
	DistSyncEventsTotal   *prometheus.CounterVec // event type
	DistSyncPublishErrors prometheus.Counter

	WebhookDeliveryTotal    *prometheus.CounterVec // outcome: success, failure, ssrf_blocked
	WebhookDeliveryDuration prometheus.Histogram
	WebhookRetriesTotal     prometheus.Counter

	StripeWebhookTotal    *prometheus.CounterVec // outcome: invalid_signature, noop, invalid_credits, key_not_found, credited
	X402PaymentsTotal     prometheus.Counter
	X402USDReceivedTotal  prometheus.Counter
	X402CreditsAwarded    prometheus.Counter
	X402VerifyFailedTotal prometheus.Counter
	X402FacilitatorErrors prometheus.Counter
}

// New registers every collector against reg. Pass prometheus.NewRegistry()
// in tests to avoid collisions with the global default registerer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		AdmissionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_admission_total",
			Help: "Gate admission decisions by reason (allowed for successes).",
		}, []string{"reason"}),
		AdmissionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "paygate_admission_duration_seconds",
			Help:    "Latency of the Gate admission cascade.",
			Buckets: prometheus.DefBuckets,
		}),
		CreditsChargedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_credits_charged_total",
			Help: "Total credits debited on allowed admissions.",
		}),
		CreditsRefundedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_credits_refunded_total",
			Help: "Total credits restored by refunds.",
		}),
		CreditsAddedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_credits_added_total",
			Help: "Total credits added by source.",
		}, []string{"source"}),

		QuotaDeniedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_quota_denied_total",
			Help: "Admissions denied by quota dimension.",
		}, []string{"dimension"}),
		RateLimitDeniedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_rate_limit_denied_total",
			Help: "Admissions denied by rate limit scope.",
		}, []string{"scope"}),

		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_tasks_total",
			Help: "Task state transitions, by resulting status.",
		}, []string{"status"}),
		TaskEvictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_task_evictions_total",
			Help: "Tasks evicted due to table capacity.",
		}),
		TaskTimeoutsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_task_timeouts_total",
			Help: "Tasks forced to failed by the sweep timeout.",
		}),

		ExpiryWarningsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_expiry_warnings_total",
			Help: "Key-expiry warning callbacks emitted.",
		}),
		GrantsExpiredTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_grants_expired_total",
			Help: "Credit grants swept as expired.",
		}),
		GrantsConsumedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_grants_consumed_total",
			Help: "Credit grant consumption operations.",
		}),

		DistSyncFallbackTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_distsync_fallback_total",
			Help: "Times an atomic distributed operation fell back to local-only execution.",
		}, []string{"operation"}),
		DistSyncEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_distsync_events_total",
			Help: "Pub/sub events received, by type.",
		}, []string{"event"}),
		DistSyncPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_distsync_publish_errors_total",
			Help: "Failures publishing a distsync event.",
		}),

		WebhookDeliveryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_webhook_delivery_total",
			Help: "Outbound webhook deliveries by outcome.",
		}, []string{"outcome"}),
		WebhookDeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "paygate_webhook_delivery_duration_seconds",
			Help:    "Outbound webhook delivery latency.",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_webhook_retries_total",
			Help: "Webhook delivery retry attempts.",
		}),

		StripeWebhookTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paygate_stripe_webhook_total",
			Help: "Inbound Stripe webhooks by outcome.",
		}, []string{"outcome"}),

		X402PaymentsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_x402_payments_total",
			Help: "x402 payments verified successfully.",
		}),
		X402USDReceivedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_x402_usd_received_total",
			Help: "Cumulative USD value of verified x402 payments.",
		}),
		X402CreditsAwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_x402_credits_awarded_total",
			Help: "Credits awarded from verified x402 payments.",
		}),
		X402VerifyFailedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_x402_verification_failed_total",
			Help: "x402 verification attempts rejected by the Facilitator.",
		}),
		X402FacilitatorErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "paygate_x402_facilitator_errors_total",
			Help: "Facilitator HTTP calls that errored rather than returned a verdict.",
		}),
	}
}
