package gate

import (
	"context"
	"time"

	"github.com/paygate-dev/paygate/internal/usagemeter"
)

// AdmitBatch evaluates every call's non-credit gating (ACL, suspension, IP,
// rate limit, quota) against the single key, then checks the aggregate price
// against the key's balance once. If any call individually fails, the whole
// batch is denied with that call's reason and nothing is charged; otherwise
// the sum is debited atomically.
func (g *Gate) AdmitBatch(ctx context.Context, fingerprint string, calls []BatchCall) (BatchDecision, error) {
	if fingerprint == "" {
		return BatchDecision{Reason: ReasonMissingAPIKey}, nil
	}
	if len(calls) == 0 {
		return BatchDecision{Allowed: true}, nil
	}

	prices := make([]int64, len(calls))
	var total int64

	var lastEval evalResult
	for i, call := range calls {
		eval := g.evaluate(AdmitRequest{Fingerprint: fingerprint, Tool: call.Tool}, true)
		lastEval = eval
		if eval.reason != "" && eval.reason != ReasonAllowed && eval.reason != ReasonInsufficientCredits {
			// insufficient_credits is re-checked against the batch total below;
			// every other failure is fatal to the whole batch immediately.
			return BatchDecision{Reason: eval.reason, FailedIndex: i}, nil
		}
		prices[i] = eval.price
		total += eval.price
	}

	if lastEval.rec == nil {
		return BatchDecision{Reason: ReasonInvalidAPIKey}, nil
	}
	if lastEval.rec.Credits < total {
		return BatchDecision{Reason: ReasonInsufficientCredits, RemainingCredits: lastEval.rec.Credits}, nil
	}

	if err := g.keys.DeductCredits(fingerprint, total); err != nil {
		return BatchDecision{Reason: ReasonInsufficientCredits}, nil
	}
	tick, _ := g.keys.BumpQuota(fingerprint, total)
	_ = tick

	remaining := lastEval.rec.Credits - total
	if updated, ok := g.keys.GetKeyRaw(fingerprint); ok {
		remaining = updated.Credits
	}

	for i, call := range calls {
		g.meter.Record(usagemeter.Event{
			Timestamp:         time.Now().UTC(),
			APIKeyFingerprint: fingerprint,
			Tool:              call.Tool,
			CreditsCharged:    prices[i],
			Allowed:           true,
		})
	}
	if g.metrics != nil {
		g.metrics.AdmissionTotal.WithLabelValues(ReasonAllowed).Inc()
		g.metrics.CreditsChargedTotal.Add(float64(total))
	}
	g.publish(Event{Name: "credits_changed", Fingerprint: fingerprint, Data: map[string]interface{}{"credits": remaining}})
	g.maybeAutoTopup(fingerprint)

	return BatchDecision{Allowed: true, TotalCharged: total, RemainingCredits: remaining, PerCallCharged: prices}, nil
}
