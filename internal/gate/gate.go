package gate

import (
	"context"
	"fmt"
	"net"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/internal/keystore"
	"github.com/paygate-dev/paygate/internal/metrics"
	"github.com/paygate-dev/paygate/internal/quota"
	"github.com/paygate-dev/paygate/internal/ratelimiter"
	"github.com/paygate-dev/paygate/internal/usagemeter"
)

var defaultFreeMethods = []string{"initialize", "tools/list", "ping", "logging/setLevel"}

// Debiter is the pluggable credit-debit path. When set (DistributedSync
// wires itself in at startup), Admit calls Deduct instead of the local
// keystore deduction directly; Deduct is expected to attempt the atomic
// remote script first and fall back to local itself, reporting FellBack so
// the gate can count it.
type Debiter interface {
	Deduct(ctx context.Context, fingerprint string, amount int64) (DebitResult, error)
}

// DebitResult reports how a distributed deduction resolved.
type DebitResult struct {
	OK               bool
	FellBack         bool
	RemainingCredits int64
}

// Event is published to subscribers after a state-changing admission
// (allow, refund, auto-topup) so DistributedSync and the webhook router can
// react without the gate knowing about either.
type Event struct {
	Name        string // credits_changed, auto_topped_up, refund
	Fingerprint string
	Data        map[string]interface{}
}

// Gate evaluates the admission cascade and owns the credit-accounting side
// effects of an allowed call.
type Gate struct {
	keys    *keystore.Store
	groups  *keystore.GroupStore
	limiter *ratelimiter.Limiter
	meter   *usagemeter.Meter

	cfg   config.GateConfig
	rlCfg config.RateLimitConfig

	metrics *metrics.Metrics
	logger  zerolog.Logger

	approvals *approvalStore

	mu      sync.RWMutex
	debiter Debiter

	subsMu sync.Mutex
	subs   []func(Event)
}

// New constructs a Gate. groups may be nil (no group policy in use).
func New(keys *keystore.Store, groups *keystore.GroupStore, limiter *ratelimiter.Limiter, meter *usagemeter.Meter, cfg config.GateConfig, rlCfg config.RateLimitConfig, m *metrics.Metrics, logger zerolog.Logger) *Gate {
	if len(cfg.FreeMethods) == 0 {
		cfg.FreeMethods = defaultFreeMethods
	}
	return &Gate{
		keys:      keys,
		groups:    groups,
		limiter:   limiter,
		meter:     meter,
		cfg:       cfg,
		rlCfg:     rlCfg,
		metrics:   m,
		logger:    logger.With().Str("component", "gate").Logger(),
		approvals: newApprovalStore(),
	}
}

// SetDebiter installs the distributed credit-debit path. Passing nil
// reverts to local-only deduction.
func (g *Gate) SetDebiter(d Debiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.debiter = d
}

// OnEvent registers a callback invoked after an allowed admission mutates
// state (credits_changed, refund, auto_topped_up), outside any lock.
func (g *Gate) OnEvent(fn func(Event)) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	g.subs = append(g.subs, fn)
}

func (g *Gate) publish(evt Event) {
	g.subsMu.Lock()
	subs := make([]func(Event), len(g.subs))
	copy(subs, g.subs)
	g.subsMu.Unlock()
	for _, fn := range subs {
		fn(evt)
	}
}

// Approvals exposes the pending-approval store for the admin surface.
func (g *Gate) Approvals() *approvalStore { return g.approvals }

// isFreeMethod reports whether tool bypasses the cascade entirely.
func (g *Gate) isFreeMethod(tool string) bool {
	if strings.HasPrefix(tool, "notifications/") {
		return true
	}
	for _, m := range g.cfg.FreeMethods {
		if m == tool {
			return true
		}
	}
	return false
}

// evalResult is the outcome of the non-mutating portion of the cascade
// (steps 3-12), threaded through to the commit step.
type evalResult struct {
	reason string // "" means every check passed
	rec    *keystore.Record
	group  *keystore.KeyGroup
	price  int64
}

// Admit runs the admission cascade for a single call.
func (g *Gate) Admit(ctx context.Context, req AdmitRequest) (Decision, error) {
	start := time.Now()
	defer func() {
		if g.metrics != nil {
			g.metrics.AdmissionDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if g.isFreeMethod(req.Tool) {
		return g.decide(ReasonAllowed, 0, 0, true)
	}

	if req.Fingerprint == "" {
		return g.deny(ReasonMissingAPIKey, 0)
	}

	eval := g.evaluate(req, false)
	if eval.reason != "" && eval.reason != ReasonAllowed {
		if g.cfg.ShadowMode {
			return g.shadowDeny(eval)
		}
		return g.denyForRecord(eval.reason, eval.rec)
	}

	// Approval gate (step 13) — checked here because it needs the resolved
	// price and record but must not mutate credits.
	if rule := g.matchApprovalRule(eval.rec, req.Tool, eval.price); rule != nil {
		if g.cfg.ShadowMode {
			return g.shadowDeny(evalResult{reason: ReasonApprovalRequired, rec: eval.rec, price: eval.price})
		}
		areq := g.approvals.create(eval.rec.Fingerprint, req.Tool, eval.price)
		d, _ := g.deny(ReasonApprovalRequired, eval.rec.Credits)
		d.ApprovalRequestID = areq.ID
		return d, nil
	}

	return g.commit(ctx, req, eval)
}

// evaluate runs steps 3-12 of the cascade (key validity through sufficient
// credits) without mutating any state. peek controls whether the rate
// limiter records the attempt (false = record, as a live admit does) or only
// inspects the window (true = no side effects; AdmitBatch's per-call pass
// uses this, while Admit records even in shadow mode).
func (g *Gate) evaluate(req AdmitRequest, peek bool) evalResult {
	rec, ok := g.keys.GetKeyRaw(req.Fingerprint)
	if !ok {
		return evalResult{reason: ReasonInvalidAPIKey}
	}
	if !rec.Active {
		return evalResult{reason: ReasonInvalidAPIKey, rec: rec}
	}
	if rec.ExpiresAt != nil && time.Now().UTC().After(*rec.ExpiresAt) {
		return evalResult{reason: ReasonAPIKeyExpired, rec: rec}
	}
	if rec.Suspended {
		return evalResult{reason: ReasonKeySuspended, rec: rec}
	}

	var group *keystore.KeyGroup
	if rec.Group != "" && g.groups != nil {
		if grp, found := g.groups.Get(rec.Group); found {
			group = &grp
		}
	}

	if reason := g.checkIPAllowlist(rec, group, req.ClientIP); reason != "" {
		return evalResult{reason: reason, rec: rec, group: group}
	}

	if reason := g.checkToolACL(rec, req.Tool); reason != "" {
		return evalResult{reason: reason, rec: rec, group: group}
	}

	globalLimit, toolLimit := g.effectiveRateLimits(group, req.Tool)
	if reason := g.checkRateLimit(rec.Fingerprint, req.Tool, globalLimit, toolLimit, peek); reason != "" {
		return evalResult{reason: reason, rec: rec, group: group}
	}

	price := g.effectivePrice(group, req.Tool)

	limits := quota.Resolve(quotaLimitsFrom(rec.Quota), groupQuotaLimits(group))
	tick, _ := g.keys.PeekQuota(rec.Fingerprint)
	if reason := quota.Check(limits, quota.Counters{
		DailyCalls:     tick.DailyCalls,
		MonthlyCalls:   tick.MonthlyCalls,
		DailyCredits:   tick.DailyCredits,
		MonthlyCredits: tick.MonthlyCredits,
	}, price); reason != "" {
		return evalResult{reason: reason, rec: rec, group: group, price: price}
	}

	if rec.SpendingLimit > 0 && rec.TotalSpent+price > rec.SpendingLimit {
		return evalResult{reason: ReasonSpendingLimitExceeded, rec: rec, group: group, price: price}
	}

	if rec.Credits < price {
		return evalResult{reason: ReasonInsufficientCredits, rec: rec, group: group, price: price}
	}

	return evalResult{reason: ReasonAllowed, rec: rec, group: group, price: price}
}

func (g *Gate) checkIPAllowlist(rec *keystore.Record, group *keystore.KeyGroup, clientIP string) string {
	allowlist := rec.IPAllowlist
	if len(allowlist) == 0 && group != nil {
		allowlist = group.IPAllowlist
	}
	if len(allowlist) == 0 {
		return ""
	}
	if clientIP == "" || !ipAllowed(clientIP, allowlist) {
		return ReasonIPNotAllowed
	}
	return ""
}

func ipAllowed(clientIP string, allowlist []string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowlist {
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if entryIP := net.ParseIP(entry); entryIP != nil && entryIP.Equal(ip) {
			return true
		}
	}
	return false
}

func (g *Gate) checkToolACL(rec *keystore.Record, tool string) string {
	if len(rec.AllowedTools) > 0 && !contains(rec.AllowedTools, tool) {
		return ReasonToolNotAllowed
	}
	if contains(rec.DeniedTools, tool) {
		return ReasonToolDenied
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

func (g *Gate) effectiveRateLimits(group *keystore.KeyGroup, tool string) (global, perTool int) {
	global = g.rlCfg.GlobalPerKeyPerMin
	if group != nil && group.GlobalRateLimitPerMin > 0 {
		global = group.GlobalRateLimitPerMin
	}
	if group != nil {
		if tp, ok := group.ToolPricing[tool]; ok {
			perTool = tp.RateLimitPerMin
		}
	}
	return global, perTool
}

func (g *Gate) checkRateLimit(fingerprint, tool string, global, perTool int, peek bool) string {
	window := g.rlCfg.Window.Duration
	if window <= 0 {
		window = time.Minute
	}

	if global > 0 {
		if peek {
			if g.limiter.Peek(fingerprint, window) >= global {
				return ReasonRateLimited
			}
		} else if !g.limiter.Allow(fingerprint, global, window) {
			if g.metrics != nil {
				g.metrics.RateLimitDeniedTotal.WithLabelValues("global").Inc()
			}
			return ReasonRateLimited
		}
	}
	if perTool > 0 {
		toolKey := fingerprint + ":" + tool
		if peek {
			if g.limiter.Peek(toolKey, window) >= perTool {
				return ReasonToolRateLimited
			}
		} else if !g.limiter.Allow(toolKey, perTool, window) {
			if g.metrics != nil {
				g.metrics.RateLimitDeniedTotal.WithLabelValues("tool").Inc()
			}
			return ReasonToolRateLimited
		}
	}
	return ""
}

func (g *Gate) effectivePrice(group *keystore.KeyGroup, tool string) int64 {
	if group != nil {
		if tp, ok := group.ToolPricing[tool]; ok {
			return tp.CreditsPerCall
		}
	}
	return g.cfg.DefaultCreditsPerCall
}

func quotaLimitsFrom(o *keystore.QuotaOverride) *quota.Limits {
	if o == nil {
		return nil
	}
	return &quota.Limits{
		DailyCallLimit:     o.DailyCallLimit,
		MonthlyCallLimit:   o.MonthlyCallLimit,
		DailyCreditLimit:   o.DailyCreditLimit,
		MonthlyCreditLimit: o.MonthlyCreditLimit,
	}
}

func groupQuotaLimits(group *keystore.KeyGroup) *quota.Limits {
	if group == nil {
		return nil
	}
	return quotaLimitsFrom(group.Quota)
}

func (g *Gate) matchApprovalRule(rec *keystore.Record, tool string, price int64) *config.ApprovalRuleConfig {
	for i := range g.cfg.ApprovalRules {
		rule := g.cfg.ApprovalRules[i]
		if !rule.Enabled {
			continue
		}
		if rule.CostThreshold > 0 && price < rule.CostThreshold {
			continue
		}
		if !globMatch(rule.ToolMatch, tool) {
			continue
		}
		if rule.KeyMatch != "" && !strings.HasPrefix(rec.Fingerprint, rule.KeyMatch) {
			continue
		}
		return &rule
	}
	return nil
}

func globMatch(pattern, s string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

// commit performs step 14: atomic debit, counter bumps, event emission, and
// auto-topup, then returns the allow decision.
func (g *Gate) commit(ctx context.Context, req AdmitRequest, eval evalResult) (Decision, error) {
	rec := eval.rec
	price := eval.price

	remaining := rec.Credits - price
	fellBack := false

	g.mu.RLock()
	debiter := g.debiter
	g.mu.RUnlock()

	if debiter != nil {
		result, err := debiter.Deduct(ctx, rec.Fingerprint, price)
		if err != nil || !result.OK {
			if err != nil {
				g.logger.Warn().Err(err).Str("fingerprint", keystore.TruncateFingerprint(rec.Fingerprint)).Msg("gate.distributed_deduct_failed")
			}
			return g.deny(ReasonInsufficientCredits, rec.Credits)
		}
		remaining = result.RemainingCredits
		fellBack = result.FellBack
		if fellBack && g.metrics != nil {
			g.metrics.DistSyncFallbackTotal.WithLabelValues("deduct").Inc()
		}
	} else {
		if err := g.keys.DeductCredits(rec.Fingerprint, price); err != nil {
			return g.deny(ReasonInsufficientCredits, rec.Credits)
		}
		if updated, ok := g.keys.GetKeyRaw(rec.Fingerprint); ok {
			remaining = updated.Credits
		}
	}

	tick, _ := g.keys.BumpQuota(rec.Fingerprint, price)
	_ = tick

	if g.metrics != nil {
		g.metrics.AdmissionTotal.WithLabelValues(ReasonAllowed).Inc()
		g.metrics.CreditsChargedTotal.Add(float64(price))
	}

	g.meter.Record(usagemeter.Event{
		Timestamp:         time.Now().UTC(),
		APIKeyFingerprint: rec.Fingerprint,
		KeyName:           rec.Name,
		KeyNamespace:      rec.Namespace,
		Tool:              req.Tool,
		CreditsCharged:    price,
		Allowed:           true,
	})

	g.publish(Event{Name: "credits_changed", Fingerprint: rec.Fingerprint, Data: map[string]interface{}{
		"credits":    remaining,
		"totalSpent": rec.TotalSpent + price,
		"totalCalls": rec.TotalCalls + 1,
	}})

	g.maybeAutoTopup(rec.Fingerprint)

	return Decision{Allowed: true, CreditsCharged: price, Reason: ReasonAllowed, RemainingCredits: remaining}, nil
}

func (g *Gate) maybeAutoTopup(fingerprint string) {
	rec, ok := g.keys.GetKeyRaw(fingerprint)
	if !ok || rec.AutoTopup == nil || rec.Credits >= rec.AutoTopup.Threshold {
		return
	}
	count, has, err := g.keys.BumpAutoTopup(fingerprint)
	if err != nil || !has {
		return
	}
	if rec.AutoTopup.MaxDaily > 0 && count > rec.AutoTopup.MaxDaily {
		return
	}
	if err := g.keys.AddCredits(fingerprint, rec.AutoTopup.Amount); err != nil {
		g.logger.Warn().Err(err).Str("fingerprint", keystore.TruncateFingerprint(fingerprint)).Msg("gate.auto_topup_failed")
		return
	}
	if g.metrics != nil {
		g.metrics.CreditsAddedTotal.WithLabelValues("auto_topup").Add(float64(rec.AutoTopup.Amount))
	}
	g.meter.Record(usagemeter.Event{
		Timestamp:         time.Now().UTC(),
		APIKeyFingerprint: fingerprint,
		KeyName:           rec.Name,
		Action:            "auto_topup",
		CreditsCharged:    -rec.AutoTopup.Amount,
		Allowed:           true,
	})
	g.publish(Event{Name: "auto_topped_up", Fingerprint: fingerprint, Data: map[string]interface{}{
		"amount": rec.AutoTopup.Amount,
	}})
}

func (g *Gate) shadowDeny(eval evalResult) (Decision, error) {
	reason := eval.reason
	credits := int64(0)
	if eval.rec != nil {
		credits = eval.rec.Credits
	}
	if g.metrics != nil {
		g.metrics.AdmissionTotal.WithLabelValues(ShadowPrefix + reason).Inc()
	}
	return Decision{Allowed: true, Reason: ShadowPrefix + reason, RemainingCredits: credits}, nil
}

func (g *Gate) denyForRecord(reason string, rec *keystore.Record) (Decision, error) {
	credits := int64(0)
	if rec != nil {
		credits = rec.Credits
	}
	return g.deny(reason, credits)
}

func (g *Gate) deny(reason string, remainingCredits int64) (Decision, error) {
	if g.metrics != nil {
		g.metrics.AdmissionTotal.WithLabelValues(reason).Inc()
	}
	g.meter.Record(usagemeter.Event{
		Timestamp:  time.Now().UTC(),
		Allowed:    false,
		DenyReason: reason,
	})
	return Decision{Allowed: false, Reason: reason, RemainingCredits: remainingCredits}, nil
}

func (g *Gate) decide(reason string, price, remaining int64, allowed bool) (Decision, error) {
	if g.metrics != nil {
		g.metrics.AdmissionTotal.WithLabelValues(reason).Inc()
	}
	return Decision{Allowed: allowed, Reason: reason, CreditsCharged: price, RemainingCredits: remaining}, nil
}

// Refund restores credits and clamps totalSpent/totalCalls, per
// spec.md's explicit instruction never to decrement quota counters.
func (g *Gate) Refund(fingerprint string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("gate: refund amount must be > 0")
	}
	rec, ok := g.keys.GetKeyRaw(fingerprint)
	if !ok {
		return nil // refund on an unknown key is a no-op, per spec.md §8 property 2
	}

	if err := g.keys.AddCredits(fingerprint, amount); err != nil {
		return err
	}
	clampedSpent := rec.TotalSpent - amount
	if clampedSpent < 0 {
		clampedSpent = 0
	}
	clampedCalls := rec.TotalCalls - 1
	if clampedCalls < 0 {
		clampedCalls = 0
	}
	if err := g.keys.SetCountersClamped(fingerprint, clampedSpent, clampedCalls); err != nil {
		return err
	}

	if g.metrics != nil {
		g.metrics.CreditsRefundedTotal.Add(float64(amount))
	}
	g.meter.Record(usagemeter.Event{
		Timestamp:         time.Now().UTC(),
		APIKeyFingerprint: fingerprint,
		Action:            "refund",
		CreditsCharged:    -amount,
		Allowed:           true,
	})
	g.publish(Event{Name: "refund", Fingerprint: fingerprint, Data: map[string]interface{}{"amount": amount}})
	return nil
}
