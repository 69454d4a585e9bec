package gate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/internal/keystore"
	"github.com/paygate-dev/paygate/internal/ratelimiter"
	"github.com/paygate-dev/paygate/internal/usagemeter"
)

func newTestGate(t *testing.T, gateCfg config.GateConfig, rlCfg config.RateLimitConfig) (*Gate, *keystore.Store, *keystore.GroupStore) {
	t.Helper()
	keys, err := keystore.New(config.KeyStoreConfig{MaxCredits: 1_000_000_000, MaxTools: 100, MaxTags: 50, MaxTagLength: 100, MaxNameLength: 200}, zerolog.Nop())
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}
	if gateCfg.DefaultCreditsPerCall == 0 {
		gateCfg.DefaultCreditsPerCall = 1
	}
	groups := keystore.NewGroupStore()
	g := New(keys, groups, ratelimiter.New(), usagemeter.New(1000, 0.25), gateCfg, rlCfg, nil, zerolog.Nop())
	return g, keys, groups
}

// Scenario A — happy path.
func TestAdmit_HappyPath(t *testing.T) {
	g, keys, _ := newTestGate(t, config.GateConfig{}, config.RateLimitConfig{})
	rec, err := keys.CreateKey("alice", 100, keystore.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	for i, want := range []int64{99, 98, 97} {
		d, err := g.Admit(context.Background(), AdmitRequest{Fingerprint: rec.Fingerprint, Tool: "search"})
		if err != nil {
			t.Fatalf("Admit #%d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("Admit #%d: expected allowed, got reason %q", i, d.Reason)
		}
		if d.RemainingCredits != want {
			t.Fatalf("Admit #%d: remaining = %d, want %d", i, d.RemainingCredits, want)
		}
	}

	got, _ := keys.GetKeyRaw(rec.Fingerprint)
	if got.TotalCalls != 3 {
		t.Fatalf("TotalCalls = %d, want 3", got.TotalCalls)
	}
}

// Scenario B — global rate limit.
func TestAdmit_GlobalRateLimit(t *testing.T) {
	g, keys, _ := newTestGate(t, config.GateConfig{}, config.RateLimitConfig{GlobalPerKeyPerMin: 10, Window: config.Duration{Duration: time.Minute}})
	rec, _ := keys.CreateKey("bob", 1000, keystore.CreateOptions{})

	allowed := 0
	var lastReason string
	for i := 0; i < 11; i++ {
		d, err := g.Admit(context.Background(), AdmitRequest{Fingerprint: rec.Fingerprint, Tool: "search"})
		if err != nil {
			t.Fatalf("Admit #%d: %v", i, err)
		}
		if d.Allowed {
			allowed++
		} else {
			lastReason = d.Reason
		}
	}
	if allowed != 10 {
		t.Fatalf("allowed = %d, want 10", allowed)
	}
	if lastReason != ReasonRateLimited {
		t.Fatalf("last deny reason = %q, want %q", lastReason, ReasonRateLimited)
	}
	got, _ := keys.GetKeyRaw(rec.Fingerprint)
	if got.Credits != 990 {
		t.Fatalf("credits = %d, want 990", got.Credits)
	}
}

// Scenario C — per-tool limit separation.
func TestAdmit_PerToolRateLimitSeparation(t *testing.T) {
	g, keys, groups := newTestGate(t, config.GateConfig{}, config.RateLimitConfig{})
	// Per-tool pricing/limits are resolved through the key's group, not
	// gate-level config; register a group with a tool_a override.
	if err := groups.Upsert(keystore.KeyGroup{
		ID: "grp1",
		ToolPricing: map[string]keystore.ToolPricing{
			"tool_a": {CreditsPerCall: 1, RateLimitPerMin: 2},
		},
	}); err != nil {
		t.Fatalf("Upsert group: %v", err)
	}
	rec, _ := keys.CreateKey("carol", 1000, keystore.CreateOptions{Group: "grp1"})

	allowedA, deniedA := 0, 0
	for i := 0; i < 3; i++ {
		d, err := g.Admit(context.Background(), AdmitRequest{Fingerprint: rec.Fingerprint, Tool: "tool_a"})
		if err != nil {
			t.Fatalf("Admit tool_a #%d: %v", i, err)
		}
		if d.Allowed {
			allowedA++
		} else {
			deniedA++
			if d.Reason != ReasonToolRateLimited {
				t.Fatalf("tool_a deny reason = %q, want %q", d.Reason, ReasonToolRateLimited)
			}
		}
	}
	if allowedA != 2 || deniedA != 1 {
		t.Fatalf("tool_a allowed=%d denied=%d, want 2/1", allowedA, deniedA)
	}

	allowedB := 0
	for i := 0; i < 3; i++ {
		d, err := g.Admit(context.Background(), AdmitRequest{Fingerprint: rec.Fingerprint, Tool: "tool_b"})
		if err != nil {
			t.Fatalf("Admit tool_b #%d: %v", i, err)
		}
		if d.Allowed {
			allowedB++
		}
	}
	if allowedB != 3 {
		t.Fatalf("tool_b allowed = %d, want 3", allowedB)
	}
}

// Scenario D — suspension is reversible.
func TestAdmit_SuspendResume(t *testing.T) {
	g, keys, _ := newTestGate(t, config.GateConfig{}, config.RateLimitConfig{})
	rec, _ := keys.CreateKey("dave", 10, keystore.CreateOptions{})

	if err := keys.SuspendKey(rec.Fingerprint); err != nil {
		t.Fatalf("SuspendKey: %v", err)
	}
	d, err := g.Admit(context.Background(), AdmitRequest{Fingerprint: rec.Fingerprint, Tool: "search"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if d.Allowed || d.Reason != ReasonKeySuspended {
		t.Fatalf("expected key_suspended, got allowed=%v reason=%q", d.Allowed, d.Reason)
	}

	if err := keys.ResumeKey(rec.Fingerprint); err != nil {
		t.Fatalf("ResumeKey: %v", err)
	}
	d, err = g.Admit(context.Background(), AdmitRequest{Fingerprint: rec.Fingerprint, Tool: "search"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allowed after resume, got reason %q", d.Reason)
	}
}

// Scenario E — shadow mode always allows, but preserves the real reason.
func TestAdmit_ShadowMode(t *testing.T) {
	g, _, _ := newTestGate(t, config.GateConfig{ShadowMode: true}, config.RateLimitConfig{})

	d, err := g.Admit(context.Background(), AdmitRequest{Fingerprint: "pg_does_not_exist", Tool: "search"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("shadow mode must always allow, got denied")
	}
	want := ShadowPrefix + ReasonInvalidAPIKey
	if d.Reason != want {
		t.Fatalf("reason = %q, want %q", d.Reason, want)
	}
}

// Scenario J — batch admission is all-or-nothing against provisional state.
func TestAdmitBatch_Atomicity(t *testing.T) {
	g, keys, _ := newTestGate(t, config.GateConfig{}, config.RateLimitConfig{})
	calls := []BatchCall{{Tool: "search"}, {Tool: "search"}, {Tool: "search"}}
	g.cfg.DefaultCreditsPerCall = 10

	rec, _ := keys.CreateKey("erin", 30, keystore.CreateOptions{})
	d, err := g.AdmitBatch(context.Background(), rec.Fingerprint, calls)
	if err != nil {
		t.Fatalf("AdmitBatch: %v", err)
	}
	if !d.Allowed || d.RemainingCredits != 0 {
		t.Fatalf("expected all 3 allowed, balance 0; got allowed=%v remaining=%d reason=%q", d.Allowed, d.RemainingCredits, d.Reason)
	}

	rec2, _ := keys.CreateKey("frank", 29, keystore.CreateOptions{})
	d2, err := g.AdmitBatch(context.Background(), rec2.Fingerprint, calls)
	if err != nil {
		t.Fatalf("AdmitBatch: %v", err)
	}
	if d2.Allowed {
		t.Fatalf("expected batch denial on insufficient credits")
	}
	got, _ := keys.GetKeyRaw(rec2.Fingerprint)
	if got.Credits != 29 {
		t.Fatalf("credits after failed batch = %d, want 29 (untouched)", got.Credits)
	}
}

// Refund safety: refunding an unknown key is a no-op, never negative counters.
func TestRefund_UnknownKeyIsNoop(t *testing.T) {
	g, _, _ := newTestGate(t, config.GateConfig{}, config.RateLimitConfig{})
	if err := g.Refund("pg_does_not_exist", 5); err != nil {
		t.Fatalf("Refund on unknown key should be a no-op, got error: %v", err)
	}
}

var _ = zerolog.Nop
