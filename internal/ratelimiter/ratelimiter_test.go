package ratelimiter

import (
	"testing"
	"time"
)

func TestAllow_BlocksAfterLimit(t *testing.T) {
	l := New()
	for i := 0; i < 3; i++ {
		if !l.Allow("k1", 3, time.Minute) {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if l.Allow("k1", 3, time.Minute) {
		t.Fatal("4th call should be blocked")
	}
}

func TestAllow_ZeroLimitIsUnlimited(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		if !l.Allow("k", 0, time.Minute) {
			t.Fatal("zero limit must never block")
		}
	}
}

func TestAllow_WindowExpiresOldTicks(t *testing.T) {
	l := New()
	l.windows["k"] = []time.Time{time.Now().Add(-2 * time.Second)}
	if !l.Allow("k", 1, time.Second) {
		t.Fatal("expired tick should not count toward the limit")
	}
}

func TestReset_ClearsWindow(t *testing.T) {
	l := New()
	l.Allow("k", 1, time.Minute)
	l.Reset("k")
	if !l.Allow("k", 1, time.Minute) {
		t.Fatal("expected window to be cleared after reset")
	}
}

func TestGC_RemovesIdleWindows(t *testing.T) {
	l := New()
	l.windows["stale"] = []time.Time{time.Now().Add(-time.Hour)}
	l.windows["fresh"] = []time.Time{time.Now()}

	removed := l.GC(10 * time.Minute)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := l.windows["fresh"]; !ok {
		t.Error("fresh window should survive GC")
	}
}
