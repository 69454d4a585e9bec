package expiry

import (
	"testing"
	"time"
)

func TestCreditExpirationManager_FIFOConsume(t *testing.T) {
	m := NewCreditExpirationManager(0, 0, nil)
	if _, err := m.Grant("key1", 100, 24*time.Hour, "stripe"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := m.Grant("key1", 50, 48*time.Hour, "stripe"); err != nil {
		t.Fatalf("grant: %v", err)
	}

	res := m.Consume("key1", 120)
	if res.Consumed != 120 || res.Remaining != 0 || res.GrantsUsed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := m.Balance("key1"); got != 30 {
		t.Fatalf("expected 30 remaining balance, got %d", got)
	}
}

func TestCreditExpirationManager_PruneExpired(t *testing.T) {
	m := NewCreditExpirationManager(0, 0, nil)
	if _, err := m.Grant("key1", 100, -1*time.Second, "promo"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	expired := m.PruneExpired("key1")
	if expired != 100 {
		t.Fatalf("expected 100 expired, got %d", expired)
	}
	res := m.Consume("key1", 10)
	if res.Consumed != 0 || res.Remaining != 10 {
		t.Fatalf("expected nothing consumable from expired grant, got %+v", res)
	}
}

func TestCreditExpirationManager_PartialConsume(t *testing.T) {
	m := NewCreditExpirationManager(0, 0, nil)
	m.Grant("key1", 50, time.Hour, "topup")

	res := m.Consume("key1", 120)
	if res.Consumed != 50 || res.Remaining != 70 || res.GrantsUsed != 1 {
		t.Fatalf("unexpected partial consume: %+v", res)
	}
}

func TestCreditExpirationManager_GetExpiringSoon(t *testing.T) {
	m := NewCreditExpirationManager(0, 0, nil)
	m.Grant("key1", 10, time.Minute, "a")
	m.Grant("key1", 10, 48*time.Hour, "b")

	soon := m.GetExpiringSoon("key1", int64(5*time.Minute/time.Millisecond))
	if len(soon) != 1 {
		t.Fatalf("expected 1 grant expiring soon, got %d", len(soon))
	}
}

func TestCreditExpirationManager_GrantCapacity(t *testing.T) {
	m := NewCreditExpirationManager(1, 0, nil)
	if _, err := m.Grant("key1", 10, time.Hour, "a"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := m.Grant("key1", 10, time.Hour, "a"); err != ErrGrantCapacity {
		t.Fatalf("expected ErrGrantCapacity, got %v", err)
	}
}

func TestCreditExpirationManager_KeyCapacity(t *testing.T) {
	m := NewCreditExpirationManager(0, 1, nil)
	if _, err := m.Grant("key1", 10, time.Hour, "a"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := m.Grant("key2", 10, time.Hour, "a"); err != ErrKeyCapacity {
		t.Fatalf("expected ErrKeyCapacity, got %v", err)
	}
}
