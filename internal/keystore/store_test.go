package keystore

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.KeyStoreConfig{
		FingerprintPrefix: "pg",
		MaxCredits:        1_000_000_000,
		MaxTools:          100,
		MaxTags:           50,
		MaxTagLength:      100,
		MaxNameLength:     200,
	}
	s, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestCreateKey_SanitizesFields(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.CreateKey("  Demo Key  ", 5_000_000_000, CreateOptions{
		Namespace: "Weird NS!!",
		Tags:      map[string]string{"team": "infra"},
	})
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	if rec.Name != "Demo Key" {
		t.Errorf("Name = %q, want trimmed", rec.Name)
	}
	if rec.Namespace != "default" {
		t.Errorf("Namespace = %q, want fallback to default", rec.Namespace)
	}
	if rec.Credits != 1_000_000_000 {
		t.Errorf("Credits = %d, want clamped to max", rec.Credits)
	}
	if !rec.Active {
		t.Error("new key should be active")
	}
	if rec.Fingerprint == "" || len(rec.Fingerprint) < len("pg_")+48 {
		t.Errorf("unexpected fingerprint shape: %q", rec.Fingerprint)
	}
}

func TestGetKey_InactiveOrExpiredHidden(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.CreateKey("k", 100, CreateOptions{})

	if _, ok := s.GetKey(rec.Fingerprint); !ok {
		t.Fatal("expected active key to be visible")
	}

	if err := s.SuspendKey(rec.Fingerprint); err != nil {
		t.Fatalf("SuspendKey() error = %v", err)
	}
	// Suspended keys remain "active" at the storage layer; GetKey only hides
	// inactive/expired, suspension enforcement happens in the gate cascade.
	if _, ok := s.GetKey(rec.Fingerprint); !ok {
		t.Fatal("suspended key should still resolve via GetKey")
	}

	if err := s.RevokeKey(rec.Fingerprint); err != nil {
		t.Fatalf("RevokeKey() error = %v", err)
	}
	if _, ok := s.GetKey(rec.Fingerprint); ok {
		t.Fatal("revoked key must not be returned by GetKey")
	}
	if _, ok := s.GetKeyRaw(rec.Fingerprint); !ok {
		t.Fatal("GetKeyRaw should still return revoked record")
	}
}

func TestDeductCredits_InsufficientBalance(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.CreateKey("k", 10, CreateOptions{})

	if err := s.DeductCredits(rec.Fingerprint, 5); err != nil {
		t.Fatalf("DeductCredits() error = %v", err)
	}
	got, _ := s.GetKey(rec.Fingerprint)
	if got.Credits != 5 || got.TotalSpent != 5 || got.TotalCalls != 1 {
		t.Errorf("unexpected state after deduct: %+v", got)
	}

	if err := s.DeductCredits(rec.Fingerprint, 100); err == nil {
		t.Fatal("expected error deducting more than balance")
	}
}

func TestAddCredits_RejectsNonPositive(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.CreateKey("k", 10, CreateOptions{})

	if err := s.AddCredits(rec.Fingerprint, 0); err == nil {
		t.Fatal("expected error adding zero credits")
	}
	if err := s.AddCredits(rec.Fingerprint, -5); err == nil {
		t.Fatal("expected error adding negative credits")
	}
	if err := s.AddCredits(rec.Fingerprint, 20); err != nil {
		t.Fatalf("AddCredits() error = %v", err)
	}
	got, _ := s.GetKey(rec.Fingerprint)
	if got.Credits != 30 {
		t.Errorf("Credits = %d, want 30", got.Credits)
	}
}

func TestRotateKey_PreservesHistoryAndState(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.CreateKey("k", 42, CreateOptions{Tags: map[string]string{"a": "b"}})

	next, err := s.RotateKey(rec.Fingerprint)
	if err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}
	if next.Fingerprint == rec.Fingerprint {
		t.Fatal("rotated key must have a new fingerprint")
	}
	if next.Credits != 42 {
		t.Errorf("rotated key should preserve credits, got %d", next.Credits)
	}

	old, ok := s.GetKeyRaw(rec.Fingerprint)
	if !ok {
		t.Fatal("old fingerprint should still be present for audit history")
	}
	if old.Active {
		t.Error("old fingerprint should be marked inactive")
	}
}

func TestCloneKey_FreshCountersAndIdentity(t *testing.T) {
	s := newTestStore(t)
	src, _ := s.CreateKey("source", 100, CreateOptions{})
	_ = s.DeductCredits(src.Fingerprint, 10)

	clone, err := s.CloneKey(src.Fingerprint, CloneOverrides{})
	if err != nil {
		t.Fatalf("CloneKey() error = %v", err)
	}
	if clone.Fingerprint == src.Fingerprint {
		t.Fatal("clone must have its own fingerprint")
	}
	if clone.TotalCalls != 0 || clone.TotalSpent != 0 {
		t.Errorf("clone should start with zeroed counters, got %+v", clone)
	}
	if clone.Suspended {
		t.Error("clone should not inherit suspension")
	}
}

func TestResolveKey_ByAlias(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.CreateKey("aliased", 10, CreateOptions{Alias: "prod-key"})

	resolved, ok := s.ResolveKey("prod-key")
	if !ok {
		t.Fatal("expected alias to resolve")
	}
	if resolved.Fingerprint != rec.Fingerprint {
		t.Errorf("resolved fingerprint = %q, want %q", resolved.Fingerprint, rec.Fingerprint)
	}
}

func TestImportKeys_SkipOverwriteError(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.CreateKey("existing", 10, CreateOptions{})

	dup := Record{Fingerprint: rec.Fingerprint, Name: "dup", Credits: 999}

	results := s.ImportKeys([]Record{dup}, ImportSkip)
	if !results[0].Skipped {
		t.Error("expected skip result")
	}

	results = s.ImportKeys([]Record{dup}, ImportError)
	if results[0].Error == "" {
		t.Error("expected error result for existing fingerprint")
	}

	results = s.ImportKeys([]Record{dup}, ImportOverwrite)
	if !results[0].Imported {
		t.Error("expected overwrite to import")
	}
	got, _ := s.GetKeyRaw(rec.Fingerprint)
	if got.Credits != 999 {
		t.Errorf("Credits = %d, want overwritten 999", got.Credits)
	}
}

func TestListKeysFiltered_PaginationAndSort(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, _ = s.CreateKey("k", int64(i*10), CreateOptions{})
	}

	res := s.ListKeysFiltered(ListQuery{SortBy: "credits", Limit: 2})
	if res.Total != 5 {
		t.Errorf("Total = %d, want 5", res.Total)
	}
	if len(res.Records) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(res.Records))
	}
	if res.Records[0].Credits > res.Records[1].Credits {
		t.Error("expected ascending credit order")
	}
}

func TestSnapshot_PersistAndReload(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "keys.json")

	cfg := config.KeyStoreConfig{FingerprintPrefix: "pg", StatePath: statePath}
	s1, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rec, err := s1.CreateKey("persisted", 77, CreateOptions{})
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() (reload) error = %v", err)
	}
	defer s2.Close()

	got, ok := s2.GetKeyRaw(rec.Fingerprint)
	if !ok {
		t.Fatal("expected record to survive reload from snapshot")
	}
	if got.Credits != 77 {
		t.Errorf("Credits = %d, want 77", got.Credits)
	}
}

func TestBumpQuota_RollsOverAcrossBoundaries(t *testing.T) {
	s := newTestStore(t)
	rec, _ := s.CreateKey("k", 10, CreateOptions{})

	tick, err := s.BumpQuota(rec.Fingerprint, 3)
	if err != nil {
		t.Fatalf("BumpQuota() error = %v", err)
	}
	if tick.DailyCalls != 1 || tick.DailyCredits != 3 {
		t.Errorf("unexpected first tick: %+v", tick)
	}

	tick, err = s.BumpQuota(rec.Fingerprint, 2)
	if err != nil {
		t.Fatalf("BumpQuota() error = %v", err)
	}
	if tick.DailyCalls != 2 || tick.DailyCredits != 5 {
		t.Errorf("unexpected second tick: %+v", tick)
	}
}
