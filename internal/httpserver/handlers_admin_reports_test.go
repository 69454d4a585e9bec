package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/internal/keystore"
	"github.com/paygate-dev/paygate/internal/usagemeter"
)

func newTestHandlers(t *testing.T) *handlers {
	t.Helper()
	keys, err := keystore.New(config.KeyStoreConfig{MaxCredits: 1_000_000_000, MaxTools: 100, MaxTags: 50, MaxTagLength: 100, MaxNameLength: 200}, zerolog.Nop())
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}
	return &handlers{
		keys:      keys,
		meter:     usagemeter.New(1000, 0.25),
		startedAt: time.Now(),
	}
}

func TestUsageSummary_JSONAndCSV(t *testing.T) {
	h := newTestHandlers(t)
	h.meter.Record(usagemeter.Event{Tool: "search", CreditsCharged: 1, Allowed: true})
	h.meter.Record(usagemeter.Event{Tool: "search", Allowed: false, DenyReason: "insufficient_credits"})

	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	w := httptest.NewRecorder()
	h.usageSummary(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var sum usagemeter.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.TotalCalls != 2 || sum.TotalCreditsSpent != 1 || sum.TotalDenied != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	req = httptest.NewRequest(http.MethodGet, "/usage?format=csv", nil)
	w = httptest.NewRecorder()
	h.usageSummary(w, req)
	if ct := w.Header().Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Fatalf("content-type = %q", ct)
	}
	if w.Body.Len() == 0 {
		t.Fatal("expected non-empty CSV body")
	}
}

func TestAuditLog_NewestFirstAndFilters(t *testing.T) {
	h := newTestHandlers(t)
	h.meter.Record(usagemeter.Event{Timestamp: time.Now().Add(-time.Minute), Tool: "a", Allowed: true})
	h.meter.Record(usagemeter.Event{Timestamp: time.Now(), Tool: "b", Allowed: false, DenyReason: "rate_limited"})

	req := httptest.NewRequest(http.MethodGet, "/audit?tool=b", nil)
	w := httptest.NewRecorder()
	h.auditLog(w, req)

	var body struct {
		Events []usagemeter.Event `json:"events"`
		Count  int                `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Events[0].Tool != "b" {
		t.Fatalf("unexpected filtered audit log: %+v", body)
	}

	w = httptest.NewRecorder()
	h.auditLog(w, httptest.NewRequest(http.MethodGet, "/audit", nil))
	body.Events, body.Count = nil, 0
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 2 || body.Events[0].Tool != "b" || body.Events[1].Tool != "a" {
		t.Fatalf("expected newest-first audit log, got %+v", body)
	}
}

func TestCreditAllocation_GroupsByNamespace(t *testing.T) {
	h := newTestHandlers(t)
	if _, err := h.keys.CreateKey("a", 100, keystore.CreateOptions{Namespace: "team-x"}); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if _, err := h.keys.CreateKey("b", 50, keystore.CreateOptions{Namespace: "team-x"}); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if _, err := h.keys.CreateKey("c", 10, keystore.CreateOptions{}); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/credit-allocation", nil)
	w := httptest.NewRecorder()
	h.creditAllocation(w, req)

	var body struct {
		Namespaces []namespaceAllocation `json:"namespaces"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Namespaces) != 2 {
		t.Fatalf("expected 2 namespaces, got %d: %+v", len(body.Namespaces), body.Namespaces)
	}
	for _, row := range body.Namespaces {
		if row.Namespace == "team-x" && (row.Keys != 2 || row.CreditsHeld != 150) {
			t.Fatalf("team-x row wrong: %+v", row)
		}
	}
}

func TestConsumerLifetimeValue_RankedBySpend(t *testing.T) {
	h := newTestHandlers(t)
	big, _ := h.keys.CreateKey("big-spender", 1000, keystore.CreateOptions{})
	small, _ := h.keys.CreateKey("small-spender", 1000, keystore.CreateOptions{})
	_ = h.keys.DeductCredits(big.Fingerprint, 500)
	_ = h.keys.DeductCredits(small.Fingerprint, 5)

	req := httptest.NewRequest(http.MethodGet, "/admin/consumer-lifetime-value", nil)
	w := httptest.NewRecorder()
	h.consumerLifetimeValue(w, req)

	var body struct {
		Consumers []consumerLTV `json:"consumers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Consumers) != 2 || body.Consumers[0].Fingerprint != big.Fingerprint {
		t.Fatalf("expected big spender ranked first: %+v", body.Consumers)
	}
}

func TestQuotaSnapshot_OnlyKeysWithQuotaActivity(t *testing.T) {
	h := newTestHandlers(t)
	withQuota, _ := h.keys.CreateKey("limited", 1000, keystore.CreateOptions{})
	_, _ = h.keys.CreateKey("unlimited", 1000, keystore.CreateOptions{})

	if err := h.keys.SetQuota(withQuota.Fingerprint, &keystore.QuotaOverride{DailyCallLimit: 10}); err != nil {
		t.Fatalf("SetQuota: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/quotas", nil)
	w := httptest.NewRecorder()
	h.quotaSnapshot(w, req)

	var body struct {
		Keys []quotaRow `json:"keys"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Keys) != 1 || body.Keys[0].Fingerprint != withQuota.Fingerprint {
		t.Fatalf("expected only the quota-configured key, got %+v", body.Keys)
	}
}
