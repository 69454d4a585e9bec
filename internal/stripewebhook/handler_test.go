package stripewebhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/internal/keystore"
	"github.com/paygate-dev/paygate/internal/metrics"
)

const testSecret = "whsec_test"

func sign(t *testing.T, secret string, ts int64, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func checkoutCompletedBody(t *testing.T, fingerprint string, credits string) []byte {
	t.Helper()
	body := map[string]interface{}{
		"id":   "evt_123",
		"type": "checkout.session.completed",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             "cs_test_123",
				"payment_status": "paid",
				"metadata": map[string]interface{}{
					"paygate_api_key": fingerprint,
					"paygate_credits": credits,
				},
			},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return raw
}

func newTestHandler(t *testing.T) (*Handler, *keystore.Store, func(time.Time)) {
	t.Helper()
	dir := t.TempDir()
	store, err := keystore.New(config.KeyStoreConfig{StatePath: dir + "/keys.json"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.StripeConfig{
		Enabled:       true,
		WebhookSecret: testSecret,
		ReplayWindow:  config.Duration{Duration: 300 * time.Second},
	}
	m := metrics.New(prometheus.NewRegistry())
	h := New(cfg, store, nil, m, zerolog.Nop())

	fixedNow := time.Now().UTC()
	h.now = func() time.Time { return fixedNow }
	return h, store, func(t time.Time) { h.now = func() time.Time { return t } }
}

func TestHandleEvent_CreditsOnValidCheckout(t *testing.T) {
	h, store, _ := newTestHandler(t)
	rec, err := store.CreateKey("", 0, keystore.CreateOptions{})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	body := checkoutCompletedBody(t, rec.Fingerprint, "500")
	ts := h.now().Unix()
	header := fmt.Sprintf("t=%d,v1=%s", ts, sign(t, testSecret, ts, body))

	res, err := h.HandleEvent(header, body)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Outcome != "verified_credited" || res.Credits != 500 {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, ok := store.GetKeyRaw(rec.Fingerprint)
	if !ok {
		t.Fatal("key missing after credit")
	}
	if got.Credits != 500 {
		t.Fatalf("credits = %d, want 500", got.Credits)
	}
}

func TestHandleEvent_RejectsReplayedTimestamp(t *testing.T) {
	h, store, setNow := newTestHandler(t)
	rec, err := store.CreateKey("", 0, keystore.CreateOptions{})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	body := checkoutCompletedBody(t, rec.Fingerprint, "500")
	past := h.now().Add(-600 * time.Second)
	header := fmt.Sprintf("t=%d,v1=%s", past.Unix(), sign(t, testSecret, past.Unix(), body))

	_, err = h.HandleEvent(header, body)
	if err == nil {
		t.Fatal("expected replay rejection, got nil error")
	}

	got, _ := store.GetKeyRaw(rec.Fingerprint)
	if got.Credits != 0 {
		t.Fatalf("credits changed despite rejected replay: %d", got.Credits)
	}
	_ = setNow
}

func TestHandleEvent_RejectsWrongSecret(t *testing.T) {
	h, store, _ := newTestHandler(t)
	rec, err := store.CreateKey("", 0, keystore.CreateOptions{})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	body := checkoutCompletedBody(t, rec.Fingerprint, "500")
	ts := h.now().Unix()
	header := fmt.Sprintf("t=%d,v1=%s", ts, sign(t, "wrong-secret", ts, body))

	_, err = h.HandleEvent(header, body)
	if err == nil {
		t.Fatal("expected signature mismatch error, got nil")
	}

	got, _ := store.GetKeyRaw(rec.Fingerprint)
	if got.Credits != 0 {
		t.Fatalf("credits changed despite bad signature: %d", got.Credits)
	}
}

func TestHandleEvent_UnknownEventIsNoop(t *testing.T) {
	h, _, _ := newTestHandler(t)
	body := []byte(`{"id":"evt_999","type":"customer.created","data":{"object":{}}}`)
	ts := h.now().Unix()
	header := fmt.Sprintf("t=%d,v1=%s", ts, sign(t, testSecret, ts, body))

	res, err := h.HandleEvent(header, body)
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if res.Outcome != "noop" {
		t.Fatalf("outcome = %q, want noop", res.Outcome)
	}
}

func TestHandleEvent_UnknownKeyRejected(t *testing.T) {
	h, _, _ := newTestHandler(t)
	body := checkoutCompletedBody(t, "pg_does_not_exist", "500")
	ts := h.now().Unix()
	header := fmt.Sprintf("t=%d,v1=%s", ts, sign(t, testSecret, ts, body))

	_, err := h.HandleEvent(header, body)
	if err == nil {
		t.Fatal("expected key_not_found error")
	}
}
