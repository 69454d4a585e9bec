package x402gate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/paygate-dev/paygate/internal/config"
	"github.com/paygate-dev/paygate/internal/keystore"
	"github.com/paygate-dev/paygate/internal/metrics"
)

const testRecipient = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func TestDollarAmount_StripsTrailingZeros(t *testing.T) {
	cases := []struct {
		credits          int64
		creditsPerDollar float64
		want             string
	}{
		{100, 100, "1"},
		{150, 100, "1.5"},
		{1, 3, "0.333333"},
		{0, 100, "0"},
	}
	for _, c := range cases {
		got := dollarAmount(c.credits, c.creditsPerDollar)
		if got != c.want {
			t.Errorf("dollarAmount(%d, %f) = %q, want %q", c.credits, c.creditsPerDollar, got, c.want)
		}
	}
}

func TestBuildRequirements_Base64Roundtrip(t *testing.T) {
	cfg := config.X402Config{
		Network:          "solana-mainnet",
		Asset:            "USDC",
		Recipient:        testRecipient,
		CreditsPerDollar: 100,
	}
	h, err := New(cfg, nil, nil, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	encoded, req := h.BuildRequirements(250)
	if req.Amount != "2.5" {
		t.Fatalf("amount = %q, want 2.5", req.Amount)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var decoded PaymentRequirements
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != req {
		t.Fatalf("decoded requirements mismatch: %+v != %+v", decoded, req)
	}
}

func TestNew_RejectsInvalidRecipient(t *testing.T) {
	cfg := config.X402Config{Recipient: "not-a-valid-base58-address!!"}
	if _, err := New(cfg, nil, nil, metrics.New(prometheus.NewRegistry()), zerolog.Nop()); err == nil {
		t.Fatal("expected error for invalid recipient")
	}
}

func TestVerify_AwardsCreditsOnValidFacilitatorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(facilitatorResponse{Valid: true})
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := keystore.New(config.KeyStoreConfig{StatePath: dir + "/keys.json"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	rec, err := store.CreateKey("", 0, keystore.CreateOptions{})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	cfg := config.X402Config{
		Recipient:        testRecipient,
		FacilitatorURL:   srv.URL,
		CreditsPerDollar: 100,
	}
	h, err := New(cfg, store, nil, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, reqBody := h.BuildRequirements(300)
	res, err := h.Verify(context.Background(), VerifyRequest{
		PaymentRequirements: reqBody,
		Fingerprint:         rec.Fingerprint,
	}, 300)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.CreditsAwarded != 300 {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, _ := store.GetKeyRaw(rec.Fingerprint)
	if got.Credits != 300 {
		t.Fatalf("credits = %d, want 300", got.Credits)
	}
}

func TestVerify_RejectsInvalidFacilitatorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(facilitatorResponse{Valid: false, Reason: "insufficient_funds"})
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := keystore.New(config.KeyStoreConfig{StatePath: dir + "/keys.json"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	rec, err := store.CreateKey("", 0, keystore.CreateOptions{})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	cfg := config.X402Config{Recipient: testRecipient, FacilitatorURL: srv.URL, CreditsPerDollar: 100}
	h, err := New(cfg, store, nil, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := h.Verify(context.Background(), VerifyRequest{Fingerprint: rec.Fingerprint}, 300)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatal("expected invalid result")
	}

	got, _ := store.GetKeyRaw(rec.Fingerprint)
	if got.Credits != 0 {
		t.Fatalf("credits changed despite invalid facilitator response: %d", got.Credits)
	}
}
