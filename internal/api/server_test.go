package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"zec-relay/internal/config"
	"zec-relay/internal/fees"
	"zec-relay/internal/health"
	"zec-relay/internal/storage"
)

var testZAddr = "z" + strings.Repeat("s7a", 20)

type memStore struct {
	mu       sync.Mutex
	deposits map[string]storage.Deposit
	failPut  bool
}

func newMemStore() *memStore {
	return &memStore{deposits: make(map[string]storage.Deposit)}
}

func (m *memStore) CreateDeposit(_ context.Context, d storage.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return context.DeadlineExceeded
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	m.deposits[d.DepositID] = d
	return nil
}

func (m *memStore) GetDeposit(_ context.Context, id string) (storage.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok {
		return storage.Deposit{}, storage.ErrNotFound
	}
	return d, nil
}

func (m *memStore) FindBySourceTx(_ context.Context, sourceTx string) (storage.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deposits {
		if d.SourceTx == sourceTx {
			return d, nil
		}
	}
	return storage.Deposit{}, storage.ErrNotFound
}

func (m *memStore) ListRecentDeposits(context.Context, int) ([]storage.Deposit, error) {
	return nil, nil
}

func (m *memStore) MarkProcessing(context.Context, string, string) (bool, error) {
	return false, nil
}

func (m *memStore) MarkSent(context.Context, string, string) (bool, error) {
	return false, nil
}

func (m *memStore) MarkFailed(context.Context, string, string) error { return nil }

func (m *memStore) Reopen(context.Context, string) (bool, error) { return false, nil }

type staticSampler struct{ sample fees.Sample }

func (s staticSampler) Current() fees.Sample { return s.sample }
func (s staticSampler) Live() bool           { return false }

type fakeOverlay struct {
	mu       sync.Mutex
	enqueued []string
	delay    time.Duration
}

func (f *fakeOverlay) Enqueue(depositID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, depositID)
}

func (f *fakeOverlay) Phase(createdAt, now time.Time) storage.Status {
	elapsed := now.Sub(createdAt)
	switch {
	case elapsed >= 2*f.delay:
		return storage.StatusSent
	case elapsed >= f.delay:
		return storage.StatusProcessing
	default:
		return storage.StatusPending
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Rates: config.RatesConfig{SolToZec: "0.01", UsdcToZec: "0.02"},
	}
}

func testRouter(store storage.DepositStore, demo DemoOverlay) http.Handler {
	opts := fees.QuoteOptions{
		BaseFee:          decimal.RequireFromString("0.000005"),
		ShieldFee:        decimal.RequireFromString("0.0002"),
		PrivacyPremium:   decimal.RequireFromString("0.0005"),
		FallbackPriority: decimal.RequireFromString("0.000005"),
	}
	quotes := fees.NewQuoteEngine(opts, staticSampler{})
	metrics := health.NewMetrics(100, staticSampler{}, demo != nil)

	server := NewServer(config.APIConfig{Port: 0}, store, testConfig(), quotes, metrics, demo, zerolog.Nop())
	return server.Routes()
}

func postJSON(t *testing.T, router http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func getPath(router http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestCreateDepositAndFetch(t *testing.T) {
	store := newMemStore()
	router := testRouter(store, nil)

	rec := postJSON(t, router, "/api/deposits", CreateDepositRequest{
		UserAddress:        "user-1",
		Asset:              "SOL",
		Amount:             "1.5",
		DestinationAddress: testZAddr,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var created DepositResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.DepositID == "" {
		t.Fatal("deposit id missing")
	}
	if created.Status != string(storage.StatusPending) {
		t.Fatalf("status = %s, want pending", created.Status)
	}
	if !created.AmountZec.Equal(decimal.RequireFromString("0.015")) {
		t.Fatalf("amount_zec = %s, want 0.015", created.AmountZec)
	}

	rec = getPath(router, "/api/deposits/"+created.DepositID)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	var fetched DepositResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if fetched.DepositID != created.DepositID {
		t.Fatalf("fetched id %s, want %s", fetched.DepositID, created.DepositID)
	}
}

func TestCreateDepositValidation(t *testing.T) {
	router := testRouter(newMemStore(), nil)

	cases := []struct {
		name string
		req  CreateDepositRequest
		code string
	}{
		{"unsupported asset", CreateDepositRequest{UserAddress: "u", Asset: "DOGE", Amount: "1", DestinationAddress: testZAddr}, "unsupported_asset"},
		{"zero amount", CreateDepositRequest{UserAddress: "u", Asset: "SOL", Amount: "0", DestinationAddress: testZAddr}, "invalid_amount"},
		{"non-numeric amount", CreateDepositRequest{UserAddress: "u", Asset: "SOL", Amount: "a lot", DestinationAddress: testZAddr}, "invalid_amount"},
		{"transparent destination", CreateDepositRequest{UserAddress: "u", Asset: "SOL", Amount: "1", DestinationAddress: "t1abc"}, "invalid_destination"},
		{"missing user", CreateDepositRequest{Asset: "SOL", Amount: "1", DestinationAddress: testZAddr}, "missing_user_address"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, router, "/api/deposits", tc.req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if resp.Error != tc.code {
				t.Fatalf("error code = %s, want %s", resp.Error, tc.code)
			}
		})
	}
}

func TestGetDepositNotFound(t *testing.T) {
	router := testRouter(newMemStore(), nil)
	if rec := getPath(router, "/api/deposits/does-not-exist"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetDepositBySignature(t *testing.T) {
	store := newMemStore()
	_ = store.CreateDeposit(context.Background(), storage.Deposit{
		DepositID:          "dep-1",
		UserAddress:        "user-1",
		Asset:              "SOL",
		Amount:             decimal.RequireFromString("0.01"),
		DestinationAddress: testZAddr,
		Status:             storage.StatusSent,
		SourceTx:           "sig-1",
		PayoutTx:           "ztx-1",
	})

	router := testRouter(store, nil)
	rec := getPath(router, "/api/deposits/by-signature/sig-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp DepositResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.DepositID != "dep-1" || resp.PayoutTx != "ztx-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if rec := getPath(router, "/api/deposits/by-signature/unknown"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown signature status = %d, want 404", rec.Code)
	}
}

func TestCreateDepositEnqueuesDemo(t *testing.T) {
	store := newMemStore()
	overlay := &fakeOverlay{delay: time.Hour}
	router := testRouter(store, overlay)

	rec := postJSON(t, router, "/api/deposits", CreateDepositRequest{
		UserAddress:        "user-1",
		Asset:              "USDC",
		Amount:             "2",
		DestinationAddress: testZAddr,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}

	overlay.mu.Lock()
	defer overlay.mu.Unlock()
	if len(overlay.enqueued) != 1 {
		t.Fatalf("enqueued = %v, want one deposit", overlay.enqueued)
	}
}

func TestDemoPhaseOverlay(t *testing.T) {
	store := newMemStore()
	overlay := &fakeOverlay{delay: 10 * time.Millisecond}
	router := testRouter(store, overlay)

	// Seed a deposit old enough that both demo phases have elapsed even
	// though the ledger still says pending.
	store.mu.Lock()
	store.deposits["dep-1"] = storage.Deposit{
		DepositID: "dep-1",
		Asset:     "SOL",
		Amount:    decimal.RequireFromString("0.01"),
		Status:    storage.StatusPending,
		CreatedAt: time.Now().Add(-time.Minute),
	}
	store.mu.Unlock()

	rec := getPath(router, "/api/deposits/dep-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp DepositResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(storage.StatusSent) {
		t.Fatalf("overlaid status = %s, want sent", resp.Status)
	}
}

func TestQuoteEndpoint(t *testing.T) {
	router := testRouter(newMemStore(), nil)

	rec := getPath(router, "/api/quote?asset=SOL&amount=1.5&speed=fast")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var quote fees.Quote
	if err := json.Unmarshal(rec.Body.Bytes(), &quote); err != nil {
		t.Fatalf("decode quote: %v", err)
	}
	if quote.Speed != fees.SpeedFast {
		t.Fatalf("speed = %s, want fast", quote.Speed)
	}
	// No live sample: fallback priority scaled by the fast multiplier.
	if !quote.PriorityFee.Equal(decimal.RequireFromString("0.00001")) {
		t.Fatalf("priority fee = %s, want 0.00001", quote.PriorityFee)
	}
	if quote.LiveSample {
		t.Fatal("live_sample should be false without a sampler endpoint")
	}

	if rec := getPath(router, "/api/quote?asset=BTC&amount=1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("unsupported asset status = %d, want 400", rec.Code)
	}
	if rec := getPath(router, "/api/quote?asset=SOL&amount=-1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative amount status = %d, want 400", rec.Code)
	}
	if rec := getPath(router, "/api/quote?asset=SOL&amount=1&speed=ludicrous"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad speed status = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	router := testRouter(newMemStore(), nil)

	rec := getPath(router, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("liveness status = %d", rec.Code)
	}
	var live map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &live); err != nil {
		t.Fatalf("decode liveness: %v", err)
	}
	if live["status"] != "healthy" {
		t.Fatalf("liveness = %v", live)
	}

	rec = getPath(router, "/api/health/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}

	var snap health.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.WindowSize != 100 {
		t.Fatalf("window size = %d, want 100", snap.WindowSize)
	}
	if snap.DemoMode {
		t.Fatal("demo flag should be false")
	}
}
