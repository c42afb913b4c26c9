package relay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"zec-relay/internal/event"
	"zec-relay/internal/fees"
	"zec-relay/internal/storage"
)

var testZAddr = "z" + strings.Repeat("s7a", 20)

type memStore struct {
	mu       sync.Mutex
	deposits map[string]storage.Deposit
}

func newMemStore() *memStore {
	return &memStore{deposits: make(map[string]storage.Deposit)}
}

func (m *memStore) put(d storage.Deposit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deposits[d.DepositID] = d
}

func (m *memStore) get(id string) storage.Deposit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deposits[id]
}

func (m *memStore) CreateDeposit(_ context.Context, d storage.Deposit) error {
	m.put(d)
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

func (m *memStore) ListRecentDeposits(_ context.Context, limit int) ([]storage.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.Deposit, 0, limit)
	for _, d := range m.deposits {
		out = append(out, d)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) MarkProcessing(_ context.Context, id, sourceTx string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok || d.Status != storage.StatusPending {
		return false, nil
	}
	if d.SourceTx != "" && d.SourceTx != sourceTx {
		return false, nil
	}
	d.Status = storage.StatusProcessing
	d.SourceTx = sourceTx
	m.deposits[id] = d
	return true, nil
}

func (m *memStore) MarkSent(_ context.Context, id, payoutTx string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok || d.Status != storage.StatusProcessing || d.PayoutTx != "" {
		return false, nil
	}
	d.Status = storage.StatusSent
	d.PayoutTx = payoutTx
	m.deposits[id] = d
	return true, nil
}

func (m *memStore) MarkFailed(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok || d.Status.Terminal() {
		return nil
	}
	d.Status = storage.StatusFailed
	d.FailureReason = reason
	m.deposits[id] = d
	return nil
}

func (m *memStore) Reopen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok || d.PayoutTx != "" || d.Status == storage.StatusPending || d.Status == storage.StatusSent {
		return false, nil
	}
	d.Status = storage.StatusProcessing
	d.FailureReason = ""
	m.deposits[id] = d
	return true, nil
}

type fakePayout struct {
	mu        sync.Mutex
	initiated int
	status    PayoutStatus
	pollErr   error
}

func (f *fakePayout) Initiate(context.Context, string, decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated++
	return "op-1", nil
}

func (f *fakePayout) Poll(context.Context, string) (PayoutStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.pollErr
}

func (f *fakePayout) initiations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiated
}

type staticSampler struct{}

func (staticSampler) Current() fees.Sample { return fees.Sample{} }
func (staticSampler) Live() bool           { return false }

type recordingMetrics struct {
	mu      sync.Mutex
	samples []bool
}

func (r *recordingMetrics) Record(_ int64, _ string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, success)
}

func (r *recordingMetrics) outcomes() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.samples...)
}

func testEngine(store storage.DepositStore, payout PayoutClient, metrics MetricsRecorder, source EventSource) *Engine {
	opts := Options{
		Rates: map[event.Asset]decimal.Decimal{
			event.AssetSOL:  decimal.RequireFromString("0.01"),
			event.AssetUSDC: decimal.RequireFromString("0.02"),
		},
		PayoutTimeout:      200 * time.Millisecond,
		PayoutPollInterval: 5 * time.Millisecond,
	}
	return New(source, event.NewDecoder(), store, payout, staticSampler{}, metrics, nil, opts, zerolog.Nop())
}

func pendingDeposit(id string) storage.Deposit {
	return storage.Deposit{
		DepositID:          id,
		UserAddress:        "user-1",
		Asset:              string(event.AssetSOL),
		Amount:             decimal.RequireFromString("1"),
		DestinationAddress: testZAddr,
		Status:             storage.StatusPending,
	}
}

func solEvent(id, sourceTx string) event.DepositEvent {
	return event.DepositEvent{
		DepositID:          id,
		UserAddress:        "user-1",
		Asset:              event.AssetSOL,
		RawAmount:          1_000_000_000,
		DestinationAddress: testZAddr,
		SourceTx:           sourceTx,
	}
}

func TestEngineSettlesDeposit(t *testing.T) {
	store := newMemStore()
	store.put(pendingDeposit("dep-1"))
	payout := &fakePayout{status: PayoutStatus{State: PayoutSuccess, PayoutTx: "ztx-1"}}
	metrics := &recordingMetrics{}

	engine := testEngine(store, payout, metrics, nil)
	engine.ProcessEvent(context.Background(), solEvent("dep-1", "sig-1"))

	got := store.get("dep-1")
	if got.Status != storage.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if got.PayoutTx != "ztx-1" {
		t.Fatalf("payout tx = %q, want ztx-1", got.PayoutTx)
	}
	if got.SourceTx != "sig-1" {
		t.Fatalf("source tx = %q, want sig-1", got.SourceTx)
	}
	if payout.initiations() != 1 {
		t.Fatalf("initiations = %d, want 1", payout.initiations())
	}
	if outcomes := metrics.outcomes(); len(outcomes) != 1 || !outcomes[0] {
		t.Fatalf("metrics outcomes = %v, want one success", outcomes)
	}
}

func TestEngineIgnoresDuplicateDelivery(t *testing.T) {
	store := newMemStore()
	settled := pendingDeposit("dep-1")
	settled.Status = storage.StatusSent
	settled.SourceTx = "sig-1"
	settled.PayoutTx = "ztx-1"
	store.put(settled)

	payout := &fakePayout{status: PayoutStatus{State: PayoutSuccess, PayoutTx: "ztx-2"}}
	engine := testEngine(store, payout, nil, nil)

	engine.ProcessEvent(context.Background(), solEvent("dep-1", "sig-1"))

	if payout.initiations() != 0 {
		t.Fatalf("replayed delivery must not initiate a payout, got %d", payout.initiations())
	}
	if got := store.get("dep-1"); got.PayoutTx != "ztx-1" {
		t.Fatalf("payout tx overwritten: %q", got.PayoutTx)
	}
}

func TestEnginePayoutTimeoutMarksFailed(t *testing.T) {
	store := newMemStore()
	store.put(pendingDeposit("dep-1"))
	payout := &fakePayout{status: PayoutStatus{State: PayoutPending}}

	engine := testEngine(store, payout, nil, nil)
	engine.ProcessEvent(context.Background(), solEvent("dep-1", "sig-1"))

	got := store.get("dep-1")
	if got.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.PayoutTx != "" {
		t.Fatalf("payout tx must stay unset on timeout, got %q", got.PayoutTx)
	}
	if !strings.Contains(got.FailureReason, "timed out") {
		t.Fatalf("failure reason = %q, want timeout", got.FailureReason)
	}
}

func TestEngineRejectsInvalidDestination(t *testing.T) {
	store := newMemStore()
	store.put(pendingDeposit("dep-1"))
	payout := &fakePayout{status: PayoutStatus{State: PayoutSuccess, PayoutTx: "ztx-1"}}

	engine := testEngine(store, payout, nil, nil)
	evt := solEvent("dep-1", "sig-1")
	evt.DestinationAddress = "t1transparent"
	engine.ProcessEvent(context.Background(), evt)

	if payout.initiations() != 0 {
		t.Fatalf("invalid destination must not initiate a payout, got %d", payout.initiations())
	}
	if got := store.get("dep-1"); got.Status != storage.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestEngineConcurrentDeliveriesSinglePayout(t *testing.T) {
	store := newMemStore()
	store.put(pendingDeposit("dep-1"))
	payout := &fakePayout{status: PayoutStatus{State: PayoutSuccess, PayoutTx: "ztx-1"}}

	engine := testEngine(store, payout, nil, nil)
	evt := solEvent("dep-1", "sig-1")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := engine.keys.Lock(evt.DepositID)
			defer unlock()
			engine.ProcessEvent(context.Background(), evt)
		}()
	}
	wg.Wait()

	if payout.initiations() != 1 {
		t.Fatalf("initiations = %d, want exactly 1", payout.initiations())
	}
	if got := store.get("dep-1"); got.Status != storage.StatusSent || got.PayoutTx != "ztx-1" {
		t.Fatalf("deposit not settled exactly once: %+v", got)
	}
}

func TestEngineRedrivesReopenedDeposit(t *testing.T) {
	store := newMemStore()
	stuck := pendingDeposit("dep-1")
	stuck.Status = storage.StatusProcessing
	stuck.SourceTx = "sig-1"
	store.put(stuck)

	payout := &fakePayout{status: PayoutStatus{State: PayoutSuccess, PayoutTx: "ztx-1"}}
	metrics := &recordingMetrics{}
	engine := testEngine(store, payout, metrics, nil)

	if err := engine.Redrive(context.Background(), solEvent("dep-1", "sig-1")); err != nil {
		t.Fatalf("redrive: %v", err)
	}

	got := store.get("dep-1")
	if got.Status != storage.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if got.PayoutTx != "ztx-1" {
		t.Fatalf("payout tx = %q, want ztx-1", got.PayoutTx)
	}
	if payout.initiations() != 1 {
		t.Fatalf("initiations = %d, want 1", payout.initiations())
	}
	if outcomes := metrics.outcomes(); len(outcomes) != 1 || !outcomes[0] {
		t.Fatalf("metrics outcomes = %v, want one success", outcomes)
	}
}

func TestEngineRedriveGuards(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*storage.Deposit)
		eventTx string
	}{
		{"settled deposit", func(d *storage.Deposit) {
			d.Status = storage.StatusSent
			d.PayoutTx = "ztx-old"
		}, "sig-1"},
		{"still pending", func(d *storage.Deposit) {}, "sig-1"},
		{"source tx mismatch", func(d *storage.Deposit) {
			d.Status = storage.StatusProcessing
			d.SourceTx = "sig-1"
		}, "sig-other"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			deposit := pendingDeposit("dep-1")
			tc.mutate(&deposit)
			store.put(deposit)

			payout := &fakePayout{status: PayoutStatus{State: PayoutSuccess, PayoutTx: "ztx-new"}}
			engine := testEngine(store, payout, nil, nil)

			if err := engine.Redrive(context.Background(), solEvent("dep-1", tc.eventTx)); err == nil {
				t.Fatal("redrive must refuse the deposit")
			}
			if payout.initiations() != 0 {
				t.Fatalf("refused redrive must not initiate a payout, got %d", payout.initiations())
			}
		})
	}
}

func TestEngineRunSettlesFromEncodedBatch(t *testing.T) {
	store := newMemStore()
	store.put(pendingDeposit("dep-1"))
	payout := &fakePayout{status: PayoutStatus{State: PayoutSuccess, PayoutTx: "ztx-1"}}

	batches := make(chan event.LogBatch, 1)
	batches <- event.LogBatch{
		Signature: "sig-1",
		Logs: []string{
			"Program log: Instruction: Deposit",
			encodeDepositLog("dep-1", event.AssetSOL, 1_000_000_000, testZAddr),
		},
	}
	close(batches)

	engine := testEngine(store, payout, nil, chanSource(batches))

	done := make(chan error, 1)
	go func() { done <- engine.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not drain and return")
	}

	if got := store.get("dep-1"); got.Status != storage.StatusSent || got.PayoutTx != "ztx-1" {
		t.Fatalf("deposit not settled through Run: %+v", got)
	}
}

func TestConvert(t *testing.T) {
	cases := []struct {
		asset event.Asset
		raw   uint64
		rate  string
		want  string
	}{
		{event.AssetSOL, 1_000_000_000, "0.01", "0.01"},
		{event.AssetSOL, 500_000_000, "0.01", "0.005"},
		{event.AssetUSDC, 2_000_000, "0.02", "0.04"},
		{event.AssetUSDC, 1, "0.02", "0.00000002"},
	}

	for _, tc := range cases {
		rate := decimal.RequireFromString(tc.rate)
		got := Convert(tc.asset, tc.raw, rate)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("Convert(%s, %d, %s) = %s, want %s", tc.asset, tc.raw, tc.rate, got, tc.want)
		}
		if again := Convert(tc.asset, tc.raw, rate); !again.Equal(got) {
			t.Fatalf("Convert not deterministic for %s/%d", tc.asset, tc.raw)
		}
	}
}

type chanSource <-chan event.LogBatch

func (c chanSource) Subscribe(context.Context) (<-chan event.LogBatch, error) {
	return c, nil
}

// encodeDepositLog builds a program-data log line the way the on-chain
// program emits it: base64 of the 8-byte event discriminator followed
// by the Borsh-encoded payload.
func encodeDepositLog(depositID string, asset event.Asset, rawAmount uint64, destination string) string {
	buf := &bytes.Buffer{}
	sum := sha256.Sum256([]byte("event:DepositEvent"))
	buf.Write(sum[:8])

	writeString := func(s string) {
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(s)))
		buf.WriteString(s)
	}

	writeString(depositID)
	buf.Write(make([]byte, 32))
	tag := byte(0)
	if asset == event.AssetUSDC {
		tag = 1
	}
	buf.WriteByte(tag)
	_ = binary.Write(buf, binary.LittleEndian, rawAmount)
	writeString(destination)

	return "Program data: " + base64.StdEncoding.EncodeToString(buf.Bytes())
}
