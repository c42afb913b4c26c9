// Package health aggregates settlement outcomes into operator-facing
// metrics. Everything lives in memory over a fixed window; restarts
// start from an empty window.
package health

import (
	"sort"
	"sync"
	"time"

	"zec-relay/internal/fees"
)

// Settlement is one recorded settlement outcome.
type Settlement struct {
	DepositID  string    `json:"deposit_id"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Snapshot is a point-in-time view of the metrics window.
type Snapshot struct {
	WindowSize          int          `json:"window_size"`
	Settlements         int          `json:"settlements"`
	LastDurationMs      int64        `json:"last_settlement_duration_ms"`
	P95DurationMs       int64        `json:"p95_settlement_duration_ms"`
	FailureRate         float64      `json:"failure_rate"`
	Recent              []Settlement `json:"recent_settlements"`
	PriorityFeeP50      int64        `json:"priority_fee_p50_lamports"`
	PriorityFeeP95      int64        `json:"priority_fee_p95_lamports"`
	PriorityFeeSampled  time.Time    `json:"priority_fee_sampled_at"`
	LiveFees            bool         `json:"live_fees"`
	DemoMode            bool         `json:"demo_mode"`
}

// Metrics keeps the most recent settlement outcomes in a ring buffer.
type Metrics struct {
	sampler  fees.SampleSource
	demoMode bool

	mu     sync.Mutex
	window []Settlement
	next   int
	filled bool
}

// NewMetrics constructs a Metrics window of the given capacity.
func NewMetrics(capacity int, sampler fees.SampleSource, demoMode bool) *Metrics {
	if capacity <= 0 {
		capacity = 100
	}
	return &Metrics{
		sampler:  sampler,
		demoMode: demoMode,
		window:   make([]Settlement, capacity),
	}
}

// Record appends one settlement outcome, evicting the oldest entry once
// the window is full.
func (m *Metrics) Record(durationMs int64, depositID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window[m.next] = Settlement{
		DepositID:  depositID,
		DurationMs: durationMs,
		Success:    success,
		RecordedAt: time.Now().UTC(),
	}
	m.next++
	if m.next == len(m.window) {
		m.next = 0
		m.filled = true
	}
}

// Snapshot computes the current window statistics. The p95 duration
// uses the nearest-rank index floor(0.95 * (n-1)) over the sorted
// window.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	entries := m.ordered()
	m.mu.Unlock()

	snap := Snapshot{
		WindowSize:  len(m.window),
		Settlements: len(entries),
		DemoMode:    m.demoMode,
	}

	if m.sampler != nil {
		sample := m.sampler.Current()
		snap.PriorityFeeP50 = sample.P50
		snap.PriorityFeeP95 = sample.P95
		snap.PriorityFeeSampled = sample.SampledAt
		snap.LiveFees = m.sampler.Live()
	}

	if len(entries) == 0 {
		snap.Recent = []Settlement{}
		return snap
	}

	snap.LastDurationMs = entries[len(entries)-1].DurationMs

	failures := 0
	durations := make([]int64, len(entries))
	for i, entry := range entries {
		durations[i] = entry.DurationMs
		if !entry.Success {
			failures++
		}
	}
	snap.FailureRate = float64(failures) / float64(len(entries))

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	rank := int(0.95 * float64(len(durations)-1))
	snap.P95DurationMs = durations[rank]

	recent := len(entries)
	if recent > 5 {
		recent = 5
	}
	snap.Recent = make([]Settlement, 0, recent)
	for i := len(entries) - 1; i >= len(entries)-recent; i-- {
		snap.Recent = append(snap.Recent, entries[i])
	}

	return snap
}

// ordered returns the window contents oldest first. Caller holds mu.
func (m *Metrics) ordered() []Settlement {
	if !m.filled {
		return append([]Settlement(nil), m.window[:m.next]...)
	}
	out := make([]Settlement, 0, len(m.window))
	out = append(out, m.window[m.next:]...)
	out = append(out, m.window[:m.next]...)
	return out
}
