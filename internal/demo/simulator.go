// Package demo drives settlements through timed fake transitions so
// the full intake and status surface can be exercised without chain
// infrastructure. No payout RPC is ever touched in demo mode.
package demo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zec-relay/internal/storage"
)

// Simulator advances demo deposits through the same ledger state
// machine the live engine uses: processing after one settle delay,
// sent with a derived payout id after two. Timers are owned by the
// instance and cancelled on Stop.
type Simulator struct {
	store  storage.DepositStore
	delay  time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	timers  map[string][]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// NewSimulator constructs a Simulator.
func NewSimulator(store storage.DepositStore, delay time.Duration, logger zerolog.Logger) *Simulator {
	if delay <= 0 {
		delay = 8 * time.Second
	}
	return &Simulator{
		store:  store,
		delay:  delay,
		logger: logger.With().Str("component", "demo_simulator").Logger(),
		timers: make(map[string][]*time.Timer),
	}
}

// Enqueue schedules the two phase transitions for a freshly created
// deposit. The deposit must already exist in the ledger as pending.
func (s *Simulator) Enqueue(depositID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	first := time.AfterFunc(s.delay, func() {
		s.transition(depositID, s.markProcessing)
	})
	second := time.AfterFunc(2*s.delay, func() {
		s.transition(depositID, s.markSent)
	})
	s.timers[depositID] = []*time.Timer{first, second}

	s.logger.Info().Str("deposit_id", depositID).
		Dur("settle_delay", s.delay).
		Msg("demo settlement scheduled")
}

// Phase reports the phase a demo deposit should appear to be in given
// its creation time, without waiting for the timers. It lets the read
// path present a consistent answer even right after a restart.
func (s *Simulator) Phase(createdAt, now time.Time) storage.Status {
	elapsed := now.Sub(createdAt)
	switch {
	case elapsed >= 2*s.delay:
		return storage.StatusSent
	case elapsed >= s.delay:
		return storage.StatusProcessing
	default:
		return storage.StatusPending
	}
}

// Stop cancels pending timers and waits for in-flight transitions.
func (s *Simulator) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, timers := range s.timers {
		for _, timer := range timers {
			timer.Stop()
		}
	}
	s.timers = make(map[string][]*time.Timer)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Simulator) transition(depositID string, apply func(ctx context.Context, depositID string) error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apply(ctx, depositID); err != nil {
		s.logger.Error().Err(err).Str("deposit_id", depositID).Msg("demo transition failed")
	}
}

func (s *Simulator) markProcessing(ctx context.Context, depositID string) error {
	// The gate only admits the source tx already on the record, so the
	// fake one stamped at intake must be passed back through.
	deposit, err := s.store.GetDeposit(ctx, depositID)
	if err != nil {
		return err
	}

	won, err := s.store.MarkProcessing(ctx, depositID, deposit.SourceTx)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("deposit %s not pending", depositID)
	}
	s.logger.Info().Str("deposit_id", depositID).Msg("demo deposit processing")
	return nil
}

func (s *Simulator) markSent(ctx context.Context, depositID string) error {
	payoutTx := DerivePayoutID(depositID, time.Now())
	won, err := s.store.MarkSent(ctx, depositID, payoutTx)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("deposit %s not processing", depositID)
	}
	s.logger.Info().Str("deposit_id", depositID).Str("payout_tx", payoutTx).Msg("demo deposit sent")
	return nil
}

// DerivePayoutID builds the deterministic fake payout transaction id
// for a demo settlement.
func DerivePayoutID(depositID string, ts time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("fake|%s|%d", depositID, ts.UnixMilli())))
	return hex.EncodeToString(sum[:])[:64]
}
