package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"zec-relay/internal/alerting"
	"zec-relay/internal/event"
	"zec-relay/internal/fees"
	"zec-relay/internal/storage"
)

// PayoutState classifies the progress of an asynchronous payout.
type PayoutState int

const (
	PayoutPending PayoutState = iota
	PayoutSuccess
	PayoutFailed
)

// PayoutStatus is one poll result of a payout operation.
type PayoutStatus struct {
	State    PayoutState
	PayoutTx string
	Reason   string
}

// PayoutClient initiates and polls an asynchronous payout on the
// destination chain.
type PayoutClient interface {
	Initiate(ctx context.Context, destination string, amount decimal.Decimal) (operationID string, err error)
	Poll(ctx context.Context, operationID string) (PayoutStatus, error)
}

// EventSource yields raw log batches per confirmed source-chain
// transaction referencing the monitored program.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan event.LogBatch, error)
}

// MetricsRecorder receives settlement timing and outcome samples.
type MetricsRecorder interface {
	Record(durationMs int64, depositID string, success bool)
}

// Options parameterise the settlement engine.
type Options struct {
	Rates              map[event.Asset]decimal.Decimal
	PayoutTimeout      time.Duration
	PayoutPollInterval time.Duration
}

// Engine is the settlement core: it consumes decoded deposit events,
// enforces the idempotency gate against the ledger, converts amounts,
// drives the payout to completion and records the outcome. Each event
// is settled at most once per depositId regardless of how often the
// transport re-delivers it.
type Engine struct {
	source   EventSource
	decoder  *event.Decoder
	store    storage.DepositStore
	payout   PayoutClient
	sampler  fees.SampleSource
	metrics  MetricsRecorder
	notifier alerting.Notifier
	logger   zerolog.Logger
	opts     Options

	keys *keyedMutex
	wg   sync.WaitGroup
}

// New constructs an Engine. metrics and notifier may be nil.
func New(source EventSource, decoder *event.Decoder, store storage.DepositStore, payout PayoutClient, sampler fees.SampleSource, metrics MetricsRecorder, notifier alerting.Notifier, opts Options, logger zerolog.Logger) *Engine {
	if opts.PayoutTimeout <= 0 {
		opts.PayoutTimeout = 5 * time.Minute
	}
	if opts.PayoutPollInterval <= 0 {
		opts.PayoutPollInterval = 2 * time.Second
	}

	return &Engine{
		source:   source,
		decoder:  decoder,
		store:    store,
		payout:   payout,
		sampler:  sampler,
		metrics:  metrics,
		notifier: notifier,
		logger:   logger.With().Str("component", "relay_engine").Logger(),
		opts:     opts,
		keys:     newKeyedMutex(),
	}
}

// Run consumes event batches until ctx is cancelled, then waits for
// in-flight settlements to finish. A settlement started before shutdown
// keeps polling on its own payout timeout rather than being cut off;
// if the process dies mid-poll the deposit stays in processing, which
// is re-drivable and never double-paid.
func (e *Engine) Run(ctx context.Context) error {
	batches, err := e.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to event source: %w", err)
	}

	e.logger.Info().Msg("settlement engine started")

	for batch := range batches {
		e.dispatch(batch)
	}

	e.logger.Info().Msg("event source closed; draining in-flight settlements")
	e.wg.Wait()
	return nil
}

func (e *Engine) dispatch(batch event.LogBatch) {
	events, decodeErrs := e.decoder.DecodeBatch(batch)
	for _, decodeErr := range decodeErrs {
		e.logger.Error().Err(decodeErr.Err).
			Str("signature", decodeErr.Signature).
			Int("line", decodeErr.Line).
			Msg("deposit event failed to decode")
	}

	for _, evt := range events {
		evt := evt
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			unlock := e.keys.Lock(evt.DepositID)
			defer unlock()

			// Detached from the run context on purpose: an in-flight
			// payout poll is bounded by its own timeout.
			e.ProcessEvent(context.Background(), evt)
		}()
	}
}

// ProcessEvent settles one deposit event. Every failure is absorbed
// here: duplicates return silently, everything else ends in the ledger
// as failed. Nothing propagates out of the subscription path.
func (e *Engine) ProcessEvent(ctx context.Context, evt event.DepositEvent) {
	logger := e.logger.With().
		Str("deposit_id", evt.DepositID).
		Str("source_tx", evt.SourceTx).
		Str("asset", string(evt.Asset)).
		Logger()

	deposit, err := e.store.GetDeposit(ctx, evt.DepositID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// No intake record: nothing safe to settle against.
			logger.Error().Msg("deposit event references unknown deposit; dropping")
			return
		}
		logger.Error().Err(err).Msg("load deposit failed; event dropped, will settle on re-delivery")
		return
	}

	if deposit.SourceTx != "" && deposit.SourceTx == evt.SourceTx && deposit.Status != storage.StatusPending {
		logger.Debug().Msg("duplicate delivery; already observed source tx")
		return
	}
	if deposit.Status == storage.StatusSent && deposit.PayoutTx != "" {
		logger.Debug().Msg("deposit already settled")
		return
	}

	// The durable processing transition is the idempotency gate: it
	// must land before the payout is initiated so a crash or racing
	// delivery can never trigger a second payout.
	won, err := e.store.MarkProcessing(ctx, evt.DepositID, evt.SourceTx)
	if err != nil {
		logger.Error().Err(err).Msg("processing transition failed; event dropped")
		return
	}
	if !won {
		logger.Debug().Msg("lost processing race; another delivery settles this deposit")
		return
	}

	logger.Info().Uint64("raw_amount", evt.RawAmount).Msg("deposit observed; settling")
	start := time.Now()

	amount, err := e.convert(evt)
	if err != nil {
		e.fail(ctx, logger, evt.DepositID, start, fmt.Errorf("convert amount: %w", err))
		return
	}

	if !event.ValidShieldedAddress(evt.DestinationAddress) {
		e.fail(ctx, logger, evt.DepositID, start, fmt.Errorf("invalid destination address %q", evt.DestinationAddress))
		return
	}

	if sample := e.sampler.Current(); !sample.IsZero() {
		logger.Debug().Int64("priority_p50", sample.P50).Int64("priority_p95", sample.P95).Msg("payout pacing context")
	}

	operationID, err := e.payout.Initiate(ctx, evt.DestinationAddress, amount)
	if err != nil {
		e.fail(ctx, logger, evt.DepositID, start, fmt.Errorf("initiate payout: %w", err))
		return
	}

	logger.Info().Str("operation_id", operationID).Str("amount", amount.String()).Msg("payout initiated")

	payoutTx, err := e.awaitPayout(ctx, operationID)
	if err != nil {
		e.fail(ctx, logger, evt.DepositID, start, fmt.Errorf("payout operation %s: %w", operationID, err))
		return
	}

	if _, err := e.store.MarkSent(ctx, evt.DepositID, payoutTx); err != nil {
		// The payout went out; losing the write leaves processing, an
		// operator re-drive will observe the payout id.
		logger.Error().Err(err).Str("payout_tx", payoutTx).Msg("payout sent but ledger write failed")
		return
	}

	e.record(start, evt.DepositID, true)
	logger.Info().Str("payout_tx", payoutTx).Dur("took", time.Since(start)).Msg("deposit settled")
}

// Redrive re-runs the payout for a deposit that already holds the
// processing state, typically after an operator reopened it. The event
// must carry the deposit's recorded source transaction.
func (e *Engine) Redrive(ctx context.Context, evt event.DepositEvent) error {
	unlock := e.keys.Lock(evt.DepositID)
	defer unlock()

	logger := e.logger.With().
		Str("deposit_id", evt.DepositID).
		Str("source_tx", evt.SourceTx).
		Logger()

	deposit, err := e.store.GetDeposit(ctx, evt.DepositID)
	if err != nil {
		return err
	}
	if deposit.PayoutTx != "" {
		return fmt.Errorf("deposit %s already has payout %s", evt.DepositID, deposit.PayoutTx)
	}
	if deposit.Status != storage.StatusProcessing {
		return fmt.Errorf("deposit %s is %s, not processing", evt.DepositID, deposit.Status)
	}
	if deposit.SourceTx != "" && deposit.SourceTx != evt.SourceTx {
		return fmt.Errorf("deposit %s was observed in %s, not %s", evt.DepositID, deposit.SourceTx, evt.SourceTx)
	}

	start := time.Now()

	amount, err := e.convert(evt)
	if err != nil {
		e.fail(ctx, logger, evt.DepositID, start, err)
		return err
	}
	if !event.ValidShieldedAddress(evt.DestinationAddress) {
		err := fmt.Errorf("invalid destination address %q", evt.DestinationAddress)
		e.fail(ctx, logger, evt.DepositID, start, err)
		return err
	}

	operationID, err := e.payout.Initiate(ctx, evt.DestinationAddress, amount)
	if err != nil {
		e.fail(ctx, logger, evt.DepositID, start, fmt.Errorf("initiate payout: %w", err))
		return err
	}

	payoutTx, err := e.awaitPayout(ctx, operationID)
	if err != nil {
		e.fail(ctx, logger, evt.DepositID, start, fmt.Errorf("payout operation %s: %w", operationID, err))
		return err
	}

	if _, err := e.store.MarkSent(ctx, evt.DepositID, payoutTx); err != nil {
		return fmt.Errorf("payout %s sent but ledger write failed: %w", payoutTx, err)
	}

	e.record(start, evt.DepositID, true)
	logger.Info().Str("payout_tx", payoutTx).Msg("deposit redriven")
	return nil
}

// awaitPayout polls the operation until success, failure, or timeout.
func (e *Engine) awaitPayout(ctx context.Context, operationID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.PayoutTimeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.PayoutPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timed out after %s", e.opts.PayoutTimeout)
		case <-ticker.C:
			status, err := e.payout.Poll(ctx, operationID)
			if err != nil {
				// Transient poll errors are retried until the deadline.
				e.logger.Warn().Err(err).Str("operation_id", operationID).Msg("payout poll failed")
				continue
			}
			switch status.State {
			case PayoutSuccess:
				return status.PayoutTx, nil
			case PayoutFailed:
				return "", fmt.Errorf("payout failed: %s", status.Reason)
			}
		}
	}
}

func (e *Engine) convert(evt event.DepositEvent) (decimal.Decimal, error) {
	rate, ok := e.opts.Rates[evt.Asset]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("no conversion rate for asset %s", evt.Asset)
	}
	return Convert(evt.Asset, evt.RawAmount, rate), nil
}

func (e *Engine) fail(ctx context.Context, logger zerolog.Logger, depositID string, start time.Time, cause error) {
	logger.Error().Err(cause).Msg("settlement failed")

	if err := e.store.MarkFailed(ctx, depositID, cause.Error()); err != nil {
		logger.Error().Err(err).Msg("failed-status write failed")
	}

	e.record(start, depositID, false)

	if e.notifier != nil {
		note := alerting.Notification{
			DepositID: depositID,
			Reason:    cause.Error(),
			FailedAt:  time.Now().UTC(),
		}
		notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.notifier.Notify(notifyCtx, note); err != nil {
			logger.Error().Err(err).Msg("operator alert failed")
		}
	}
}

func (e *Engine) record(start time.Time, depositID string, success bool) {
	if e.metrics == nil {
		return
	}
	e.metrics.Record(time.Since(start).Milliseconds(), depositID, success)
}

// Convert turns a raw smallest-unit amount into destination display
// units with the fixed per-asset rate. Decimal all the way through:
// equal inputs yield identical outputs.
func Convert(asset event.Asset, rawAmount uint64, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromUint64(rawAmount).Shift(-asset.Decimals()).Mul(rate)
}
