package solana

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"zec-relay/internal/event"
	"zec-relay/internal/scheduler"
)

const signaturePageLimit = 100

// WatcherOptions parameterise program log watching.
type WatcherOptions struct {
	ProgramID    string
	PollInterval time.Duration
}

// Watcher polls the chain for new confirmed transactions referencing the
// monitored program and emits their log batches in confirmation order.
// Delivery is at-least-once; the settlement idempotency gate, not this
// watcher, is the correctness boundary.
type Watcher struct {
	client *Client
	opts   WatcherOptions
	logger zerolog.Logger

	cursor string
}

// NewWatcher constructs a Watcher.
func NewWatcher(client *Client, opts WatcherOptions, logger zerolog.Logger) *Watcher {
	return &Watcher{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "solana_watcher").Logger(),
	}
}

// Subscribe starts the poll loop and returns the batch channel. The
// channel is closed when ctx is cancelled.
func (w *Watcher) Subscribe(ctx context.Context) (<-chan event.LogBatch, error) {
	out := make(chan event.LogBatch)

	loop := scheduler.New(scheduler.Options{
		Interval: w.opts.PollInterval,
		Eager:    true,
	}, w.logger)

	go func() {
		defer close(out)
		_ = loop.Run(ctx, func(ctx context.Context, _ time.Time) error {
			return w.poll(ctx, out)
		})
	}()

	return out, nil
}

// poll advances the signature cursor and emits log batches for every
// new successful transaction, oldest first. The first poll only anchors
// the cursor so historical transactions are not replayed on startup.
func (w *Watcher) poll(ctx context.Context, out chan<- event.LogBatch) error {
	if w.cursor == "" {
		infos, err := w.client.SignaturesForAddress(ctx, w.opts.ProgramID, "", "", 1)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			return nil
		}
		w.cursor = infos[0].Signature
		w.logger.Info().Str("cursor", w.cursor).Msg("anchored signature cursor")
		return nil
	}

	infos, err := w.collectSince(ctx, w.cursor)
	if err != nil {
		return err
	}

	// Pages are newest first; deliver in confirmation order.
	for i := len(infos) - 1; i >= 0; i-- {
		info := infos[i]
		if info.Failed() {
			w.logger.Debug().Str("signature", info.Signature).Msg("skipping failed transaction")
			w.cursor = info.Signature
			continue
		}

		logs, err := w.client.TransactionLogs(ctx, info.Signature)
		if err != nil {
			// Leave the cursor behind this signature; the next tick retries.
			w.logger.Warn().Err(err).Str("signature", info.Signature).Msg("fetch transaction logs failed")
			return err
		}

		select {
		case out <- event.LogBatch{Signature: info.Signature, Logs: logs}:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.cursor = info.Signature
	}

	return nil
}

// collectSince gathers every signature newer than until. A single
// getSignaturesForAddress call returns only the newest limit entries,
// so a burst larger than one page must be walked downward with before
// until the node runs out of entries. Result is newest first.
func (w *Watcher) collectSince(ctx context.Context, until string) ([]SignatureInfo, error) {
	var all []SignatureInfo
	before := ""
	for {
		page, err := w.client.SignaturesForAddress(ctx, w.opts.ProgramID, until, before, signaturePageLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < signaturePageLimit {
			return all, nil
		}
		before = page[len(page)-1].Signature
	}
}
