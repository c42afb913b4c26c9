package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"zec-relay/internal/event"
	"zec-relay/internal/solana"
)

// Redrive reopens a stuck or failed deposit without a payout, re-reads
// its source transaction from the chain, and runs the settlement again.
func (a *App) Redrive(ctx context.Context, opts RedriveOptions) error {
	if a.Config.Demo.Enabled {
		return errors.New("redrive is not available in demo mode")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	deposit, err := store.GetDeposit(ctx, opts.DepositID)
	if err != nil {
		return err
	}
	if deposit.PayoutTx != "" {
		return fmt.Errorf("deposit %s already settled with payout %s", deposit.DepositID, deposit.PayoutTx)
	}
	if deposit.SourceTx == "" {
		return fmt.Errorf("deposit %s has no observed source transaction", deposit.DepositID)
	}

	won, err := store.Reopen(ctx, deposit.DepositID)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("deposit %s is %s and cannot be reopened", deposit.DepositID, deposit.Status)
	}

	client := solana.NewClient(solana.Options{
		RPCURL:     a.Config.Solana.RPCURL,
		Commitment: a.Config.Solana.Commitment,
		Timeout:    a.Config.Solana.RequestTimeout,
	}, a.Logger)

	logs, err := client.TransactionLogs(ctx, deposit.SourceTx)
	if err != nil {
		return fmt.Errorf("load source transaction %s: %w", deposit.SourceTx, err)
	}

	evt, err := findDepositEvent(deposit.SourceTx, logs, deposit.DepositID)
	if err != nil {
		return err
	}

	sampler := a.newSampler(store)
	engine, err := a.newEngine(store, sampler, nil)
	if err != nil {
		return err
	}

	if err := engine.Redrive(ctx, evt); err != nil {
		return err
	}

	settled, err := store.GetDeposit(ctx, deposit.DepositID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "deposit %s -> %s (payout %s)\n", settled.DepositID, settled.Status, settled.PayoutTx)
	return nil
}

func findDepositEvent(signature string, logs []string, depositID string) (event.DepositEvent, error) {
	events, decodeErrs := event.NewDecoder().DecodeBatch(event.LogBatch{Signature: signature, Logs: logs})
	for _, evt := range events {
		if evt.DepositID == depositID {
			return evt, nil
		}
	}
	for _, decodeErr := range decodeErrs {
		return event.DepositEvent{}, fmt.Errorf("source transaction has undecodable deposit events: %w", decodeErr)
	}
	return event.DepositEvent{}, fmt.Errorf("no deposit event for %s in transaction %s", depositID, signature)
}
