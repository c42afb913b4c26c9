package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"zec-relay/internal/demo"
	"zec-relay/internal/event"
	"zec-relay/internal/storage"
)

// SimulateDeposit registers a deposit and drives it through the demo
// settlement phases, printing each transition. Requires demo mode.
func (a *App) SimulateDeposit(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Demo.Enabled {
		return errors.New("demo.enabled must be true to simulate a deposit")
	}

	asset, err := event.ParseAssetSymbol(opts.Asset)
	if err != nil {
		return err
	}

	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil || amount.Sign() <= 0 {
		return fmt.Errorf("amount must be a positive decimal, got %q", opts.Amount)
	}

	if !event.ValidShieldedAddress(opts.DestinationAddress) {
		return fmt.Errorf("destination %q is not a shielded Zcash address", opts.DestinationAddress)
	}

	rate, err := a.Config.ConversionRate(string(asset))
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	depositID := uuid.NewString()
	deposit := storage.Deposit{
		DepositID:          depositID,
		UserAddress:        opts.UserAddress,
		Asset:              string(asset),
		Amount:             amount.Mul(rate),
		DestinationAddress: opts.DestinationAddress,
		Status:             storage.StatusPending,
		SourceTx:           "demo-" + depositID,
	}
	if err := store.CreateDeposit(ctx, deposit); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "deposit %s created: %s %s -> %s ZEC\n",
		deposit.DepositID, opts.Amount, asset, deposit.Amount.StringFixed(8))

	simulator := demo.NewSimulator(store, a.Config.Demo.SettleDelay, a.Logger)
	defer simulator.Stop()
	simulator.Enqueue(deposit.DepositID)

	if !opts.Wait {
		return nil
	}

	return a.watchDeposit(ctx, store, deposit.DepositID)
}

// watchDeposit polls the ledger until the deposit turns terminal.
func (a *App) watchDeposit(ctx context.Context, store *storage.Store, depositID string) error {
	deadline := time.Now().Add(3*a.Config.Demo.SettleDelay + 10*time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	last := storage.StatusPending
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deposit, err := store.GetDeposit(ctx, depositID)
			if err != nil {
				return err
			}
			if deposit.Status != last {
				last = deposit.Status
				fmt.Fprintf(os.Stdout, "deposit %s -> %s\n", depositID, deposit.Status)
			}
			if deposit.Status.Terminal() {
				if deposit.PayoutTx != "" {
					fmt.Fprintf(os.Stdout, "payout tx: %s\n", deposit.PayoutTx)
				}
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("deposit %s did not settle before the deadline", depositID)
			}
		}
	}
}
