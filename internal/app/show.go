package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent deposits from the ledger.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	deposits, err := store.ListRecentDeposits(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(deposits) == 0 {
		fmt.Fprintln(os.Stdout, "no deposits found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created (UTC)\tDeposit\tAsset\tAmount ZEC\tStatus\tSource Tx\tPayout Tx\tError")

	for _, deposit := range deposits {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			deposit.CreatedAt.UTC().Format(time.RFC3339),
			deposit.DepositID,
			deposit.Asset,
			deposit.Amount.StringFixed(8),
			deposit.Status,
			truncate(deposit.SourceTx, 16),
			truncate(deposit.PayoutTx, 16),
			sanitizeInline(deposit.FailureReason),
		)
	}

	writer.Flush()
	return nil
}

func truncate(v string, max int) string {
	if len(v) <= max {
		return v
	}
	return v[:max] + "..."
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
