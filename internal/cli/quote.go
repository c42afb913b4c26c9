package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"zec-relay/internal/app"
)

var (
	quoteAsset  string
	quoteAmount string
	quoteSpeed  string
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Print a one-shot transfer cost estimate",
	RunE: func(cmd *cobra.Command, args []string) error {
		if quoteAmount == "" {
			return errors.New("--amount is required")
		}

		opts := app.QuoteOptions{
			Asset:  quoteAsset,
			Amount: quoteAmount,
			Speed:  quoteSpeed,
		}

		return getApp().QuoteOnce(cmd.Context(), opts)
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteAsset, "asset", "SOL", "Source asset (SOL or USDC)")
	quoteCmd.Flags().StringVar(&quoteAmount, "amount", "", "Transfer amount in source-asset units")
	quoteCmd.Flags().StringVar(&quoteSpeed, "speed", "normal", "Quote tier (slow, normal, fast)")
}
