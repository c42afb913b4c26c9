package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"zec-relay/internal/app"
)

var (
	redriveDepositID string
)

var redriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Reopen a stuck or failed deposit and run its settlement again",
	RunE: func(cmd *cobra.Command, args []string) error {
		if redriveDepositID == "" {
			return errors.New("--deposit is required")
		}

		opts := app.RedriveOptions{
			DepositID: redriveDepositID,
		}

		return getApp().Redrive(cmd.Context(), opts)
	},
}

func init() {
	redriveCmd.Flags().StringVar(&redriveDepositID, "deposit", "", "Deposit id to redrive")
}
