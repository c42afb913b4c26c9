package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"zec-relay/internal/app"
)

var (
	simulateUser        string
	simulateAsset       string
	simulateAmount      string
	simulateDestination string
	simulateWait        bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-deposit",
	Short: "Register a demo deposit and drive it through the fake settlement",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAmount == "" {
			return errors.New("--amount is required")
		}
		if simulateDestination == "" {
			return errors.New("--destination is required")
		}

		opts := app.SimulateOptions{
			UserAddress:        simulateUser,
			Asset:              simulateAsset,
			Amount:             simulateAmount,
			DestinationAddress: simulateDestination,
			Wait:               simulateWait,
		}

		return getApp().SimulateDeposit(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateUser, "user", "demo-user", "Source-chain user address")
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "SOL", "Source asset (SOL or USDC)")
	simulateCmd.Flags().StringVar(&simulateAmount, "amount", "", "Deposit amount in source-asset units")
	simulateCmd.Flags().StringVar(&simulateDestination, "destination", "", "Shielded Zcash destination address")
	simulateCmd.Flags().BoolVar(&simulateWait, "wait", true, "Wait for the deposit to settle")
}
