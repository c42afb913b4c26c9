package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreateDepositRequest is the intake payload. Amount is in display
// units of the source asset.
type CreateDepositRequest struct {
	UserAddress        string `json:"user_address"`
	Asset              string `json:"asset"`
	Amount             string `json:"amount"`
	DestinationAddress string `json:"destination_address"`
}

// DepositResponse is the public view of a ledger record. AmountZec is
// the destination-chain amount the settlement pays out.
type DepositResponse struct {
	DepositID          string          `json:"deposit_id"`
	UserAddress        string          `json:"user_address"`
	Asset              string          `json:"asset"`
	AmountZec          decimal.Decimal `json:"amount_zec"`
	DestinationAddress string          `json:"destination_address"`
	Status             string          `json:"status"`
	SourceTx           string          `json:"source_tx,omitempty"`
	PayoutTx           string          `json:"payout_tx,omitempty"`
	FailureReason      string          `json:"failure_reason,omitempty"`
	DemoMode           bool            `json:"demo_mode"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ErrorResponse carries a machine-readable error code plus a message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
