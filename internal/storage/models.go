package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the settlement state of a deposit. Transitions are
// monotonic (pending → processing → sent) except for the single side
// transition into failed, reachable from any non-terminal state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Deposit is the durable record of one bridge transfer. SourceTx is the
// idempotency anchor: it is written once, together with the transition
// into processing, and equality against an incoming event detects
// re-delivery. PayoutTx is set exactly once, on success.
type Deposit struct {
	DepositID          string
	UserAddress        string
	Asset              string
	Amount             decimal.Decimal
	DestinationAddress string
	Status             Status
	SourceTx           string
	PayoutTx           string
	FailureReason      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
