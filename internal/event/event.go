package event

import (
	"fmt"
	"regexp"
)

// Asset identifies a supported source-chain asset.
type Asset string

const (
	AssetSOL  Asset = "SOL"
	AssetUSDC Asset = "USDC"
)

// Decimals returns the number of smallest-unit decimals for the asset
// (lamports for SOL, micro-units for USDC).
func (a Asset) Decimals() int32 {
	switch a {
	case AssetSOL:
		return 9
	case AssetUSDC:
		return 6
	}
	return 0
}

// ParseAsset maps the on-chain asset tag to an Asset.
func ParseAsset(tag byte) (Asset, error) {
	switch tag {
	case 0:
		return AssetSOL, nil
	case 1:
		return AssetUSDC, nil
	}
	return "", fmt.Errorf("unknown asset tag %d", tag)
}

// ParseAssetSymbol validates a textual asset symbol.
func ParseAssetSymbol(symbol string) (Asset, error) {
	switch Asset(symbol) {
	case AssetSOL:
		return AssetSOL, nil
	case AssetUSDC:
		return AssetUSDC, nil
	}
	return "", fmt.Errorf("unsupported asset %q", symbol)
}

// DepositEvent is the decoded form of a vault deposit emitted by the
// monitored program. It is ephemeral and never persisted.
type DepositEvent struct {
	DepositID          string
	UserAddress        string
	Asset              Asset
	RawAmount          uint64
	DestinationAddress string
	SourceTx           string
}

// LogBatch carries the raw log lines of one confirmed source-chain
// transaction referencing the monitored program.
type LogBatch struct {
	Signature string
	Logs      []string
}

// Shielded addresses start with "z" (Sapling) or "u1" (Unified).
var shieldedAddressRE = regexp.MustCompile(`^(z|u1)[a-zA-Z0-9]{50,95}$`)

// ValidShieldedAddress reports whether s looks like a Zcash shielded address.
func ValidShieldedAddress(s string) bool {
	return shieldedAddressRE.MatchString(s)
}
