package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"zec-relay/internal/config"
	"zec-relay/internal/event"
)

// Speed selects a quote tier.
type Speed string

const (
	SpeedSlow   Speed = "slow"
	SpeedNormal Speed = "normal"
	SpeedFast   Speed = "fast"
)

// ParseSpeed validates a speed string, defaulting empty to normal.
func ParseSpeed(s string) (Speed, error) {
	switch Speed(s) {
	case "":
		return SpeedNormal, nil
	case SpeedSlow, SpeedNormal, SpeedFast:
		return Speed(s), nil
	}
	return "", fmt.Errorf("unsupported speed %q", s)
}

// Multiplier scales the privacy premium and fallback fee by tier.
func (s Speed) Multiplier() decimal.Decimal {
	switch s {
	case SpeedSlow:
		return decimal.NewFromFloat(0.5)
	case SpeedFast:
		return decimal.NewFromInt(2)
	}
	return decimal.NewFromInt(1)
}

var lamportsPerSol = decimal.New(1, 9)

// Quote is a full cost breakdown for a prospective transfer. All values
// are display-unit decimals on their respective chains.
type Quote struct {
	Asset          event.Asset     `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	Speed          Speed           `json:"speed"`
	BaseFee        decimal.Decimal `json:"solana_base_fee_estimate"`
	PriorityFee    decimal.Decimal `json:"solana_priority_fee_estimate"`
	ShieldFee      decimal.Decimal `json:"zcash_shield_fee_estimate"`
	PrivacyPremium decimal.Decimal `json:"privacy_premium"`
	TotalSolana    decimal.Decimal `json:"total_estimated_cost_solana"`
	TotalZcash     decimal.Decimal `json:"total_estimated_cost_zcash"`
	LiveSample     bool            `json:"live_sample"`
	DemoMode       bool            `json:"demo_mode"`
}

// QuoteOptions carry the constant fee components.
type QuoteOptions struct {
	BaseFee          decimal.Decimal
	ShieldFee        decimal.Decimal
	PrivacyPremium   decimal.Decimal
	FallbackPriority decimal.Decimal
	DemoMode         bool
}

// QuoteOptionsFromConfig parses the configured decimal strings.
func QuoteOptionsFromConfig(cfg config.FeesConfig, demoMode bool) (QuoteOptions, error) {
	opts := QuoteOptions{DemoMode: demoMode}
	for _, field := range []struct {
		key   string
		value string
		dst   *decimal.Decimal
	}{
		{"fees.base_fee", cfg.BaseFee, &opts.BaseFee},
		{"fees.shield_fee", cfg.ShieldFee, &opts.ShieldFee},
		{"fees.privacy_premium", cfg.PrivacyPremium, &opts.PrivacyPremium},
		{"fees.fallback_priority", cfg.FallbackPriority, &opts.FallbackPriority},
	} {
		d, err := decimal.NewFromString(field.value)
		if err != nil {
			return QuoteOptions{}, fmt.Errorf("%s is not a valid decimal: %w", field.key, err)
		}
		*field.dst = d
	}
	return opts, nil
}

// QuoteEngine computes transfer cost estimates from constants plus the
// current fee sample. It has no side effects and never fails: when no
// live sample exists it falls back to configured constants.
type QuoteEngine struct {
	opts   QuoteOptions
	source SampleSource
}

// NewQuoteEngine constructs a QuoteEngine.
func NewQuoteEngine(opts QuoteOptions, source SampleSource) *QuoteEngine {
	return &QuoteEngine{opts: opts, source: source}
}

// Quote builds the cost breakdown for one prospective transfer.
func (q *QuoteEngine) Quote(asset event.Asset, amount decimal.Decimal, speed Speed) Quote {
	sample := q.source.Current()
	priority := q.priorityFee(sample, speed)
	premium := q.opts.PrivacyPremium.Mul(speed.Multiplier())

	return Quote{
		Asset:          asset,
		Amount:         amount,
		Speed:          speed,
		BaseFee:        q.opts.BaseFee,
		PriorityFee:    priority,
		ShieldFee:      q.opts.ShieldFee,
		PrivacyPremium: premium,
		TotalSolana:    q.opts.BaseFee.Add(priority).Add(premium),
		TotalZcash:     q.opts.ShieldFee,
		LiveSample:     !sample.IsZero(),
		DemoMode:       q.opts.DemoMode,
	}
}

// priorityFee selects p50 for the conservative tier and p95 for the
// expedited tier, converting lamports to SOL. Without a live sample the
// fallback constant is scaled by the speed multiplier instead.
func (q *QuoteEngine) priorityFee(sample Sample, speed Speed) decimal.Decimal {
	if sample.IsZero() {
		return q.opts.FallbackPriority.Mul(speed.Multiplier())
	}

	var lamports decimal.Decimal
	switch speed {
	case SpeedSlow:
		lamports = decimal.NewFromInt(sample.P50)
	case SpeedFast:
		lamports = decimal.NewFromInt(sample.P95)
	default:
		// Midpoint in decimal space; the int64 sum could wrap.
		lamports = decimal.NewFromInt(sample.P50).Add(decimal.NewFromInt(sample.P95)).Div(decimal.NewFromInt(2))
	}
	return lamports.Div(lamportsPerSol)
}
