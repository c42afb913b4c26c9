package app

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"zec-relay/internal/event"
	"zec-relay/internal/fees"
)

// QuoteOnce prints a one-shot fee estimate as JSON. With a fee endpoint
// configured it takes a single live sample first; otherwise the quote
// falls back to the configured constants.
func (a *App) QuoteOnce(ctx context.Context, opts QuoteOptions) error {
	asset, err := event.ParseAssetSymbol(opts.Asset)
	if err != nil {
		return err
	}

	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil {
		return err
	}

	speed, err := fees.ParseSpeed(opts.Speed)
	if err != nil {
		return err
	}

	sampler := a.newSampler(nil)
	if sampler.Live() {
		if err := sampler.SampleOnce(ctx, time.Now().UTC()); err != nil {
			a.Logger.Warn().Err(err).Msg("live fee sample failed; quoting from fallback constants")
		}
	}

	quoteOpts, err := fees.QuoteOptionsFromConfig(a.Config.Fees, a.Config.Demo.Enabled)
	if err != nil {
		return err
	}

	quote := fees.NewQuoteEngine(quoteOpts, sampler).Quote(asset, amount, speed)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(quote)
}
