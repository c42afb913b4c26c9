package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"zec-relay/internal/event"
	"zec-relay/internal/fees"
)

// QuoteHandler serves fee estimates.
type QuoteHandler struct {
	quotes *fees.QuoteEngine
	logger zerolog.Logger
}

// NewQuoteHandler constructs a QuoteHandler.
func NewQuoteHandler(quotes *fees.QuoteEngine, logger zerolog.Logger) *QuoteHandler {
	return &QuoteHandler{quotes: quotes, logger: logger}
}

// Get handles GET /api/quote?asset=SOL&amount=1.5&speed=fast.
func (h *QuoteHandler) Get(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	asset, err := event.ParseAssetSymbol(query.Get("asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported_asset", "asset must be SOL or USDC", h.logger)
		return
	}

	amount, err := decimal.NewFromString(query.Get("amount"))
	if err != nil || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a positive decimal", h.logger)
		return
	}

	speed, err := fees.ParseSpeed(query.Get("speed"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_speed", "speed must be slow, normal, or fast", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, h.quotes.Quote(asset, amount, speed), h.logger)
}
