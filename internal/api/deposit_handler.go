package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"zec-relay/internal/config"
	"zec-relay/internal/event"
	"zec-relay/internal/storage"
)

// DepositHandler serves the intake and status endpoints.
type DepositHandler struct {
	store  storage.DepositStore
	cfg    *config.Config
	demo   DemoOverlay
	logger zerolog.Logger
}

// NewDepositHandler constructs a DepositHandler. demo may be nil when
// the live engine settles deposits.
func NewDepositHandler(store storage.DepositStore, cfg *config.Config, demo DemoOverlay, logger zerolog.Logger) *DepositHandler {
	return &DepositHandler{store: store, cfg: cfg, demo: demo, logger: logger}
}

// Create handles POST /api/deposits. It registers the transfer intent,
// converts the declared amount at the fixed rate, and in demo mode
// schedules the fake settlement.
func (h *DepositHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "invalid JSON in request body", h.logger)
		return
	}

	if req.UserAddress == "" {
		writeError(w, http.StatusBadRequest, "missing_user_address", "user_address is required", h.logger)
		return
	}

	asset, err := event.ParseAssetSymbol(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported_asset", "asset must be SOL or USDC", h.logger)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a positive decimal", h.logger)
		return
	}

	if !event.ValidShieldedAddress(req.DestinationAddress) {
		writeError(w, http.StatusBadRequest, "invalid_destination", "destination_address must be a shielded Zcash address", h.logger)
		return
	}

	rate, err := h.cfg.ConversionRate(string(asset))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rate_error", "no conversion rate configured", h.logger)
		return
	}

	deposit := storage.Deposit{
		DepositID:          uuid.NewString(),
		UserAddress:        req.UserAddress,
		Asset:              string(asset),
		Amount:             amount.Mul(rate),
		DestinationAddress: req.DestinationAddress,
		Status:             storage.StatusPending,
	}
	if h.demo != nil {
		// No chain transaction will ever reference a demo deposit.
		deposit.SourceTx = "demo-" + deposit.DepositID
	}

	if err := h.store.CreateDeposit(r.Context(), deposit); err != nil {
		h.logger.Error().Err(err).Msg("create deposit failed")
		writeError(w, http.StatusInternalServerError, "database_error", "failed to create deposit", h.logger)
		return
	}

	if h.demo != nil {
		h.demo.Enqueue(deposit.DepositID)
	}

	stored, err := h.store.GetDeposit(r.Context(), deposit.DepositID)
	if err != nil {
		// The row exists; fall back to what we just wrote.
		stored = deposit
		stored.CreatedAt = time.Now().UTC()
		stored.UpdatedAt = stored.CreatedAt
	}

	h.logger.Info().
		Str("deposit_id", deposit.DepositID).
		Str("asset", string(asset)).
		Str("amount_zec", deposit.Amount.String()).
		Msg("deposit registered")

	writeJSON(w, http.StatusCreated, h.present(stored), h.logger)
}

// Get handles GET /api/deposits/{deposit_id}.
func (h *DepositHandler) Get(w http.ResponseWriter, r *http.Request) {
	depositID := mux.Vars(r)["deposit_id"]

	deposit, err := h.store.GetDeposit(r.Context(), depositID)
	if err != nil {
		h.respondLookupError(w, depositID, err)
		return
	}

	writeJSON(w, http.StatusOK, h.present(deposit), h.logger)
}

// GetBySignature handles GET /api/deposits/by-signature/{signature}.
func (h *DepositHandler) GetBySignature(w http.ResponseWriter, r *http.Request) {
	signature := mux.Vars(r)["signature"]

	deposit, err := h.store.FindBySourceTx(r.Context(), signature)
	if err != nil {
		h.respondLookupError(w, signature, err)
		return
	}

	writeJSON(w, http.StatusOK, h.present(deposit), h.logger)
}

func (h *DepositHandler) respondLookupError(w http.ResponseWriter, key string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deposit_not_found", "deposit not found", h.logger)
		return
	}
	h.logger.Error().Err(err).Str("key", key).Msg("deposit lookup failed")
	writeError(w, http.StatusInternalServerError, "database_error", "failed to retrieve deposit", h.logger)
}

// present converts a ledger record into its API view. In demo mode a
// deposit whose timers have not landed yet is shown at the phase its
// age implies, so the read path is consistent across restarts.
func (h *DepositHandler) present(deposit storage.Deposit) DepositResponse {
	status := deposit.Status
	if h.demo != nil && !status.Terminal() {
		if phase := h.demo.Phase(deposit.CreatedAt, time.Now()); phase != storage.StatusPending {
			status = phase
		}
	}

	return DepositResponse{
		DepositID:          deposit.DepositID,
		UserAddress:        deposit.UserAddress,
		Asset:              deposit.Asset,
		AmountZec:          deposit.Amount,
		DestinationAddress: deposit.DestinationAddress,
		Status:             string(status),
		SourceTx:           deposit.SourceTx,
		PayoutTx:           deposit.PayoutTx,
		FailureReason:      deposit.FailureReason,
		DemoMode:           h.demo != nil,
		CreatedAt:          deposit.CreatedAt,
		UpdatedAt:          deposit.UpdatedAt,
	}
}
