package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carlosnetto/ybank.me-wallet/internal/erc20"
	"github.com/carlosnetto/ybank.me-wallet/internal/gateway"
	"github.com/carlosnetto/ybank.me-wallet/internal/models"
	"github.com/carlosnetto/ybank.me-wallet/internal/store"
	"github.com/carlosnetto/ybank.me-wallet/internal/validation"
)

// chargeTTL is how long a payment request stays payable.
const chargeTTL = 15 * time.Minute

// transfersPageSize bounds the account transfer listing.
const transfersPageSize = 50

// notificationTemplate is the default payment notification text; merchants
// can override it through the notification_template setting.
const notificationTemplate = "ybank.me: payment of {amount} USDC to {to} confirmed"

// settingNotificationTemplate is the settings key holding the template
// override.
const settingNotificationTemplate = "notification_template"

// Store is the persistence surface the payment server needs: charges, the
// settled-transfer cache, and key/value settings.
type Store interface {
	CreateCharge(ctx context.Context, rec store.ChargeRecord) error
	GetCharge(ctx context.Context, id string) (*store.ChargeRecord, error)
	MarkChargePaid(ctx context.Context, id, txHash string) (*store.ChargeRecord, error)
	SaveTransfer(ctx context.Context, account string, tx models.Transaction) error
	ListTransfers(ctx context.Context, account string, limit int) ([]models.Transaction, error)
	SetSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, error)
}

// NewRouter builds the payment server's routes: the charge JSON API, the
// per-account transfer listing, settings, and the mock notification endpoint.
func NewRouter(db Store, logger *zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/charges", handleCreateCharge(db, logger))
	mux.Handle("GET /api/v1/charges/{id}", handleGetCharge(db, logger))
	mux.Handle("POST /api/v1/charges/{id}/paid", handleMarkPaid(db, logger))
	mux.Handle("GET /api/v1/accounts/{address}/transfers", handleListTransfers(db, logger))
	mux.Handle("GET /api/v1/settings/{key}", handleGetSetting(db))
	mux.Handle("PUT /api/v1/settings/{key}", handleSetSetting(db, logger))
	mux.Handle("GET /notify", handleNotification(db, logger))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return mux
}

// handleNotification renders the payment notification, preferring a stored
// template override.
// GET /notify?to={address}&amount={amount}
func handleNotification(db Store, logger *zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		to := r.URL.Query().Get("to")
		amount := r.URL.Query().Get("amount")

		template := notificationTemplate
		if custom, err := db.GetSetting(r.Context(), settingNotificationTemplate); err == nil && custom != "" {
			template = custom
		}

		message := strings.NewReplacer(
			"{amount}", amount,
			"{to}", to,
		).Replace(template)

		logger.Info().Str("to", to).Str("amount", amount).Msg("Served payment notification")

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(message))
	})
}

type createChargeRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type markPaidRequest struct {
	TxHash string `json:"tx_hash"`
	Payer  string `json:"payer,omitempty"`
}

// handleCreateCharge registers a new payment request.
// POST /api/v1/charges
func handleCreateCharge(db Store, logger *zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createChargeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := validation.ValidateAddress(req.Recipient); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := validation.ValidateAmount(req.Amount); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		raw, err := erc20.ParseUnits(req.Amount, erc20.Decimals)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if raw.Sign() == 0 {
			writeError(w, "amount must be greater than zero", http.StatusBadRequest)
			return
		}

		now := time.Now()
		id := uuid.New().String()
		rec := store.ChargeRecord{
			ID:         id,
			Recipient:  req.Recipient,
			Amount:     erc20.FormatUnits(raw, erc20.Decimals),
			Status:     gateway.StatusPending,
			PaymentURI: gateway.BuildPaymentURI(common.HexToAddress(req.Recipient), raw, id),
			CreatedAt:  now,
			ExpiresAt:  now.Add(chargeTTL),
		}

		if err := db.CreateCharge(r.Context(), rec); err != nil {
			logger.Error().Err(err).Msg("Failed to create charge")
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Info().
			Str("chargeID", rec.ID).
			Str("recipient", rec.Recipient).
			Str("amount", rec.Amount).
			Msg("Created charge")

		writeJSON(w, toCharge(rec, true), http.StatusCreated)
	})
}

// handleGetCharge fetches one charge.
// GET /api/v1/charges/{id}
func handleGetCharge(db Store, logger *zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, err := db.GetCharge(r.Context(), r.PathValue("id"))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "charge not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load charge")
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, toCharge(*rec, false), http.StatusOK)
	})
}

// handleMarkPaid records the settling transaction for a charge and caches
// the resulting transfer under the merchant account.
// POST /api/v1/charges/{id}/paid
func handleMarkPaid(db Store, logger *zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req markPaidRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := validation.ValidateTxHash(req.TxHash); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Payer != "" {
			if err := validation.ValidateAddress(req.Payer); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		id := r.PathValue("id")
		rec, err := db.MarkChargePaid(r.Context(), id, req.TxHash)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, "charge not found", http.StatusNotFound)
			return
		case errors.Is(err, store.ErrChargeNotPayable):
			writeError(w, "charge is not payable", http.StatusConflict)
			return
		case err != nil:
			logger.Error().Err(err).Str("chargeID", id).Msg("Failed to mark charge paid")
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		// The paid transition is committed; caching the transfer is best
		// effort.
		transfer := models.Transaction{
			TxHash:       req.TxHash,
			Direction:    models.In,
			Amount:       rec.Amount,
			Counterparty: req.Payer,
			Timestamp:    time.Now(),
			Status:       "confirmed",
		}
		if err := db.SaveTransfer(r.Context(), rec.Recipient, transfer); err != nil {
			logger.Warn().Err(err).Str("chargeID", id).Msg("Failed to cache settled transfer")
		}

		logger.Info().Str("chargeID", id).Str("txHash", req.TxHash).Msg("Charge paid")
		writeJSON(w, toCharge(*rec, false), http.StatusOK)
	})
}

// handleListTransfers returns the cached settled transfers for an account,
// newest first.
// GET /api/v1/accounts/{address}/transfers
func handleListTransfers(db Store, logger *zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validation.ValidateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		txs, err := db.ListTransfers(r.Context(), address, transfersPageSize)
		if err != nil {
			logger.Error().Err(err).Str("account", address).Msg("Failed to list transfers")
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if txs == nil {
			txs = []models.Transaction{}
		}

		writeJSON(w, map[string]any{"transfers": txs}, http.StatusOK)
	})
}

type settingResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// handleGetSetting reads one key/value setting.
// GET /api/v1/settings/{key}
func handleGetSetting(db Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		value, err := db.GetSetting(r.Context(), key)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "setting not found", http.StatusNotFound)
			return
		}
		if err != nil {
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, settingResponse{Key: key, Value: value}, http.StatusOK)
	})
}

type setSettingRequest struct {
	Value string `json:"value"`
}

// handleSetSetting upserts one key/value setting.
// PUT /api/v1/settings/{key}
func handleSetSetting(db Store, logger *zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req setSettingRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		key := r.PathValue("key")
		if err := db.SetSetting(r.Context(), key, req.Value); err != nil {
			logger.Error().Err(err).Str("key", key).Msg("Failed to store setting")
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, settingResponse{Key: key, Value: req.Value}, http.StatusOK)
	})
}

// toCharge maps a stored record to the API shape, optionally attaching a QR
// rendering of the payment URI.
func toCharge(rec store.ChargeRecord, withQR bool) gateway.Charge {
	charge := gateway.Charge{
		ID:         rec.ID,
		Recipient:  rec.Recipient,
		Amount:     rec.Amount,
		Status:     rec.Status,
		PaymentURI: rec.PaymentURI,
		TxHash:     rec.TxHash.String,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
	}
	if withQR {
		if qr, err := gateway.QRCodePNG(rec.PaymentURI); err == nil {
			charge.QRCode = qr
		}
	}
	return charge
}
