package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/carlosnetto/ybank.me-wallet/internal/erc20"
	"github.com/carlosnetto/ybank.me-wallet/internal/gateway"
	"github.com/carlosnetto/ybank.me-wallet/internal/validation"
	"github.com/carlosnetto/ybank.me-wallet/internal/wallet"
)

const maxRequestBodySize = 1 << 20

type accountResponse struct {
	Address string `json:"address"`
	QRCode  string `json:"qr_code,omitempty"`
}

// handleGetAccount returns the receive view: the account address and its QR
// rendering.
// GET /api/v1/account
func handleGetAccount(w *wallet.Wallet) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		resp := accountResponse{Address: w.Address().Hex()}
		if qr, err := gateway.QRCodePNG(resp.Address); err == nil {
			resp.QRCode = qr
		}
		writeJSON(rw, resp, http.StatusOK)
	})
}

type balanceResponse struct {
	Balance   string `json:"balance"`
	UpdatedAt string `json:"updated_at"`
}

// handleGetBalance serves the latest polled balance.
// GET /api/v1/balance
func handleGetBalance(state SnapshotSource) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		snap := state.Snapshot()

		balance := snap.Balance
		if balance == "" {
			balance = "0.0"
		}
		writeJSON(rw, balanceResponse{
			Balance:   balance,
			UpdatedAt: snap.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}, http.StatusOK)
	})
}

// handleListTransactions serves the latest reconstructed history.
// GET /api/v1/transactions
func handleListTransactions(state SnapshotSource) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		snap := state.Snapshot()
		writeJSON(rw, map[string]any{
			"transactions": snap.Transactions,
			"updated_at":   snap.UpdatedAt,
		}, http.StatusOK)
	})
}

type sendRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type sendResponse struct {
	TxHash string `json:"tx_hash"`
}

// handleSend signs and broadcasts a token transfer.
// POST /api/v1/send
func handleSend(w *wallet.Wallet, chain Chain, logger *zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
			writeError(rw, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := validation.ValidateAddress(req.To); err != nil {
			writeError(rw, err.Error(), http.StatusBadRequest)
			return
		}
		if err := validation.ValidateAmount(req.Amount); err != nil {
			writeError(rw, err.Error(), http.StatusBadRequest)
			return
		}

		raw, err := erc20.ParseUnits(req.Amount, erc20.Decimals)
		if err != nil {
			writeError(rw, err.Error(), http.StatusBadRequest)
			return
		}
		if raw.Sign() == 0 {
			writeError(rw, "amount must be greater than zero", http.StatusBadRequest)
			return
		}

		to := common.HexToAddress(req.To)
		if to == w.Address() {
			writeError(rw, "cannot send to own account", http.StatusBadRequest)
			return
		}

		txHash, err := chain.SendTransfer(r.Context(), w.Key(), to, raw)
		if err != nil {
			logger.Error().Err(err).Str("to", req.To).Msg("Send failed")
			writeError(rw, "failed to send transfer", http.StatusBadGateway)
			return
		}

		writeJSON(rw, sendResponse{TxHash: txHash.Hex()}, http.StatusOK)
	})
}

type createChargeRequest struct {
	Amount string `json:"amount"`
}

// handleCreateCharge creates a merchant payment request for the wallet's own
// account via the payment gateway.
// POST /api/v1/charges
func handleCreateCharge(w *wallet.Wallet, gw Gateway, logger *zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var req createChargeRequest
		if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
			writeError(rw, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := validation.ValidateAmount(req.Amount); err != nil {
			writeError(rw, err.Error(), http.StatusBadRequest)
			return
		}

		charge, err := gw.CreateCharge(r.Context(), w.Address().Hex(), req.Amount)
		if err != nil {
			logger.Error().Err(err).Msg("Gateway charge creation failed")
			writeError(rw, "failed to create charge", http.StatusBadGateway)
			return
		}

		if charge.QRCode == "" {
			if qr, err := gateway.QRCodePNG(charge.PaymentURI); err == nil {
				charge.QRCode = qr
			}
		}
		writeJSON(rw, charge, http.StatusCreated)
	})
}

// handleGetCharge fetches a charge from the gateway.
// GET /api/v1/charges/{id}
func handleGetCharge(gw Gateway, logger *zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		charge, err := gw.GetCharge(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				writeError(rw, "charge not found", http.StatusNotFound)
				return
			}
			logger.Error().Err(err).Msg("Gateway charge lookup failed")
			writeError(rw, "failed to load charge", http.StatusBadGateway)
			return
		}
		writeJSON(rw, charge, http.StatusOK)
	})
}

type payRequest struct {
	PaymentURI string `json:"payment_uri"`
}

type payResponse struct {
	TxHash   string `json:"tx_hash"`
	ChargeID string `json:"charge_id,omitempty"`
	Amount   string `json:"amount"`
}

// handlePay settles a scanned charge: it decodes the payment URI, sends the
// token transfer, and reports the transaction back to the gateway.
// POST /api/v1/pay
func handlePay(w *wallet.Wallet, chain Chain, gw Gateway, logger *zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var req payRequest
		if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
			writeError(rw, "invalid request body", http.StatusBadRequest)
			return
		}

		payment, err := gateway.ParsePaymentURI(req.PaymentURI)
		if err != nil {
			writeError(rw, err.Error(), http.StatusBadRequest)
			return
		}
		if payment.Recipient == w.Address() {
			writeError(rw, "cannot pay own charge", http.StatusBadRequest)
			return
		}

		if payment.ChargeID != "" {
			charge, err := gw.GetCharge(r.Context(), payment.ChargeID)
			if err == nil && charge.Status != gateway.StatusPending {
				writeError(rw, "charge is no longer payable", http.StatusConflict)
				return
			}
		}

		txHash, err := chain.SendTransfer(r.Context(), w.Key(), payment.Recipient, payment.Amount)
		if err != nil {
			logger.Error().Err(err).Str("chargeID", payment.ChargeID).Msg("Payment failed")
			writeError(rw, "failed to send payment", http.StatusBadGateway)
			return
		}

		if payment.ChargeID != "" {
			if _, err := gw.MarkPaid(r.Context(), payment.ChargeID, txHash.Hex(), w.Address().Hex()); err != nil {
				// The transfer is already on chain; report but don't fail.
				logger.Error().Err(err).Str("chargeID", payment.ChargeID).Msg("Failed to mark charge paid")
			}
		}

		writeJSON(rw, payResponse{
			TxHash:   txHash.Hex(),
			ChargeID: payment.ChargeID,
			Amount:   erc20.FormatUnits(payment.Amount, erc20.Decimals),
		}, http.StatusOK)
	})
}
