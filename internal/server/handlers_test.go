package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosnetto/ybank.me-wallet/internal/gateway"
	"github.com/carlosnetto/ybank.me-wallet/internal/metrics"
	"github.com/carlosnetto/ybank.me-wallet/internal/models"
	"github.com/carlosnetto/ybank.me-wallet/internal/poller"
	"github.com/carlosnetto/ybank.me-wallet/internal/wallet"
)

const testMnemonic = "test test test test test test test test test test test junk"

type fakeChain struct {
	sentTo     common.Address
	sentAmount *big.Int
	sendErr    error
}

func (f *fakeChain) BalanceOf(_ context.Context, _ common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) SendTransfer(_ context.Context, _ *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error) {
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.sentTo = to
	f.sentAmount = amount
	return common.HexToHash("0xabc1"), nil
}

type fakeState struct {
	snap poller.Snapshot
}

func (f *fakeState) Snapshot() poller.Snapshot { return f.snap }

type fakeGateway struct {
	charges     map[string]*gateway.Charge
	createErr   error
	markedPaid  string
	markedTx    string
	markedPayer string
}

func (f *fakeGateway) CreateCharge(_ context.Context, recipient, amount string) (*gateway.Charge, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	raw, _ := new(big.Int).SetString("5000000", 10)
	return &gateway.Charge{
		ID:         "charge-1",
		Recipient:  recipient,
		Amount:     amount,
		Status:     gateway.StatusPending,
		PaymentURI: gateway.BuildPaymentURI(common.HexToAddress(recipient), raw, "charge-1"),
	}, nil
}

func (f *fakeGateway) GetCharge(_ context.Context, id string) (*gateway.Charge, error) {
	c, ok := f.charges[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return c, nil
}

func (f *fakeGateway) MarkPaid(_ context.Context, id, txHash, payer string) (*gateway.Charge, error) {
	f.markedPaid = id
	f.markedTx = txHash
	f.markedPayer = payer
	c, ok := f.charges[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	paid := *c
	paid.Status = gateway.StatusPaid
	return &paid, nil
}

func newTestServer(t *testing.T, chain *fakeChain, state *fakeState, gw *fakeGateway) (*Server, *wallet.Wallet) {
	t.Helper()

	w, err := wallet.FromMnemonic(testMnemonic)
	require.NoError(t, err)

	if state == nil {
		state = &fakeState{}
	}
	logger := zerolog.Nop()
	// Each test gets its own registry so repeated collector registration
	// in one process cannot collide.
	srv := New("127.0.0.1:0", w, chain, state, gw, metrics.New(prometheus.NewRegistry()), &logger)
	return srv, w
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestServersDoNotCollideOnMetricsRegistration(t *testing.T) {
	// Constructing several servers in one process must not trip duplicate
	// collector registration.
	for range 3 {
		srv, _ := newTestServer(t, &fakeChain{}, nil, &fakeGateway{})
		rec := doRequest(t, srv, http.MethodGet, "/api/v1/balance", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestGetAccount(t *testing.T) {
	srv, w := newTestServer(t, &fakeChain{}, nil, &fakeGateway{})

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/account", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp accountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, w.Address().Hex(), resp.Address)
	assert.NotEmpty(t, resp.QRCode)
}

func TestGetBalance(t *testing.T) {
	state := &fakeState{snap: poller.Snapshot{Balance: "12.5", UpdatedAt: time.Now()}}
	srv, _ := newTestServer(t, &fakeChain{}, state, &fakeGateway{})

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "12.5", resp.Balance)
}

func TestGetBalance_EmptySnapshotDefaultsToZero(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChain{}, &fakeState{}, &fakeGateway{})

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "0.0", resp.Balance)
}

func TestListTransactions(t *testing.T) {
	state := &fakeState{snap: poller.Snapshot{
		Transactions: []models.Transaction{
			{TxHash: "0x01", Direction: models.In, Amount: "5.0", Status: "confirmed"},
		},
		UpdatedAt: time.Now(),
	}}
	srv, _ := newTestServer(t, &fakeChain{}, state, &fakeGateway{})

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Transactions []models.Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Transactions, 1)
	assert.Equal(t, "5.0", resp.Transactions[0].Amount)
}

func TestSend(t *testing.T) {
	chain := &fakeChain{}
	srv, _ := newTestServer(t, chain, nil, &fakeGateway{})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/send", sendRequest{
		To:     "0x1111111111111111111111111111111111111111",
		Amount: "5.0",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, common.HexToHash("0xabc1").Hex(), resp.TxHash)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), chain.sentTo)
	assert.Equal(t, big.NewInt(5_000_000), chain.sentAmount)
}

func TestSend_Rejections(t *testing.T) {
	srv, w := newTestServer(t, &fakeChain{}, nil, &fakeGateway{})

	tests := []struct {
		name string
		req  sendRequest
	}{
		{"invalid address", sendRequest{To: "not-an-address", Amount: "1.0"}},
		{"invalid amount", sendRequest{To: "0x1111111111111111111111111111111111111111", Amount: "abc"}},
		{"zero amount", sendRequest{To: "0x1111111111111111111111111111111111111111", Amount: "0"}},
		{"self send", sendRequest{To: w.Address().Hex(), Amount: "1.0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodPost, "/api/v1/send", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSend_ChainFailure(t *testing.T) {
	chain := &fakeChain{sendErr: errors.New("rpc unavailable")}
	srv, _ := newTestServer(t, chain, nil, &fakeGateway{})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/send", sendRequest{
		To:     "0x1111111111111111111111111111111111111111",
		Amount: "1.0",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCreateCharge(t *testing.T) {
	srv, w := newTestServer(t, &fakeChain{}, nil, &fakeGateway{})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/charges", createChargeRequest{Amount: "5.0"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var charge gateway.Charge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &charge))
	assert.Equal(t, "charge-1", charge.ID)
	assert.Equal(t, w.Address().Hex(), charge.Recipient)
	assert.NotEmpty(t, charge.PaymentURI)
	assert.NotEmpty(t, charge.QRCode, "QR rendering filled in when gateway omits it")
}

func TestGetCharge_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChain{}, nil, &fakeGateway{charges: map[string]*gateway.Charge{}})

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/charges/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPay(t *testing.T) {
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")
	raw := big.NewInt(5_000_000)
	uri := gateway.BuildPaymentURI(recipient, raw, "charge-1")

	chain := &fakeChain{}
	gw := &fakeGateway{charges: map[string]*gateway.Charge{
		"charge-1": {ID: "charge-1", Status: gateway.StatusPending, Amount: "5.0"},
	}}
	srv, w := newTestServer(t, chain, nil, gw)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/pay", payRequest{PaymentURI: uri})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp payResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "charge-1", resp.ChargeID)
	assert.Equal(t, "5.0", resp.Amount)
	assert.Equal(t, recipient, chain.sentTo)
	assert.Equal(t, raw, chain.sentAmount)
	assert.Equal(t, "charge-1", gw.markedPaid, "gateway notified after transfer")
	assert.Equal(t, common.HexToHash("0xabc1").Hex(), gw.markedTx)
	assert.Equal(t, w.Address().Hex(), gw.markedPayer)
}

func TestPay_AlreadyPaidCharge(t *testing.T) {
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")
	uri := gateway.BuildPaymentURI(recipient, big.NewInt(5_000_000), "charge-1")

	gw := &fakeGateway{charges: map[string]*gateway.Charge{
		"charge-1": {ID: "charge-1", Status: gateway.StatusPaid},
	}}
	srv, _ := newTestServer(t, &fakeChain{}, nil, gw)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/pay", payRequest{PaymentURI: uri})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPay_InvalidURI(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChain{}, nil, &fakeGateway{})

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/pay", payRequest{PaymentURI: "https://example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPay_OwnCharge(t *testing.T) {
	srv, w := newTestServer(t, &fakeChain{}, nil, &fakeGateway{})

	uri := gateway.BuildPaymentURI(w.Address(), big.NewInt(1_000_000), "")
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/pay", payRequest{PaymentURI: uri})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
