package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosnetto/ybank.me-wallet/internal/gateway"
	"github.com/carlosnetto/ybank.me-wallet/internal/models"
	"github.com/carlosnetto/ybank.me-wallet/internal/store"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	mu        sync.Mutex
	charges   map[string]store.ChargeRecord
	transfers map[string][]models.Transaction
	settings  map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		charges:   make(map[string]store.ChargeRecord),
		transfers: make(map[string][]models.Transaction),
		settings:  make(map[string]string),
	}
}

func (m *memStore) CreateCharge(_ context.Context, rec store.ChargeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges[rec.ID] = rec
	return nil
}

func (m *memStore) GetCharge(_ context.Context, id string) (*store.ChargeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.charges[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (m *memStore) MarkChargePaid(_ context.Context, id, txHash string) (*store.ChargeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.charges[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if rec.Status != gateway.StatusPending {
		return nil, store.ErrChargeNotPayable
	}
	rec.Status = gateway.StatusPaid
	rec.TxHash.String = txHash
	rec.TxHash.Valid = true
	m.charges[id] = rec
	return &rec, nil
}

func (m *memStore) SaveTransfer(_ context.Context, account string, tx models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[account] = append(m.transfers[account], tx)
	return nil
}

func (m *memStore) ListTransfers(_ context.Context, account string, _ int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers[account], nil
}

func (m *memStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *memStore) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.settings[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return value, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	db := newMemStore()
	logger := zerolog.Nop()
	srv := httptest.NewServer(NewRouter(db, &logger))
	t.Cleanup(srv.Close)
	return srv, db
}

func TestNotificationEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/notify?to=0xAbc&amount=5.0")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ybank.me: payment of 5.0 USDC to 0xAbc confirmed", string(body))
}

func TestChargeFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	// Merchant creates a charge.
	resp, err := http.Post(srv.URL+"/api/v1/charges", "application/json",
		strings.NewReader(`{"recipient":"0x95222290DD7278Aa3Ddd389Cc1E1d165CC4BAfe5","amount":"5.0"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var charge gateway.Charge
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&charge))
	assert.Equal(t, gateway.StatusPending, charge.Status)
	assert.Equal(t, "5.0", charge.Amount)
	assert.NotEmpty(t, charge.QRCode)
	assert.Contains(t, charge.PaymentURI, "ethereum:")
	assert.Contains(t, charge.PaymentURI, charge.ID)

	// Anyone can fetch it.
	resp2, err := http.Get(srv.URL + "/api/v1/charges/" + charge.ID)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	// Customer reports the settling transaction.
	resp3, err := http.Post(srv.URL+"/api/v1/charges/"+charge.ID+"/paid", "application/json",
		strings.NewReader(`{"tx_hash":"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef","payer":"0x1111111111111111111111111111111111111111"}`))
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode)

	var paid gateway.Charge
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&paid))
	assert.Equal(t, gateway.StatusPaid, paid.Status)

	// The settled transfer is cached under the merchant account.
	resp5, err := http.Get(srv.URL + "/api/v1/accounts/" + charge.Recipient + "/transfers")
	require.NoError(t, err)
	defer resp5.Body.Close()
	require.Equal(t, http.StatusOK, resp5.StatusCode)

	var listing struct {
		Transfers []models.Transaction `json:"transfers"`
	}
	require.NoError(t, json.NewDecoder(resp5.Body).Decode(&listing))
	require.Len(t, listing.Transfers, 1)
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", listing.Transfers[0].TxHash)
	assert.Equal(t, models.In, listing.Transfers[0].Direction)
	assert.Equal(t, "5.0", listing.Transfers[0].Amount)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", listing.Transfers[0].Counterparty)

	// Double payment is rejected.
	resp4, err := http.Post(srv.URL+"/api/v1/charges/"+charge.ID+"/paid", "application/json",
		strings.NewReader(`{"tx_hash":"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"}`))
	require.NoError(t, err)
	defer resp4.Body.Close()
	assert.Equal(t, http.StatusConflict, resp4.StatusCode)
}

func TestCreateCharge_Invalid(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", `{"recipient":`},
		{"bad address", `{"recipient":"nope","amount":"5.0"}`},
		{"bad amount", `{"recipient":"0x95222290DD7278Aa3Ddd389Cc1E1d165CC4BAfe5","amount":"-5"}`},
		{"zero amount", `{"recipient":"0x95222290DD7278Aa3Ddd389Cc1E1d165CC4BAfe5","amount":"0"}`},
		{"too precise", `{"recipient":"0x95222290DD7278Aa3Ddd389Cc1E1d165CC4BAfe5","amount":"0.00000001"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/charges", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestGetCharge_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/charges/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTransfers_BadAddress(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/accounts/not-an-address/transfers")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListTransfers_EmptyAccount(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/accounts/0x95222290DD7278Aa3Ddd389Cc1E1d165CC4BAfe5/transfers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"transfers":[]}`, string(body))
}

func TestNotificationTemplateOverride(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/settings/notification_template",
		strings.NewReader(`{"value":"received {amount} USDC ({to})"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/notify?to=0xAbc&amount=5.0")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, "received 5.0 USDC (0xAbc)", string(body))
}

func TestSettings(t *testing.T) {
	srv, _ := newTestServer(t)

	// Unknown key.
	resp, err := http.Get(srv.URL + "/api/v1/settings/theme")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Upsert, then read back.
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/settings/theme",
		strings.NewReader(`{"value":"dark"}`))
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(srv.URL + "/api/v1/settings/theme")
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode)

	var setting settingResponse
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&setting))
	assert.Equal(t, "dark", setting.Value)
}
