package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/carlosnetto/ybank.me-wallet/internal/config"
)

// ErrNotFound is returned when the gateway has no charge with the given id.
var ErrNotFound = errors.New("charge not found")

// Client talks to the payment-request JSON API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zerolog.Logger
}

// NewClient creates a gateway client from configuration.
func NewClient(cfg config.GatewayConfig, logger *zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

type createChargeRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type markPaidRequest struct {
	TxHash string `json:"tx_hash"`
	Payer  string `json:"payer,omitempty"`
}

// CreateCharge registers a new payment request for the merchant account.
func (c *Client) CreateCharge(ctx context.Context, recipient, amount string) (*Charge, error) {
	var charge Charge
	err := c.do(ctx, http.MethodPost, "/api/v1/charges", createChargeRequest{
		Recipient: recipient,
		Amount:    amount,
	}, &charge)
	if err != nil {
		return nil, err
	}
	return &charge, nil
}

// GetCharge fetches a charge by id.
func (c *Client) GetCharge(ctx context.Context, id string) (*Charge, error) {
	var charge Charge
	if err := c.do(ctx, http.MethodGet, "/api/v1/charges/"+id, nil, &charge); err != nil {
		return nil, err
	}
	return &charge, nil
}

// MarkPaid reports the settling transaction for a charge, with the paying
// account so the merchant side can attribute the transfer.
func (c *Client) MarkPaid(ctx context.Context, id, txHash, payer string) (*Charge, error) {
	var charge Charge
	err := c.do(ctx, http.MethodPost, "/api/v1/charges/"+id+"/paid", markPaidRequest{TxHash: txHash, Payer: payer}, &charge)
	if err != nil {
		return nil, err
	}
	return &charge, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("Gateway request failed")
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}
