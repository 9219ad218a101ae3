package gateway

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/skip2/go-qrcode"

	"github.com/carlosnetto/ybank.me-wallet/internal/erc20"
)

// Charge is a point-of-sale payment request. The merchant creates one, shows
// its QR payload, and the customer pays it with a token transfer.
type Charge struct {
	ID         string    `json:"id"`
	Recipient  string    `json:"recipient"`
	Amount     string    `json:"amount"`
	Status     string    `json:"status"`
	PaymentURI string    `json:"payment_uri"`
	QRCode     string    `json:"qr_code,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Charge statuses.
const (
	StatusPending = "pending"
	StatusPaid    = "paid"
)

// PaymentRequest is the decoded form of a scanned charge payload.
type PaymentRequest struct {
	Token     common.Address
	ChainID   int64
	Recipient common.Address
	Amount    *big.Int
	ChargeID  string
}

// BuildPaymentURI renders a charge as an EIP-681 token-transfer URI, with the
// charge id carried as an extra parameter so the payer can report back.
// Format: ethereum:<token>@<chain>/transfer?address=<recipient>&uint256=<raw>&id=<charge>
func BuildPaymentURI(recipient common.Address, raw *big.Int, chargeID string) string {
	params := url.Values{}
	params.Set("address", recipient.Hex())
	params.Set("uint256", raw.String())
	if chargeID != "" {
		params.Set("id", chargeID)
	}
	return fmt.Sprintf("ethereum:%s@%d/transfer?%s", erc20.USDCAddress, erc20.ChainID, params.Encode())
}

// ParsePaymentURI decodes a scanned payment URI and rejects payloads for the
// wrong token or network.
func ParsePaymentURI(uri string) (*PaymentRequest, error) {
	rest, ok := strings.CutPrefix(uri, "ethereum:")
	if !ok {
		return nil, fmt.Errorf("unsupported payment URI scheme")
	}

	target, query, _ := strings.Cut(rest, "?")
	target, ok = strings.CutSuffix(target, "/transfer")
	if !ok {
		return nil, fmt.Errorf("payment URI is not a token transfer")
	}

	tokenPart, chainPart, hasChain := strings.Cut(target, "@")
	if !common.IsHexAddress(tokenPart) {
		return nil, fmt.Errorf("invalid token address in payment URI")
	}
	token := common.HexToAddress(tokenPart)
	if token != erc20.Token() {
		return nil, fmt.Errorf("payment URI is for an unsupported token")
	}

	chainID := int64(erc20.ChainID)
	if hasChain {
		parsed, err := strconv.ParseInt(chainPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id in payment URI: %w", err)
		}
		chainID = parsed
	}
	if chainID != erc20.ChainID {
		return nil, fmt.Errorf("payment URI is for chain %d, expected %d", chainID, erc20.ChainID)
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("invalid payment URI query: %w", err)
	}

	recipientStr := params.Get("address")
	if !common.IsHexAddress(recipientStr) {
		return nil, fmt.Errorf("invalid recipient address in payment URI")
	}

	amount, ok := new(big.Int).SetString(params.Get("uint256"), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount in payment URI")
	}

	return &PaymentRequest{
		Token:     token,
		ChainID:   chainID,
		Recipient: common.HexToAddress(recipientStr),
		Amount:    amount,
		ChargeID:  params.Get("id"),
	}, nil
}

// QRCodePNG renders data as a base64-encoded QR PNG for display.
func QRCodePNG(data string) (string, error) {
	png, err := qrcode.Encode(data, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("failed to generate QR code: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
