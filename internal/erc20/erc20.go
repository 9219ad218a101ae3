package erc20

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Deployment constants. The wallet handles exactly one asset on one network.
const (
	// USDCAddress is the native USDC contract on Base mainnet.
	USDCAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"

	// Decimals is USDC's fixed decimal precision.
	Decimals = 6

	// ChainID is the Base mainnet chain id.
	ChainID = 8453
)

const abiJSON = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

var (
	parseABIOnce sync.Once
	parsedABI    abi.ABI

	// TransferTopic is keccak256("Transfer(address,address,uint256)").
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// ABI returns the parsed minimal ERC-20 ABI.
func ABI() abi.ABI {
	parseABIOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(abiJSON))
		if err != nil {
			panic(fmt.Sprintf("erc20: invalid embedded ABI: %v", err))
		}
		parsedABI = parsed
	})
	return parsedABI
}

// Token returns the USDC contract address.
func Token() common.Address {
	return common.HexToAddress(USDCAddress)
}

// PackBalanceOf builds calldata for balanceOf(account).
func PackBalanceOf(account common.Address) ([]byte, error) {
	return ABI().Pack("balanceOf", account)
}

// PackTransfer builds calldata for transfer(to, amount).
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return ABI().Pack("transfer", to, amount)
}

// FormatUnits renders a raw token amount as a decimal string, trimming
// trailing zeros but always keeping at least one fractional digit, so
// 5000000 with 6 decimals becomes "5.0" and 500000 becomes "0.5".
func FormatUnits(raw *big.Int, decimals int) string {
	if raw == nil || raw.Sign() == 0 {
		return "0.0"
	}

	s := new(big.Int).Abs(raw).String()
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}

	whole := s[:len(s)-decimals]
	frac := strings.TrimRight(s[len(s)-decimals:], "0")
	if frac == "" {
		frac = "0"
	}

	sign := ""
	if raw.Sign() < 0 {
		sign = "-"
	}
	return sign + whole + "." + frac
}

// ParseUnits converts a decimal amount string into a raw token amount.
// It rejects negative amounts and fractions finer than the asset precision.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("amount must be positive")
	}

	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", amount, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	raw, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	return raw, nil
}
