package validation

import (
	"errors"
	"regexp"
)

var (
	addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	txHashRegex  = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	amountRegex  = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
)

// ValidateAddress validates an EVM address format.
func ValidateAddress(address string) error {
	if address == "" {
		return errors.New("address cannot be empty")
	}
	if !addressRegex.MatchString(address) {
		return errors.New("invalid address format")
	}
	return nil
}

// ValidateTxHash validates a transaction hash format.
func ValidateTxHash(txHash string) error {
	if txHash == "" {
		return errors.New("transaction hash cannot be empty")
	}
	if !txHashRegex.MatchString(txHash) {
		return errors.New("invalid transaction hash format")
	}
	return nil
}

// ValidateAmount validates a decimal amount string. Precision limits are
// enforced separately when the amount is parsed into raw units.
func ValidateAmount(amount string) error {
	if amount == "" {
		return errors.New("amount cannot be empty")
	}
	if !amountRegex.MatchString(amount) {
		return errors.New("amount must be a positive decimal number")
	}
	return nil
}
