package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// The wallet manages a single account derived at the standard Ethereum
// path m/44'/60'/0'/0/0.
var derivationPath = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 60,
	hdkeychain.HardenedKeyStart + 0,
	0,
	0,
}

// Wallet holds the mnemonic-derived signing key for the single account.
type Wallet struct {
	mnemonic string
	key      *ecdsa.PrivateKey
}

// NewMnemonic generates a fresh 12-word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// FromMnemonic derives the account key from a BIP-39 mnemonic.
func FromMnemonic(mnemonic string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, "")
	node, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}

	for _, step := range derivationPath {
		node, err = node.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
	}

	btcKey, err := node.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}

	return &Wallet{mnemonic: mnemonic, key: btcKey.ToECDSA()}, nil
}

// Address returns the account address.
func (w *Wallet) Address() common.Address {
	return crypto.PubkeyToAddress(w.key.PublicKey)
}

// Key returns the account signing key.
func (w *Wallet) Key() *ecdsa.PrivateKey {
	return w.key
}

// Mnemonic returns the seed phrase backing the account.
func (w *Wallet) Mnemonic() string {
	return w.mnemonic
}
