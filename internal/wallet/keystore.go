package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/scrypt"
)

// keystoreFile is the on-disk form of the encrypted seed phrase, the service
// analog of the browser wallet's local-storage entry.
type keystoreFile struct {
	Address    string `json:"address"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipherText"`
}

const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrKeystoreNotFound is returned by Load when no keystore file exists yet.
var ErrKeystoreNotFound = errors.New("keystore file not found")

// Save encrypts the wallet's mnemonic with the passphrase and writes it to
// path. The file is created with owner-only permissions.
func (w *Wallet) Save(path, passphrase string) error {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newCipher(passphrase, salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(w.mnemonic), nil)

	payload, err := json.MarshalIndent(keystoreFile{
		Address:    w.Address().Hex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		CipherText: base64.StdEncoding.EncodeToString(sealed),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keystore: %w", err)
	}

	return os.WriteFile(path, payload, 0o600)
}

// Load reads the keystore file at path and decrypts the mnemonic with the
// passphrase.
func Load(path, passphrase string) (*Wallet, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeystoreNotFound
		}
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("failed to parse keystore: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(file.CipherText)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	gcm, err := newCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}

	mnemonic, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.New("failed to decrypt keystore: wrong passphrase or corrupt file")
	}

	return FromMnemonic(string(mnemonic))
}

func newCipher(passphrase string, salt []byte) (cipher.AEAD, error) {
	dk, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return cipher.NewGCM(block)
}
