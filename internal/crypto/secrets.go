package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrSecretMismatch is returned when a sealed secret fails authentication, because it was
// corrupted, sealed with another key, or sealed for another account.
var ErrSecretMismatch = errors.New("sealed secret does not authenticate")

// Encryptor seals account credentials (passwords and OAuth refresh tokens) at rest with AES-256-GCM.
// The owning account id is bound in as associated data, so a sealed secret copied onto
// another account row will not open.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates a new Encryptor from a base64-encoded 32-byte key.
func NewEncryptor(base64Key string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Seal encrypts secret for accountID. Output layout: [nonce][ciphertext+tag].
func (e *Encryptor) Seal(accountID, secret string) ([]byte, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required to seal a secret")
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return e.aead.Seal(nonce, nonce, []byte(secret), []byte(accountID)), nil
}

// Open decrypts a secret sealed for accountID.
func (e *Encryptor) Open(accountID string, sealed []byte) (string, error) {
	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize+e.aead.Overhead() {
		return "", fmt.Errorf("sealed secret too short: %w", ErrSecretMismatch)
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, []byte(accountID))
	if err != nil {
		return "", ErrSecretMismatch
	}

	return string(plaintext), nil
}
