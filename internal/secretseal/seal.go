// Package secretseal encrypts approver TOTP seeds at rest under a single
// master key, the AES-256-GCM shape pkg/tenant/encryption.go uses for
// per-tenant key material, simplified here to one fixed key (the core has
// no notion of per-tenant CMKs — every partition's approvers are sealed
// under the same operator-supplied master key).
package secretseal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Sealer encrypts and decrypts small secrets (TOTP seeds) under a 32-byte
// master key.
type Sealer struct {
	block cipher.Block
}

// New constructs a Sealer from a 32-byte AES-256 key.
func New(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("secretseal: master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("secretseal: create cipher: %w", err)
	}
	return &Sealer{block: block}, nil
}

// Seal encrypts plaintext, prefixing the ciphertext with its nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := cipher.NewGCM(s.block)
	if err != nil {
		return nil, fmt.Errorf("secretseal: create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secretseal: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data previously produced by Seal.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	gcm, err := cipher.NewGCM(s.block)
	if err != nil {
		return nil, fmt.Errorf("secretseal: create gcm: %w", err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("secretseal: ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("secretseal: decrypt: %w", err)
	}
	return plaintext, nil
}
