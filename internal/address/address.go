// Package address wraps Stellar strkey encoding for the public keys the
// custody core hands out. No private material ever flows through this
// package; it exists purely so callers outside the HSM boundary can carry a
// typed, comparable public address instead of raw bytes.
package address

import (
	"crypto/ed25519"
	"fmt"

	"github.com/stellar/go/strkey"
)

// Account is a Stellar G... address: the strkey encoding of an Ed25519
// public key.
type Account struct {
	raw [ed25519.PublicKeySize]byte
}

// FromPublicKey wraps a 32-byte Ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) (Account, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Account{}, fmt.Errorf("address: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	var acc Account
	copy(acc.raw[:], pub)
	return acc, nil
}

// Parse decodes a Stellar G... strkey address.
func Parse(encoded string) (Account, error) {
	raw, err := strkey.Decode(strkey.VersionByteAccountID, encoded)
	if err != nil {
		return Account{}, fmt.Errorf("address: invalid account address: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return Account{}, fmt.Errorf("address: decoded account key has unexpected length %d", len(raw))
	}
	var acc Account
	copy(acc.raw[:], raw)
	return acc, nil
}

// String renders the G... strkey encoding.
func (a Account) String() string {
	encoded, err := strkey.Encode(strkey.VersionByteAccountID, a.raw[:])
	if err != nil {
		// raw is always exactly 32 bytes by construction; Encode cannot fail.
		panic(fmt.Sprintf("address: encode account: %v", err))
	}
	return encoded
}

// PublicKey returns the underlying Ed25519 public key bytes.
func (a Account) PublicKey() ed25519.PublicKey {
	out := make([]byte, ed25519.PublicKeySize)
	copy(out, a.raw[:])
	return out
}

// IsZero reports whether the account holds no key material.
func (a Account) IsZero() bool {
	var zero [ed25519.PublicKeySize]byte
	return a.raw == zero
}
