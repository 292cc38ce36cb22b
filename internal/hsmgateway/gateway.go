// Package hsmgateway is the sole boundary through which private key material
// is ever touched. Every operation here matches the HSM Gateway contract:
// create-partition, derive-key, preview-public-key, authorize-release, sign,
// destroy. No caller outside this package, and no implementation other than
// the ones in this package, ever sees a private key byte.
package hsmgateway

import (
	"context"
	"crypto/ed25519"
	"time"

	"custodycore/internal/custodyerr"
)

// Class names the position a key occupies in the derivation tree.
type Class string

const (
	ClassMaster    Class = "master"
	ClassCold      Class = "cold"
	ClassHot       Class = "hot"
	ClassEphemeral Class = "ephemeral"
)

// KeyID opaquely identifies a key known to the HSM. Callers persist this
// value; they never see the bytes it refers to.
type KeyID string

// ReleaseID is a short-lived token returned by AuthorizeRelease, permitting
// exactly one Sign call against the named key.
type ReleaseID string

// DerivedKey is everything DeriveKey/PreviewPublicKey are permitted to
// return: an identifier and a public key, never private material.
type DerivedKey struct {
	KeyID     KeyID
	PublicKey ed25519.PublicKey
	// DerivationVersion pins the KDF version used to produce this key, so a
	// future KDF change can refuse to sign for keys it can no longer
	// reproduce (see Design Notes: "Determinism of derivations").
	DerivationVersion int
}

// Gateway is the HSM contract every caller (the Key Registry, Ephemeral Key
// Manager, and Approval Engine) depends on. Fake and RemoteClient both
// satisfy it.
type Gateway interface {
	// CreatePartition installs a 256-bit master seed for pid. The call
	// carries no caller identity; Fake rejects any repeat call for an
	// existing pid with already-exists.
	CreatePartition(ctx context.Context, partitionID string) error

	// DeriveKey deterministically derives a child key under parentKeyID at
	// pathSuffix and persists its record inside the HSM. Same inputs always
	// yield the same key id and public key.
	DeriveKey(ctx context.Context, parentKeyID KeyID, pathSuffix string, class Class) (DerivedKey, error)

	// PreviewPublicKey performs the same derivation as DeriveKey but persists
	// nothing: no new key record, no authorization, no side effects.
	PreviewPublicKey(ctx context.Context, parentKeyID KeyID, pathSuffix string) (ed25519.PublicKey, error)

	// AuthorizeRelease validates a one-time code against the secret bound to
	// the partition and the requesting approver, then issues a release-id
	// valid for a few minutes.
	AuthorizeRelease(ctx context.Context, partitionID string, keyID KeyID, approverID string, oneTimeCode string, purpose string) (ReleaseID, time.Time, error)

	// Sign produces an Ed25519 signature over digest using the key named by
	// releaseID. For an ephemeral key, a successful sign atomically marks
	// the key one-time-used and rejects any subsequent sign for it.
	Sign(ctx context.Context, releaseID ReleaseID, keyID KeyID, digest [32]byte) ([ed25519.SignatureSize]byte, error)

	// Destroy permanently removes private material for keyID. Idempotent.
	Destroy(ctx context.Context, keyID KeyID, reason string) error

	// IsDestroyed reports whether keyID has already been destroyed or
	// consumed, used by the approval engine's reconciliation path after an
	// HSM or ledger timeout to establish whether a sign actually completed
	// at the HSM before the caller decides an intent's final state.
	IsDestroyed(ctx context.Context, keyID KeyID) (bool, error)
}

// Error reason strings named by the spec, used as custodyerr.Error.Reason
// values so callers can match on them without string-splitting the Kind.
const (
	ReasonAlreadyExists   = "already-exists"
	ReasonCapacity        = "capacity"
	ReasonParentNotFound  = "parent-not-found"
	ReasonPathMalformed   = "path-malformed"
	ReasonInvalidCode     = "invalid-code"
	ReasonUnknownKey      = "unknown-key"
	ReasonCodeReplayed    = "code-replayed"
	ReasonReleaseExpired  = "release-expired"
	ReasonReleaseWrongKey = "release-wrong-key"
	ReasonKeyDestroyed    = "key-destroyed"
	ReasonUnavailable     = "hsm-unavailable"
)

func errInputInvalid(reason string) error { return custodyerr.New(custodyerr.KindInputInvalid, reason) }
func errHSMDenied(reason string) error     { return custodyerr.New(custodyerr.KindHSMDenied, reason) }
func errHSMUnavailable(reason string) error {
	return custodyerr.New(custodyerr.KindHSMUnavailable, reason)
}
func errAuthnFailed(reason string) error { return custodyerr.New(custodyerr.KindAuthnFailed, reason) }
