package hsmgateway

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"custodycore/internal/custodyerr"
	"custodycore/internal/replay"
)

// DerivationVersion pins the KDF this Fake implements. Changing the
// derivation function without bumping this constant would silently produce
// different addresses for the same logical key — refuse to sign in that
// case instead (see Design Notes: "Determinism of derivations").
const DerivationVersion = 1

const releaseTTL = 5 * time.Minute

type partitionState struct {
	rootSeed [32]byte
	active   bool
}

type keyRecord struct {
	id                KeyID
	parentID          KeyID
	partitionID       string
	pathSuffix        string
	class             Class
	seed              [32]byte
	publicKey         ed25519.PublicKey
	derivationVersion int
	ephemeralUsed     bool
	destroyed         bool
}

type releaseRecord struct {
	keyID       KeyID
	partitionID string
	expiresAt   time.Time
	consumed    bool
}

// Fake is the in-process reference HSM implementation required by the
// external-interfaces contract: deterministic derivation via
// HMAC-SHA256(parent-seed, path-suffix) stretched through HKDF, Ed25519
// signing, and honoring every lifecycle invariant (one-time-use,
// destruction) without ever exporting private material.
type Fake struct {
	mu         sync.Mutex
	partitions map[string]*partitionState
	keys       map[KeyID]*keyRecord
	releases   map[ReleaseID]*releaseRecord
	codes      *replay.Set
	nextKeyID  uint64
	now        func() time.Time
	metrics    HSMMetricsRecorder
}

// HSMMetricsRecorder is the subset of internal/observability.HSMMetrics the
// gateway needs, kept as a small interface so tests don't have to stand up
// the Prometheus registry.
type HSMMetricsRecorder interface {
	Observe(operation, outcome string, d time.Duration)
}

type noopHSMMetrics struct{}

func (noopHSMMetrics) Observe(string, string, time.Duration) {}

// FakeOption customises a Fake instance.
type FakeOption func(*Fake)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) FakeOption {
	return func(f *Fake) { f.now = now }
}

// WithMetrics overrides the metrics recorder.
func WithMetrics(m HSMMetricsRecorder) FakeOption {
	return func(f *Fake) { f.metrics = m }
}

// NewFake constructs an empty in-process HSM.
func NewFake(opts ...FakeOption) *Fake {
	f := &Fake{
		partitions: make(map[string]*partitionState),
		keys:       make(map[KeyID]*keyRecord),
		releases:   make(map[ReleaseID]*releaseRecord),
		now:        time.Now,
		metrics:    noopHSMMetrics{},
	}
	f.codes = replay.New(10*time.Minute, func() time.Time { return f.now() })
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fake) observe(operation, outcome string, start time.Time) {
	f.metrics.Observe(operation, outcome, f.now().Sub(start))
}

// CreatePartition implements Gateway.
func (f *Fake) CreatePartition(ctx context.Context, partitionID string) error {
	start := f.now()
	partitionID = strings.TrimSpace(partitionID)
	if partitionID == "" {
		f.observe("create-partition", "error", start)
		return custodyerr.New(custodyerr.KindInputInvalid, "partition id required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.partitions[partitionID]; exists {
		f.observe("create-partition", "error", start)
		return errHSMDenied(ReasonAlreadyExists)
	}
	var seed [32]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		f.observe("create-partition", "error", start)
		return errHSMUnavailable(ReasonUnavailable)
	}
	f.partitions[partitionID] = &partitionState{rootSeed: seed, active: true}

	masterSeed := derive(seed[:], "master")
	keyID := f.allocateKeyID()
	f.keys[keyID] = &keyRecord{
		id:                keyID,
		partitionID:       partitionID,
		pathSuffix:        "m",
		class:             ClassMaster,
		seed:              masterSeed,
		publicKey:         ed25519.NewKeyFromSeed(masterSeed[:]).Public().(ed25519.PublicKey),
		derivationVersion: DerivationVersion,
	}
	f.observe("create-partition", "ok", start)
	return nil
}

// MasterKeyID returns the master key id for a partition, for bootstrap flows
// that need to derive the cold key. Not part of the Gateway interface since
// the spec never names it as an operation, but required to get a partition
// off the ground.
func (f *Fake) MasterKeyID(partitionID string) (KeyID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, rec := range f.keys {
		if rec.partitionID == partitionID && rec.class == ClassMaster {
			return id, nil
		}
	}
	return "", custodyerr.New(custodyerr.KindInputInvalid, "partition has no master key")
}

// DeriveKey implements Gateway.
func (f *Fake) DeriveKey(ctx context.Context, parentKeyID KeyID, pathSuffix string, class Class) (DerivedKey, error) {
	start := f.now()
	pathSuffix = strings.TrimSpace(pathSuffix)
	if pathSuffix == "" || !strings.HasSuffix(pathSuffix, "'") {
		f.observe("derive-key", "error", start)
		return DerivedKey{}, errHSMDenied(ReasonPathMalformed)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	parent, ok := f.keys[parentKeyID]
	if !ok {
		f.observe("derive-key", "error", start)
		return DerivedKey{}, errHSMDenied(ReasonParentNotFound)
	}
	if parent.destroyed {
		f.observe("derive-key", "error", start)
		return DerivedKey{}, errHSMDenied(ReasonKeyDestroyed)
	}

	fullPath := parent.pathSuffix + "/" + pathSuffix
	// Deterministic: the same (parent, pathSuffix) always yields the same
	// derived seed, so re-deriving an existing child returns its existing
	// record instead of minting a duplicate.
	for _, existing := range f.keys {
		if existing.parentID == parentKeyID && existing.pathSuffix == fullPath {
			f.observe("derive-key", "ok", start)
			return DerivedKey{
				KeyID:             existing.id,
				PublicKey:         append(ed25519.PublicKey(nil), existing.publicKey...),
				DerivationVersion: existing.derivationVersion,
			}, nil
		}
	}

	childSeed := derive(parent.seed[:], pathSuffix)
	keyID := f.allocateKeyID()
	rec := &keyRecord{
		id:                keyID,
		parentID:          parentKeyID,
		partitionID:       parent.partitionID,
		pathSuffix:        fullPath,
		class:             class,
		seed:              childSeed,
		publicKey:         ed25519.NewKeyFromSeed(childSeed[:]).Public().(ed25519.PublicKey),
		derivationVersion: DerivationVersion,
	}
	f.keys[keyID] = rec
	f.observe("derive-key", "ok", start)
	return DerivedKey{
		KeyID:             keyID,
		PublicKey:         append(ed25519.PublicKey(nil), rec.publicKey...),
		DerivationVersion: rec.derivationVersion,
	}, nil
}

// PreviewPublicKey implements Gateway. It performs the same derivation as
// DeriveKey but persists nothing.
func (f *Fake) PreviewPublicKey(ctx context.Context, parentKeyID KeyID, pathSuffix string) (ed25519.PublicKey, error) {
	start := f.now()
	pathSuffix = strings.TrimSpace(pathSuffix)
	if pathSuffix == "" || !strings.HasSuffix(pathSuffix, "'") {
		f.observe("preview-public-key", "error", start)
		return nil, errHSMDenied(ReasonPathMalformed)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	parent, ok := f.keys[parentKeyID]
	if !ok {
		f.observe("preview-public-key", "error", start)
		return nil, errHSMDenied(ReasonParentNotFound)
	}
	if parent.destroyed {
		f.observe("preview-public-key", "error", start)
		return nil, errHSMDenied(ReasonKeyDestroyed)
	}
	childSeed := derive(parent.seed[:], pathSuffix)
	pub := ed25519.NewKeyFromSeed(childSeed[:]).Public().(ed25519.PublicKey)
	f.observe("preview-public-key", "ok", start)
	return pub, nil
}

// AuthorizeRelease implements Gateway. The Fake holds no approver secrets:
// it accepts any non-empty code and rejects only a code already used for
// the same partition, approver and purpose within its 10-minute replay
// window.
func (f *Fake) AuthorizeRelease(ctx context.Context, partitionID string, keyID KeyID, approverID string, oneTimeCode string, purpose string) (ReleaseID, time.Time, error) {
	start := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()

	key, ok := f.keys[keyID]
	if !ok {
		f.observe("authorize-release", "error", start)
		return "", time.Time{}, errHSMDenied(ReasonUnknownKey)
	}
	if key.destroyed {
		f.observe("authorize-release", "error", start)
		return "", time.Time{}, errHSMDenied(ReasonKeyDestroyed)
	}
	if key.partitionID != partitionID {
		f.observe("authorize-release", "error", start)
		return "", time.Time{}, errHSMDenied(ReasonUnknownKey)
	}
	if oneTimeCode == "" {
		f.observe("authorize-release", "error", start)
		return "", time.Time{}, errAuthnFailed(ReasonInvalidCode)
	}
	subject := partitionID + "\x00" + approverID + "\x00" + purpose
	if !f.codes.InsertIfAbsent(subject, oneTimeCode) {
		f.observe("authorize-release", "error", start)
		return "", time.Time{}, errAuthnFailed(ReasonCodeReplayed)
	}

	now := f.now()
	expires := now.Add(releaseTTL)
	releaseID := ReleaseID(fmt.Sprintf("rel-%d", f.nextKeyID))
	f.nextKeyID++
	f.releases[releaseID] = &releaseRecord{keyID: keyID, partitionID: partitionID, expiresAt: expires}
	f.observe("authorize-release", "ok", start)
	return releaseID, expires, nil
}

// Sign implements Gateway. For an ephemeral key, a successful sign
// atomically marks it one-time-used and any subsequent sign for the same
// key id fails.
func (f *Fake) Sign(ctx context.Context, releaseID ReleaseID, keyID KeyID, digest [32]byte) ([ed25519.SignatureSize]byte, error) {
	start := f.now()
	var out [ed25519.SignatureSize]byte
	f.mu.Lock()
	defer f.mu.Unlock()

	release, ok := f.releases[releaseID]
	if !ok || release.consumed {
		f.observe("sign", "error", start)
		return out, errHSMDenied(ReasonReleaseExpired)
	}
	if f.now().After(release.expiresAt) {
		delete(f.releases, releaseID)
		f.observe("sign", "error", start)
		return out, errHSMDenied(ReasonReleaseExpired)
	}
	if release.keyID != keyID {
		f.observe("sign", "error", start)
		return out, errHSMDenied(ReasonReleaseWrongKey)
	}

	key, ok := f.keys[keyID]
	if !ok || key.destroyed {
		f.observe("sign", "error", start)
		return out, errHSMDenied(ReasonKeyDestroyed)
	}
	if key.class == ClassEphemeral && key.ephemeralUsed {
		f.observe("sign", "error", start)
		return out, errHSMDenied(ReasonKeyDestroyed)
	}
	if key.derivationVersion != DerivationVersion {
		f.observe("sign", "error", start)
		return out, errHSMDenied("derivation-version-mismatch")
	}

	priv := ed25519.NewKeyFromSeed(key.seed[:])
	sig := ed25519.Sign(priv, digest[:])
	copy(out[:], sig)

	release.consumed = true
	if key.class == ClassEphemeral {
		key.ephemeralUsed = true
	}
	f.observe("sign", "ok", start)
	return out, nil
}

// Destroy implements Gateway. Idempotent.
func (f *Fake) Destroy(ctx context.Context, keyID KeyID, reason string) error {
	start := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[keyID]
	if !ok {
		f.observe("destroy", "ok", start)
		return nil
	}
	if key.destroyed {
		f.observe("destroy", "ok", start)
		return nil
	}
	key.destroyed = true
	key.seed = [32]byte{}
	f.observe("destroy", "ok", start)
	return nil
}

// IsDestroyed implements Gateway, reporting whether keyID has been
// destroyed or, for an ephemeral key, consumed by a successful sign, for
// reconciliation paths that need to check HSM key state without a full
// sign/destroy round trip. An unknown key id also reports true.
func (f *Fake) IsDestroyed(ctx context.Context, keyID KeyID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[keyID]
	return !ok || key.destroyed || key.ephemeralUsed, nil
}

func (f *Fake) allocateKeyID() KeyID {
	f.nextKeyID++
	return KeyID(fmt.Sprintf("key-%d", f.nextKeyID))
}

// derive implements the canonical KDF: HMAC-SHA256(parentSeed, pathSuffix)
// stretched through HKDF-SHA256 into a 32-byte Ed25519 seed.
func derive(parentSeed []byte, pathSuffix string) [32]byte {
	mac := hmac.New(sha256.New, parentSeed)
	mac.Write([]byte(pathSuffix))
	ikm := mac.Sum(nil)

	reader := hkdf.New(sha256.New, ikm, nil, []byte("custodycore/ed25519-seed/v1"))
	var seed [32]byte
	if _, err := io.ReadFull(reader, seed[:]); err != nil {
		panic(fmt.Sprintf("hsmgateway: hkdf derive: %v", err))
	}
	return seed
}

// constantTimeEqual compares a and b in constant time. It is unexported
// and not called by either implementation.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

var _ Gateway = (*Fake)(nil)
