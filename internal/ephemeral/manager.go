package ephemeral

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"custodycore/internal/custodyerr"
	"custodycore/internal/hsmgateway"
	"custodycore/internal/keyregistry"
)

// Preview is the no-side-effect answer to preview-next.
type Preview struct {
	PublicKey ed25519.PublicKey
	PathIndex uint32
}

// Manager is the Ephemeral Key Manager. It never touches private key bytes
// directly; every signing operation is delegated to hsmgateway.Gateway, and
// every persisted fact goes through keyregistry.Registry for index
// reservation and gorm.DB directly for the ephemeral key lifecycle table,
// mirroring the teacher's practice of giving each subsystem its own narrow
// slice of the schema rather than a single do-everything DAO.
type Manager struct {
	db       *gorm.DB
	hsm      hsmgateway.Gateway
	registry *keyregistry.Registry
	ttl      time.Duration
	now      func() time.Time
	metrics  EphemeralMetricsRecorder
}

// EphemeralMetricsRecorder is the narrow interface the manager needs from
// internal/observability.EphemeralMetrics, kept local so this package has no
// import-time dependency on the metrics package.
type EphemeralMetricsRecorder interface {
	RecordAllocated()
	RecordSignAttempt(success bool)
	RecordSwept(expired bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordAllocated()          {}
func (noopMetrics) RecordSignAttempt(bool)    {}
func (noopMetrics) RecordSwept(bool)          {}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics wires a metrics recorder.
func WithMetrics(rec EphemeralMetricsRecorder) Option {
	return func(m *Manager) { m.metrics = rec }
}

// WithTTL overrides the default 1-hour ephemeral key lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// New constructs a Manager. db must already have AutoMigrate applied.
func New(db *gorm.DB, hsm hsmgateway.Gateway, registry *keyregistry.Registry, opts ...Option) *Manager {
	m := &Manager{
		db:       db,
		hsm:      hsm,
		registry: registry,
		ttl:      time.Hour,
		now:      time.Now,
		metrics:  noopMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func pathSuffix(index uint32) string {
	return fmt.Sprintf("%d'", index)
}

// PreviewNext implements preview-next: it reports the address the next
// allocation would produce, with no state change.
func (m *Manager) PreviewNext(ctx context.Context, wallet keyregistry.Wallet, walletKey keyregistry.Key) (Preview, error) {
	index, err := m.registry.PreviewNextIndex(ctx, wallet.ID)
	if err != nil {
		return Preview{}, err
	}
	pub, err := m.hsm.PreviewPublicKey(ctx, hsmgateway.KeyID(walletKey.KeyID), pathSuffix(index))
	if err != nil {
		return Preview{}, err
	}
	return Preview{PublicKey: pub, PathIndex: index}, nil
}

// Allocate implements allocate(intent, hot-wallet): it serializes index
// reservation per hot wallet, derives the key at the HSM, and persists the
// EphemeralKey record in state allocated, all inside one transaction. If
// DeriveKey or the insert fails, the transaction rolls back and the
// reservation never commits — the index is genuinely not consumed, per
// spec.md's "on failure, index is not consumed", rather than merely never
// referenced by a persisted key.
func (m *Manager) Allocate(ctx context.Context, intentID uuid.UUID, wallet keyregistry.Wallet, walletKey keyregistry.Key) (Key, error) {
	var rec Key
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		index, err := m.registry.ReserveNextIndexTx(tx, wallet.ID)
		if err != nil {
			return err
		}
		derived, err := m.hsm.DeriveKey(ctx, hsmgateway.KeyID(walletKey.KeyID), pathSuffix(index), hsmgateway.ClassEphemeral)
		if err != nil {
			return err
		}
		now := m.now()
		rec = Key{
			ID:        uuid.New(),
			IntentID:  &intentID,
			WalletID:  wallet.ID,
			PathIndex: index,
			KeyID:     string(derived.KeyID),
			PublicKey: []byte(derived.PublicKey),
			State:     StateAllocated,
			ExpiresAt: now.Add(m.ttl),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return custodyerr.Wrap(custodyerr.KindInputInvalid, "persist ephemeral key", err)
		}
		return nil
	})
	if err != nil {
		return Key{}, err
	}
	m.metrics.RecordAllocated()
	return rec, nil
}

// Arm transitions allocated -> armed once the approval engine has a
// release-id ready to spend. Folded into SignForIntent by default callers,
// but exposed separately per spec.md's explicit "(In the simplest
// implementation arm is folded into sign-for-intent.)" allowance.
func (m *Manager) Arm(ctx context.Context, ephemeralID uuid.UUID) error {
	res := m.db.WithContext(ctx).
		Model(&Key{}).
		Where("id = ? AND state = ?", ephemeralID, StateAllocated).
		Update("state", StateArmed)
	if res.Error != nil {
		return custodyerr.Wrap(custodyerr.KindInputInvalid, "arm ephemeral key", res.Error)
	}
	if res.RowsAffected == 0 {
		return custodyerr.New(custodyerr.KindConcurrencyConflict, "ephemeral key not allocated")
	}
	return nil
}

// SignForIntent implements sign-for-intent: it is the sole path by which a
// signature is ever produced against an ephemeral key, and it is one-shot —
// a retry against an already-used key always fails, because the underlying
// HSM Sign call enforces one-time-use regardless of what this method does.
func (m *Manager) SignForIntent(ctx context.Context, ephemeralID uuid.UUID, releaseID hsmgateway.ReleaseID, digest [32]byte) (sig [ed25519.SignatureSize]byte, pub ed25519.PublicKey, err error) {
	var rec Key
	if err = m.db.WithContext(ctx).
		Where("id = ? AND state IN ?", ephemeralID, []State{StateAllocated, StateArmed}).
		First(&rec).Error; err != nil {
		m.metrics.RecordSignAttempt(false)
		return sig, nil, custodyerr.New(custodyerr.KindConcurrencyConflict, "ephemeral key not signable")
	}

	sig, signErr := m.hsm.Sign(ctx, releaseID, hsmgateway.KeyID(rec.KeyID), digest)
	if signErr != nil {
		m.metrics.RecordSignAttempt(false)
		return sig, nil, signErr
	}

	now := m.now()
	if err = m.db.WithContext(ctx).
		Model(&Key{}).
		Where("id = ? AND state IN ?", ephemeralID, []State{StateAllocated, StateArmed}).
		Updates(map[string]any{"state": StateUsed, "used_at": now}).Error; err != nil {
		m.metrics.RecordSignAttempt(false)
		return sig, nil, custodyerr.Wrap(custodyerr.KindConcurrencyConflict, "mark ephemeral key used", err)
	}

	if destroyErr := m.hsm.Destroy(ctx, hsmgateway.KeyID(rec.KeyID), "used"); destroyErr != nil {
		m.metrics.RecordSignAttempt(false)
		return sig, nil, destroyErr
	}
	destroyedAt := m.now()
	m.db.WithContext(ctx).
		Model(&Key{}).
		Where("id = ?", ephemeralID).
		Updates(map[string]any{"state": StateDestroyed, "destroyed_at": destroyedAt})

	m.metrics.RecordSignAttempt(true)
	return sig, ed25519.PublicKey(rec.PublicKey), nil
}

// ExpireSweep is the background task: it finds EphemeralKeys past
// expires-at not yet used, destroys their HSM material, and marks them
// expired. It is safe to run concurrently with itself (each row transitions
// at most once thanks to the conditional update) and is intended to be
// invoked periodically by cmd/custodyd's scheduler.
func (m *Manager) ExpireSweep(ctx context.Context) (int, error) {
	now := m.now()
	var candidates []Key
	if err := m.db.WithContext(ctx).
		Where("state IN ? AND expires_at < ?", []State{StateAllocated, StateArmed}, now).
		Find(&candidates).Error; err != nil {
		return 0, custodyerr.Wrap(custodyerr.KindConcurrencyConflict, "scan expired ephemeral keys", err)
	}

	swept := 0
	for _, rec := range candidates {
		res := m.db.WithContext(ctx).
			Model(&Key{}).
			Where("id = ? AND state IN ?", rec.ID, []State{StateAllocated, StateArmed}).
			Update("state", StateExpired)
		if res.Error != nil || res.RowsAffected == 0 {
			continue
		}
		_ = m.hsm.Destroy(ctx, hsmgateway.KeyID(rec.KeyID), "expired")
		swept++
		m.metrics.RecordSwept(true)
	}
	return swept, nil
}
