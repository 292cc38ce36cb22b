package keyregistry

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"custodycore/internal/custodyerr"
	"custodycore/internal/hsmgateway"
)

// Registry is the Key Registry component (B): it owns the GORM-backed view
// of the derivation tree and the wallet bindings above it, delegating every
// actual key operation to a hsmgateway.Gateway.
type Registry struct {
	db  *gorm.DB
	hsm hsmgateway.Gateway
}

// New constructs a Registry. db must already have AutoMigrate applied.
func New(db *gorm.DB, hsm hsmgateway.Gateway) *Registry {
	return &Registry{db: db, hsm: hsm}
}

// CreatePartition provisions a new partition: an HSM master seed plus the
// registry row recording its identity.
func (r *Registry) CreatePartition(ctx context.Context, name string) (Partition, error) {
	id := uuid.New()
	pid := id.String()
	if err := r.hsm.CreatePartition(ctx, pid); err != nil {
		return Partition{}, err
	}
	master, err := masterKeyID(r.hsm, pid)
	if err != nil {
		return Partition{}, err
	}
	p := Partition{ID: id, Name: name, MasterKeyID: string(master)}
	if err := r.db.WithContext(ctx).Create(&p).Error; err != nil {
		return Partition{}, custodyerr.Wrap(custodyerr.KindInputInvalid, "create partition", err)
	}
	return p, nil
}

// masterKeyID asks the gateway for the partition's master key id if it
// exposes one (Fake does, for test convenience); for any other gateway,
// RemoteClient included, it returns the conventional id
// "<partitionID>:master" without contacting the gateway.
func masterKeyID(hsm hsmgateway.Gateway, partitionID string) (hsmgateway.KeyID, error) {
	type masterKeyer interface {
		MasterKeyID(partitionID string) (hsmgateway.KeyID, error)
	}
	if mk, ok := hsm.(masterKeyer); ok {
		return mk.MasterKeyID(partitionID)
	}
	return hsmgateway.KeyID(partitionID + ":master"), nil
}

// ProvisionWallet derives a new cold or hot key directly beneath the
// partition's master key and records both the Key tree node and the Wallet
// binding in a single transaction.
func (r *Registry) ProvisionWallet(ctx context.Context, partitionID uuid.UUID, class WalletClass, pathSuffix, name string) (Wallet, error) {
	var partition Partition
	if err := r.db.WithContext(ctx).First(&partition, "id = ?", partitionID).Error; err != nil {
		return Wallet{}, custodyerr.Wrap(custodyerr.KindInputInvalid, "unknown partition", err)
	}

	derived, err := r.hsm.DeriveKey(ctx, hsmgateway.KeyID(partition.MasterKeyID), pathSuffix, classOf(class))
	if err != nil {
		return Wallet{}, err
	}

	var wallet Wallet
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keyRow := Key{
			ID:                uuid.New(),
			PartitionID:       partitionID,
			Class:             class,
			ParentKeyID:       partition.MasterKeyID,
			PathSuffix:        pathSuffix,
			KeyID:             string(derived.KeyID),
			PublicKey:         []byte(derived.PublicKey),
			DerivationVersion: derived.DerivationVersion,
			Label:             name,
		}
		if err := tx.Create(&keyRow).Error; err != nil {
			return custodyerr.Wrap(custodyerr.KindInputInvalid, "persist key", err)
		}
		wallet = Wallet{
			ID:          uuid.New(),
			PartitionID: partitionID,
			KeyRowID:    keyRow.ID,
			Class:       class,
			Name:        name,
		}
		if err := tx.Create(&wallet).Error; err != nil {
			return custodyerr.Wrap(custodyerr.KindInputInvalid, "persist wallet", err)
		}
		return nil
	})
	if err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

// WalletByID loads a wallet and its underlying key row.
func (r *Registry) WalletByID(ctx context.Context, walletID uuid.UUID) (Wallet, Key, error) {
	var wallet Wallet
	if err := r.db.WithContext(ctx).First(&wallet, "id = ?", walletID).Error; err != nil {
		return Wallet{}, Key{}, custodyerr.Wrap(custodyerr.KindInputInvalid, "unknown wallet", err)
	}
	var key Key
	if err := r.db.WithContext(ctx).First(&key, "id = ?", wallet.KeyRowID).Error; err != nil {
		return Wallet{}, Key{}, custodyerr.Wrap(custodyerr.KindInputInvalid, "unknown key", err)
	}
	return wallet, key, nil
}

// ReserveNextIndex serializes allocation of the next ephemeral key index
// under a hot wallet using a row-level lock, satisfying the spec's
// requirement (§4.C) that index allocation be strictly serialized per hot
// wallet with no gaps from concurrent callers. It opens its own transaction,
// so the reservation commits unconditionally; callers who must guarantee
// "on failure, index is not consumed" (ephemeral.Manager.Allocate) use
// ReserveNextIndexTx instead, inside their own transaction, so a later
// failure rolls the reservation back too.
func (r *Registry) ReserveNextIndex(ctx context.Context, walletID uuid.UUID) (uint32, error) {
	var reserved uint32
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		reserved, err = r.ReserveNextIndexTx(tx, walletID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return reserved, nil
}

// ReserveNextIndexTx performs the same row-locked reservation as
// ReserveNextIndex but against a transaction the caller already owns, so the
// reservation rolls back along with everything else in that transaction if
// a later step (deriving the key at the HSM, persisting the EphemeralKey)
// fails. This is what actually implements spec.md §4.C's "on failure, index
// is not consumed" as a hard guarantee rather than an observable property.
func (r *Registry) ReserveNextIndexTx(tx *gorm.DB, walletID uuid.UUID) (uint32, error) {
	var wallet Wallet
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&wallet, "id = ?", walletID).Error; err != nil {
		return 0, custodyerr.Wrap(custodyerr.KindInputInvalid, "unknown wallet", err)
	}
	reserved := wallet.NextEphIndex
	if err := tx.Model(&wallet).Update("next_eph_index", wallet.NextEphIndex+1).Error; err != nil {
		return 0, custodyerr.Wrap(custodyerr.KindConcurrencyConflict, "reserve index", err)
	}
	return reserved, nil
}

// PreviewNextIndex reports the index ReserveNextIndex would hand out next,
// without reserving it — used by preview-next, which must have no side
// effects.
func (r *Registry) PreviewNextIndex(ctx context.Context, walletID uuid.UUID) (uint32, error) {
	var wallet Wallet
	if err := r.db.WithContext(ctx).First(&wallet, "id = ?", walletID).Error; err != nil {
		return 0, custodyerr.Wrap(custodyerr.KindInputInvalid, "unknown wallet", err)
	}
	return wallet.NextEphIndex, nil
}

// PublicKeyOf returns the ed25519 public key recorded for a Key row.
func PublicKeyOf(k Key) ed25519.PublicKey {
	return ed25519.PublicKey(k.PublicKey)
}

var errNotFound = errors.New("keyregistry: not found")

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", errNotFound, err)
	}
	return err
}
