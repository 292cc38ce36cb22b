// Package keyregistry is the GORM-backed Key Registry (component B). It
// records the shape of the derivation tree — which keys exist, their class,
// their parent, and their public material — without ever touching private
// key bytes; those live only behind internal/hsmgateway.
package keyregistry

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"custodycore/internal/hsmgateway"
)

// Partition is the top-level tenant boundary: one master seed, one set of
// approvers, one set of wallets.
type Partition struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name       string    `gorm:"size:128;uniqueIndex"`
	MasterKeyID string   `gorm:"size:128;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WalletClass mirrors hsmgateway.Class for the subset of classes that
// correspond to addressable wallets (cold and hot are wallets; master is
// partition-scoped and ephemeral keys are recorded in internal/ephemeral).
type WalletClass string

const (
	WalletClassCold WalletClass = "cold"
	WalletClassHot  WalletClass = "hot"
)

// Key records one node of the derivation tree: a cold/hot key derived
// directly beneath the partition's master key. The master key itself has no
// Key row; its id is kept in Partition.MasterKeyID. PathSuffix is the path
// component used for DeriveKey/PreviewPublicKey relative to ParentKeyID;
// KeyID and PublicKey are the HSM's answer, never reconstructed locally.
// (PartitionID, ParentKeyID, PathSuffix) is unique, mirroring the spec's
// requirement that the tree shape forbids two keys occupying the same
// derivation path.
type Key struct {
	ID                uuid.UUID   `gorm:"type:uuid;primaryKey"`
	PartitionID       uuid.UUID   `gorm:"type:uuid;index:idx_key_tree,unique"`
	Class             WalletClass `gorm:"size:16"`
	ParentKeyID       string      `gorm:"size:128;index:idx_key_tree,unique"`
	PathSuffix        string      `gorm:"size:32;index:idx_key_tree,unique"`
	KeyID             string      `gorm:"size:128;uniqueIndex"`
	PublicKey         []byte      `gorm:"type:bytea;not null"`
	DerivationVersion int         `gorm:"not null"`
	Label             string      `gorm:"size:128"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Wallet binds a Key of class cold or hot to a tier policy, per spec §3:
// "logical binding between a tenant, a Key in class {cold, hot}, and its
// tier policy." A partition may hold several hot wallets (e.g. one per
// operational desk) but conventionally one cold wallet; neither is enforced
// structurally, only the uniqueness of the underlying Key's derivation path.
type Wallet struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	PartitionID  uuid.UUID `gorm:"type:uuid;index"`
	KeyRowID     uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Class        WalletClass `gorm:"size:16;index"`
	Name         string    `gorm:"size:128"`
	NextEphIndex uint32    `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName pins the table name explicitly, matching the teacher's
// convention of leaving pluralisation to GORM's default except where a
// model's table is referenced by raw SQL elsewhere (it isn't here, but the
// explicit name keeps migrations stable across renames of the Go type).
func (Key) TableName() string { return "keyregistry_keys" }

func (Partition) TableName() string { return "keyregistry_partitions" }

func (Wallet) TableName() string { return "keyregistry_wallets" }

// AutoMigrate performs schema migration for the key registry.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Partition{}, &Key{}, &Wallet{})
}

// classOf converts a registry WalletClass to the hsmgateway.Class used when
// talking to the gateway.
func classOf(c WalletClass) hsmgateway.Class {
	switch c {
	case WalletClassCold:
		return hsmgateway.ClassCold
	case WalletClassHot:
		return hsmgateway.ClassHot
	default:
		return hsmgateway.Class(c)
	}
}
