// Package ephemeral implements the Ephemeral Key Manager (component C): it
// hands each payment a fresh, one-time-use signing address so that no two
// outgoing payments from the same hot wallet are linkable on-chain.
package ephemeral

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// State is the lifecycle of one EphemeralKey, per spec §3.
type State string

const (
	StateAllocated State = "allocated"
	StateArmed     State = "armed"
	StateUsed      State = "used"
	StateDestroyed State = "destroyed"
	StateExpired   State = "expired"
)

// Key is the persisted record for one ephemeral signing key. (WalletID,
// PathIndex) is unique — the registry-level counterpart of spec.md's
// "(hot-parent, index) pair at most one EphemeralKey exists" invariant.
type Key struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	IntentID    *uuid.UUID `gorm:"type:uuid;index"`
	WalletID    uuid.UUID `gorm:"type:uuid;index:idx_eph_wallet_index,unique"`
	PathIndex   uint32    `gorm:"index:idx_eph_wallet_index,unique"`
	KeyID       string    `gorm:"size:128;uniqueIndex"`
	PublicKey   []byte    `gorm:"type:bytea;not null"`
	State       State     `gorm:"size:16;index"`
	ExpiresAt   time.Time `gorm:"index"`
	UsedAt      *time.Time
	DestroyedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Key) TableName() string { return "ephemeral_keys" }

// AutoMigrate performs schema migration for the ephemeral key manager.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Key{})
}
