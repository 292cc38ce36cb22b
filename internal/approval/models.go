// Package approval is the Approval Engine (component D), the heart of the
// core: it owns the TransactionIntent state machine, tier policy selection,
// challenge issuance and validation, and the atomic trigger into execution.
package approval

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Tier is the threshold policy bucket an intent falls into, per spec §4.D.1.
type Tier string

const (
	TierLowValue  Tier = "LOW_VALUE"
	TierHighValue Tier = "HIGH_VALUE"
	TierCritical  Tier = "CRITICAL"
)

// Threshold reports how many valid approvals this tier requires. Whether
// those approvals must be challenge-response is reported separately by
// RequiresChallenge.
func (t Tier) Threshold() int {
	switch t {
	case TierCritical:
		return 3
	case TierHighValue, TierLowValue:
		return 2
	default:
		return 2
	}
}

// RequiresChallenge reports whether approvals for this tier must bind to a
// Challenge rather than a bare fallback OTP.
func (t Tier) RequiresChallenge() bool {
	return t != TierLowValue
}

// State is the TransactionIntent lifecycle, per spec §3/§4.D.2.
type State string

const (
	StatePending           State = "pending"
	StateAwaitingApproval  State = "awaiting_approval"
	StateApproved          State = "approved"
	StateExecuting         State = "executing"
	StateSuccess           State = "success"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
)

// WalletClass mirrors keyregistry.WalletClass, duplicated here (rather than
// imported) so this package's tier policy has no compile-time dependency on
// the registry's schema — it only needs to know "cold or not."
type WalletClass string

const (
	WalletClassCold WalletClass = "cold"
	WalletClassHot  WalletClass = "hot"
)

// Intent is the user-facing pending payment.
type Intent struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	PartitionID     uuid.UUID `gorm:"type:uuid;index"`
	WalletID        uuid.UUID `gorm:"type:uuid;index"`
	WalletClass     WalletClass `gorm:"size:16"`
	CreatedByID     string    `gorm:"size:128;index"`
	Destination     string    `gorm:"size:64"`
	AmountMinorUnit int64     `gorm:"not null"`
	Memo            string    `gorm:"size:28"`
	Tier            Tier      `gorm:"size:16"`
	State           State     `gorm:"size:24;index"`
	ValidApprovals  int       `gorm:"not null;default:0"`
	EphemeralKeyID  *uuid.UUID `gorm:"type:uuid"`
	LedgerHash      string    `gorm:"size:128"`
	LedgerSequence  int64
	FailureReason   string    `gorm:"size:256"`
	Deadline        time.Time `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Intent) TableName() string { return "approval_intents" }

// Approval is one approver's endorsement of one intent. (IntentID,
// ApproverID) is unique — spec.md's "at most one valid Approval per
// (intent, approver)" invariant, sharpened by the maker-checker supplement
// (4.D.X) which also forbids the intent's own creator from approving it.
type Approval struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	IntentID     uuid.UUID `gorm:"type:uuid;index:idx_approval_intent_approver,unique"`
	ApproverID   string    `gorm:"size:128;index:idx_approval_intent_approver,unique"`
	Method       string    `gorm:"size:24"`
	Response     string    `gorm:"size:16"`
	ReleaseID    string    `gorm:"size:128"`
	SequenceNo   int       `gorm:"not null"`
	CreatedAt    time.Time
}

func (Approval) TableName() string { return "approval_approvals" }

// Challenge is the OCRA-style binding between an intent and the one-time
// response approvers must produce, per spec §4.D.3.
type Challenge struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	IntentID      uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	DisplayDigest string    `gorm:"size:16"`
	Nonce         []byte    `gorm:"type:bytea"`
	ExpiresAt     time.Time `gorm:"index"`
	CreatedAt     time.Time
}

func (Challenge) TableName() string { return "approval_challenges" }

// Approver is one of the three fixed roles per tenant, holding an
// encrypted-at-rest TOTP seed and a lock-out counter (supplemental entity,
// SPEC_FULL.md §3.X).
type Approver struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	PartitionID        uuid.UUID `gorm:"type:uuid;index"`
	ExternalID         string    `gorm:"size:128;uniqueIndex"`
	Role               string    `gorm:"size:8"` // CEO, CFO, CTO
	EncryptedTOTPSeed  []byte    `gorm:"type:bytea"`
	WebhookURL         string    `gorm:"size:512"`
	WebhookSecret      string    `gorm:"size:128"`
	Active             bool      `gorm:"default:true"`
	ConsecutiveFailures int      `gorm:"default:0"`
	LockedUntil        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Approver) TableName() string { return "approval_approvers" }

// DailyApproverLimit tracks each approver's cumulative approved amount per
// UTC day (supplemental entity, SPEC_FULL.md §3.X), grounded on
// services/payoutd/policy.go's day-bucket accounting generalized from
// per-asset caps to per-approver caps.
type DailyApproverLimit struct {
	ApproverID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	DayBucket       string    `gorm:"size:10;primaryKey"`
	ApprovedMinorUnit int64   `gorm:"not null;default:0"`
	UpdatedAt       time.Time
}

func (DailyApproverLimit) TableName() string { return "approval_daily_limits" }

// AutoMigrate performs schema migration for the approval engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Intent{}, &Approval{}, &Challenge{}, &Approver{}, &DailyApproverLimit{})
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
