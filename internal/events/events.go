// Package events defines the audit-event emitter every custody component
// reports through, following the Emitter-interface shape the escrow engine
// uses to decouple business logic from persistence.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Kind names an audit event type. Only non-input-invalid errors and
// significant lifecycle transitions are audited.
type Kind string

const (
	KindPolicyDenied       Kind = "policy_denied"
	KindAuthnFailed        Kind = "authn_failed"
	KindHSMDenied          Kind = "hsm_denied"
	KindIntentTransitioned Kind = "intent_transitioned"
	KindEphemeralSwept     Kind = "ephemeral_swept"
	KindApproverLockedOut  Kind = "approver_locked_out"
)

// Event is a single audit record. Attributes carry non-sensitive context
// only: no TOTP secrets, release-ids, or raw signatures ever belong here.
type Event struct {
	ID         uuid.UUID
	Kind       Kind
	IntentID   string
	ApproverID string
	Reason     string
	OccurredAt time.Time
	Attributes map[string]string
}

// Emitter records audit events. A nil Emitter is never dereferenced by
// callers; use NoopEmitter in tests that don't care about the audit trail.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(context.Context, Event) {}

// CollectingEmitter accumulates events in memory, for tests that assert on
// the audit trail without standing up persistence.
type CollectingEmitter struct {
	Events []Event
}

// Emit implements Emitter.
func (c *CollectingEmitter) Emit(_ context.Context, event Event) {
	c.Events = append(c.Events, event)
}

// MultiEmitter fans one event out to several sinks (e.g. metrics and the
// persisted audit trail) so no single Emitter needs to know about more than
// one concern.
type MultiEmitter struct {
	Emitters []Emitter
}

// Emit implements Emitter.
func (m MultiEmitter) Emit(ctx context.Context, event Event) {
	for _, e := range m.Emitters {
		e.Emit(ctx, event)
	}
}

// AuditEvent is the persisted form of Event: the durable audit trail
// SPEC_FULL.md §3.X commits to, modeled on
// services/otc-gateway/models/models.go's UUID-keyed, explicit-timestamp
// row style. PostgresEmitter is the default sink that writes these rows;
// NoopEmitter/CollectingEmitter are used where tests don't need them.
type AuditEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind       string    `gorm:"size:32;index"`
	IntentID   string    `gorm:"size:64;index"`
	ApproverID string    `gorm:"size:128"`
	Reason     string    `gorm:"size:256"`
	OccurredAt time.Time `gorm:"index"`
}

func (AuditEvent) TableName() string { return "audit_events" }

// AutoMigrate performs schema migration for the persisted audit trail.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&AuditEvent{})
}
