package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PostgresEmitter is the default Emitter sink named in SPEC_FULL.md §3.X: it
// durably records every event as an AuditEvent row. Emit has no error
// return, so a persistence failure is logged rather than propagated — an
// audit write must never block or fail the business operation it describes.
type PostgresEmitter struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewPostgresEmitter constructs a PostgresEmitter. db must already have
// AutoMigrate applied for this package.
func NewPostgresEmitter(db *gorm.DB, logger *slog.Logger) *PostgresEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresEmitter{db: db, logger: logger}
}

// Emit implements Emitter.
func (p *PostgresEmitter) Emit(ctx context.Context, event Event) {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	row := AuditEvent{
		ID:         uuid.New(),
		Kind:       string(event.Kind),
		IntentID:   event.IntentID,
		ApproverID: event.ApproverID,
		Reason:     event.Reason,
		OccurredAt: occurredAt,
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		p.logger.ErrorContext(ctx, "persist audit event failed", "error", err, "kind", string(event.Kind))
	}
}
