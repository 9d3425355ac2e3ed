package record

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence store for normalized TM2 records. Every
// mutating operation is a single atomic write keyed on the unique
// idempotency index, so concurrent batches cannot corrupt a record.
type Repository interface {
	// Upsert inserts the record or refreshes the existing row sharing its
	// idempotency key. first_seen_at is set only on insert. Returns true
	// only when a new row was created; refreshing an existing logical
	// record succeeds but reports false.
	Upsert(ctx context.Context, rec *Record, batchID uuid.UUID) (bool, error)

	// GetPending returns up to limit records still awaiting successful
	// submission (processed or submission_failed, never submitted).
	GetPending(ctx context.Context, limit int) ([]*PersistedRecord, error)

	// MarkSubmitted transitions the record's status. On success it sets
	// submitted_at; on failure it records the error and increments the
	// attempt counter. Returns the updated attempt count.
	MarkSubmitted(ctx context.Context, idempotencyKey string, success bool, submissionError string) (int, error)

	// MoveToDeadLetter appends a dead-letter row and removes the primary
	// record in one transaction.
	MoveToDeadLetter(ctx context.Context, rec *Record, errorMessage string, batchID uuid.UUID) error

	LogAuditEvent(ctx context.Context, eventType string, details map[string]any, batchID uuid.UUID) error
	ListAuditEvents(ctx context.Context, batchID uuid.UUID, limit int) ([]*AuditEvent, error)
	PruneAudit(ctx context.Context, olderThan time.Time) (int64, error)

	ListDeadLetters(ctx context.Context, limit, offset int) ([]*DeadLetterRecord, int, error)
	Stats(ctx context.Context) (*StoreStats, error)
}
