package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const recCols = `id, idempotency_key, data, status, batch_id, submission_attempts,
	submission_error, first_seen_at, submitted_at, created_at, updated_at`

func (r *repoPG) Upsert(ctx context.Context, rec *Record, batchID uuid.UUID) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	// Single atomic statement; duplicate-key races collapse into the
	// conflict branch. xmax = 0 distinguishes a fresh insert from an update
	// of an existing row. A re-ingested record returns to 'processed' but
	// keeps submitted_at, so already-submitted data is not resubmitted.
	var inserted bool
	err = r.pool.QueryRow(ctx, `
		INSERT INTO tm2_record (id, idempotency_key, data, status, batch_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			data = EXCLUDED.data,
			status = EXCLUDED.status,
			batch_id = EXCLUDED.batch_id,
			updated_at = NOW()
		RETURNING (xmax = 0)`,
		uuid.New(), rec.IdempotencyKey, data, StatusProcessed, batchID,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert record: %w", err)
	}
	return inserted, nil
}

func (r *repoPG) GetPending(ctx context.Context, limit int) ([]*PersistedRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recCols+`
		FROM tm2_record
		WHERE status IN ($1, $2) AND submitted_at IS NULL
		ORDER BY updated_at
		LIMIT $3`,
		StatusProcessed, StatusSubmissionFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending records: %w", err)
	}
	defer rows.Close()

	var recs []*PersistedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *repoPG) MarkSubmitted(ctx context.Context, idempotencyKey string, success bool, submissionError string) (int, error) {
	var attempts int
	var err error
	if success {
		err = r.pool.QueryRow(ctx, `
			UPDATE tm2_record
			SET status = $2, submitted_at = NOW(), submission_error = NULL, updated_at = NOW()
			WHERE idempotency_key = $1
			RETURNING submission_attempts`,
			idempotencyKey, StatusSubmitted,
		).Scan(&attempts)
	} else {
		err = r.pool.QueryRow(ctx, `
			UPDATE tm2_record
			SET status = $2, submission_error = $3,
			    submission_attempts = submission_attempts + 1, updated_at = NOW()
			WHERE idempotency_key = $1
			RETURNING submission_attempts`,
			idempotencyKey, StatusSubmissionFailed, submissionError,
		).Scan(&attempts)
	}
	if err != nil {
		return 0, fmt.Errorf("mark submitted: %w", err)
	}
	return attempts, nil
}

func (r *repoPG) MoveToDeadLetter(ctx context.Context, rec *Record, errorMessage string, batchID uuid.UUID) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin dead-letter transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO tm2_dlq (id, original_record, error_message, batch_id)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), data, errorMessage, batchID)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	_, err = tx.Exec(ctx, `DELETE FROM tm2_record WHERE idempotency_key = $1`, rec.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("delete primary record: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *repoPG) LogAuditEvent(ctx context.Context, eventType string, details map[string]any, batchID uuid.UUID) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO tm2_audit (id, event_type, details, batch_id)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), eventType, payload, batchID)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (r *repoPG) ListAuditEvents(ctx context.Context, batchID uuid.UUID, limit int) ([]*AuditEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_type, details, batch_id, created_at
		FROM tm2_audit
		WHERE batch_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var details []byte
		if err := rows.Scan(&ev.ID, &ev.EventType, &details, &ev.BatchID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(details, &ev.Details); err != nil {
			return nil, fmt.Errorf("unmarshal audit details: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (r *repoPG) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tm2_audit WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) ListDeadLetters(ctx context.Context, limit, offset int) ([]*DeadLetterRecord, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tm2_dlq`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead letters: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, original_record, error_message, batch_id, created_at
		FROM tm2_dlq
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var dead []*DeadLetterRecord
	for rows.Next() {
		var d DeadLetterRecord
		var data []byte
		if err := rows.Scan(&d.ID, &data, &d.ErrorMessage, &d.BatchID, &d.CreatedAt); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal(data, &d.OriginalRecord); err != nil {
			return nil, 0, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		dead = append(dead, &d)
	}
	return dead, total, rows.Err()
}

func (r *repoPG) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = $1),
		       COUNT(*) FILTER (WHERE status = $2),
		       COUNT(*) FILTER (WHERE status = $3)
		FROM tm2_record`,
		StatusProcessed, StatusSubmitted, StatusSubmissionFailed,
	).Scan(&stats.TotalRecords, &stats.ProcessedRecords, &stats.SubmittedRecords, &stats.FailedRecords)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}

	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tm2_dlq`).Scan(&stats.DeadLetterRecords); err != nil {
		return nil, fmt.Errorf("count dead letters: %w", err)
	}
	return stats, nil
}

func scanRecord(row pgx.Row) (*PersistedRecord, error) {
	var rec PersistedRecord
	var data []byte
	err := row.Scan(
		&rec.ID, &rec.IdempotencyKey, &data, &rec.Status, &rec.BatchID,
		&rec.SubmissionAttempts, &rec.SubmissionError, &rec.FirstSeenAt,
		&rec.SubmittedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return nil, fmt.Errorf("unmarshal record data: %w", err)
	}
	return &rec, nil
}
