package ingestion

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tm2bridge/tm2bridge/internal/domain/record"
)

// maxSubmissionAttempts bounds per-record retries; a failure pushing the
// persisted counter past this moves the record to the dead-letter queue.
const maxSubmissionAttempts = 3

// Submitter pushes one normalized record to the downstream registry.
type Submitter interface {
	SubmitRecord(ctx context.Context, rec *record.Record, patientUUID string) error
}

// Options carries the pipeline defaults taken from configuration.
type Options struct {
	DefaultFormat   string
	DataPath        string
	SubmitBatchSize int
}

// Service orchestrates the two pipeline stages. Both stages are restartable:
// ingestion converges through keyed upserts and submission through the
// persisted status machine.
type Service struct {
	repo   record.Repository
	client Submitter
	tf     *Transformer
	opts   Options
	logger zerolog.Logger
}

func NewService(repo record.Repository, client Submitter, tf *Transformer, opts Options, logger zerolog.Logger) *Service {
	if opts.DefaultFormat == "" {
		opts.DefaultFormat = "csv"
	}
	if opts.SubmitBatchSize <= 0 {
		opts.SubmitBatchSize = 100
	}
	return &Service{repo: repo, client: client, tf: tf, opts: opts, logger: logger}
}

// DataPath returns the configured default dataset path.
func (s *Service) DataPath() string { return s.opts.DataPath }

// SubmitBatchSize returns the configured default submission batch size.
func (s *Service) SubmitBatchSize() int { return s.opts.SubmitBatchSize }

// IngestFromFile reads, validates, and persists every record in the dataset
// file. Invalid records are counted and skipped; the batch continues. An
// audit event is written even when the run fails partway.
func (s *Service) IngestFromFile(ctx context.Context, path string, batchID uuid.UUID) (*IngestStats, error) {
	stats := &IngestStats{}
	logger := s.logger.With().Stringer("batch_id", batchID).Str("file", path).Logger()

	readErr := ReadFile(path, s.opts.DefaultFormat, func(raw RawRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.TotalRead++

		rec, err := s.tf.ValidateAndTransform(raw)
		if err != nil {
			stats.Invalid++
			stats.Errors = append(stats.Errors, fmt.Sprintf("record %d: %v", stats.TotalRead, err))
			logger.Warn().Int("record", stats.TotalRead).Err(err).Msg("record rejected")
			return nil
		}
		stats.Valid++

		inserted, err := s.repo.Upsert(ctx, rec, batchID)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("record %d: persist: %v", stats.TotalRead, err))
			logger.Error().Str("idempotency_key", rec.IdempotencyKey).Err(err).Msg("persist failed")
			return nil
		}
		stats.Persisted++
		if !inserted {
			logger.Debug().Str("idempotency_key", rec.IdempotencyKey).Msg("duplicate record refreshed")
		}
		return nil
	})

	details := map[string]any{
		"file":       path,
		"total_read": stats.TotalRead,
		"valid":      stats.Valid,
		"invalid":    stats.Invalid,
		"persisted":  stats.Persisted,
	}
	if readErr != nil {
		details["error"] = readErr.Error()
	}
	if err := s.repo.LogAuditEvent(ctx, "ingestion_completed", details, batchID); err != nil {
		logger.Error().Err(err).Msg("audit write failed")
	}

	if readErr != nil {
		return stats, readErr
	}
	logger.Info().
		Int("total_read", stats.TotalRead).
		Int("valid", stats.Valid).
		Int("invalid", stats.Invalid).
		Int("persisted", stats.Persisted).
		Msg("ingestion completed")
	return stats, nil
}

// SubmitPending submits up to limit pending records. Each record is handled
// independently: a failure marks it submission_failed, and once its attempt
// counter passes the retry bound it is moved to the dead-letter queue with
// the last error.
func (s *Service) SubmitPending(ctx context.Context, limit int, batchID uuid.UUID) (*SubmitStats, error) {
	if limit <= 0 {
		limit = s.opts.SubmitBatchSize
	}
	stats := &SubmitStats{}
	logger := s.logger.With().Stringer("batch_id", batchID).Logger()

	pending, err := s.repo.GetPending(ctx, limit)
	if err != nil {
		return stats, fmt.Errorf("load pending records: %w", err)
	}

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Attempted++

		submitErr := s.client.SubmitRecord(ctx, &p.Data, "")
		if submitErr == nil {
			if _, err := s.repo.MarkSubmitted(ctx, p.IdempotencyKey, true, ""); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("%s: mark submitted: %v", p.IdempotencyKey, err))
				logger.Error().Str("idempotency_key", p.IdempotencyKey).Err(err).Msg("status update failed")
				continue
			}
			stats.Successful++
			continue
		}

		stats.Failed++
		stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", p.IdempotencyKey, submitErr))
		logger.Warn().Str("idempotency_key", p.IdempotencyKey).Err(submitErr).Msg("submission failed")

		attempts, err := s.repo.MarkSubmitted(ctx, p.IdempotencyKey, false, submitErr.Error())
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: mark failed: %v", p.IdempotencyKey, err))
			logger.Error().Str("idempotency_key", p.IdempotencyKey).Err(err).Msg("status update failed")
			continue
		}

		if attempts > maxSubmissionAttempts {
			if err := s.repo.MoveToDeadLetter(ctx, &p.Data, submitErr.Error(), batchID); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("%s: dead-letter: %v", p.IdempotencyKey, err))
				logger.Error().Str("idempotency_key", p.IdempotencyKey).Err(err).Msg("dead-letter move failed")
				continue
			}
			stats.DeadLettered++
			logger.Warn().
				Str("idempotency_key", p.IdempotencyKey).
				Int("attempts", attempts).
				Msg("record moved to dead-letter queue")
		}
	}

	details := map[string]any{
		"attempted":     stats.Attempted,
		"successful":    stats.Successful,
		"failed":        stats.Failed,
		"dead_lettered": stats.DeadLettered,
	}
	if err := s.repo.LogAuditEvent(ctx, "submission_completed", details, batchID); err != nil {
		logger.Error().Err(err).Msg("audit write failed")
	}

	logger.Info().
		Int("attempted", stats.Attempted).
		Int("successful", stats.Successful).
		Int("failed", stats.Failed).
		Int("dead_lettered", stats.DeadLettered).
		Msg("submission completed")
	return stats, nil
}
