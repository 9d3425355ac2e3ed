package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Submission status of a persisted record.
const (
	StatusProcessed        = "processed"
	StatusSubmitted        = "submitted"
	StatusSubmissionFailed = "submission_failed"
)

// Record is a validated, normalized TM2 record. At most one of the value
// slots is populated. Records are immutable once persisted; only the
// submission bookkeeping on the enclosing PersistedRecord changes.
type Record struct {
	PatientIdentifier string   `json:"patient_identifier"`
	GivenName         *string  `json:"given_name,omitempty"`
	FamilyName        *string  `json:"family_name,omitempty"`
	Gender            *string  `json:"gender,omitempty"`
	Birthdate         *string  `json:"birthdate,omitempty"`
	EncounterDatetime *string  `json:"encounter_datetime,omitempty"`
	LocationUUID      *string  `json:"location_uuid,omitempty"`
	ProviderUUID      *string  `json:"provider_uuid,omitempty"`
	TM2Code           string   `json:"tm2_code"`
	ConceptUUID       *string  `json:"openmrs_concept_uuid,omitempty"`
	ValueNumeric      *float64 `json:"value_numeric,omitempty"`
	ValueText         *string  `json:"value_text,omitempty"`
	ValueCoded        *string  `json:"value_coded,omitempty"`
	IdempotencyKey    string   `json:"idempotency_key"`
}

// Value returns the populated value slot rendered as a string, or "" when no
// slot is set. Numeric values use the canonical shortest decimal form.
func (r *Record) Value() string {
	switch {
	case r.ValueNumeric != nil:
		return strconv.FormatFloat(*r.ValueNumeric, 'g', -1, 64)
	case r.ValueText != nil && *r.ValueText != "":
		return *r.ValueText
	case r.ValueCoded != nil && *r.ValueCoded != "":
		return *r.ValueCoded
	}
	return ""
}

// ComputeIdempotencyKey derives the content hash identifying this logical
// record: SHA-256 over the sorted "field:value" pairs joined with "|".
// Identical logical records yield the same key regardless of batch.
func (r *Record) ComputeIdempotencyKey() string {
	encounter := ""
	if r.EncounterDatetime != nil {
		encounter = *r.EncounterDatetime
	}
	return IdempotencyKey(r.PatientIdentifier, encounter, r.TM2Code, r.Value())
}

// IdempotencyKey computes the canonical content hash for the four identifying
// fields. The field names are sorted and each pair is encoded "name:value"
// with a "|" delimiter so adjacent fields cannot collide.
func IdempotencyKey(patientIdentifier, encounterDatetime, tm2Code, value string) string {
	fields := map[string]string{
		"patient_identifier": patientIdentifier,
		"encounter_datetime": encounterDatetime,
		"tm2_code":           tm2Code,
		"value":              value,
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, fmt.Sprintf("%s:%s", name, fields[name]))
	}
	sum := sha256.Sum256([]byte(strings.Join(pairs, "|")))
	return hex.EncodeToString(sum[:])
}

// PersistedRecord maps to the tm2_record table. Owned by the store: created
// by ingestion upserts, mutated only through submission status updates, and
// deleted only when moved to the dead-letter table.
type PersistedRecord struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	IdempotencyKey     string     `db:"idempotency_key" json:"idempotency_key"`
	Data               Record     `db:"data" json:"data"`
	Status             string     `db:"status" json:"status"`
	BatchID            uuid.UUID  `db:"batch_id" json:"batch_id"`
	SubmissionAttempts int        `db:"submission_attempts" json:"submission_attempts"`
	SubmissionError    *string    `db:"submission_error" json:"submission_error,omitempty"`
	FirstSeenAt        time.Time  `db:"first_seen_at" json:"first_seen_at"`
	SubmittedAt        *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// DeadLetterRecord maps to the tm2_dlq table. Append-only.
type DeadLetterRecord struct {
	ID             uuid.UUID `db:"id" json:"id"`
	OriginalRecord Record    `db:"original_record" json:"original_record"`
	ErrorMessage   string    `db:"error_message" json:"error_message"`
	BatchID        uuid.UUID `db:"batch_id" json:"batch_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// AuditEvent maps to the tm2_audit table. Written once per batch run and
// pruned by the retention job.
type AuditEvent struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	EventType string         `db:"event_type" json:"event_type"`
	Details   map[string]any `db:"details" json:"details"`
	BatchID   *uuid.UUID     `db:"batch_id" json:"batch_id,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// StoreStats summarises the primary and dead-letter tables for monitoring.
type StoreStats struct {
	TotalRecords      int64 `json:"total_records"`
	ProcessedRecords  int64 `json:"processed_records"`
	SubmittedRecords  int64 `json:"submitted_records"`
	FailedRecords     int64 `json:"failed_records"`
	DeadLetterRecords int64 `json:"dlq_records"`
}
