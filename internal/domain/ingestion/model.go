// Package ingestion implements the TM2 pipeline: reading dataset files,
// validating and normalizing records, persisting them, and submitting
// pending records to the OpenMRS registry.
package ingestion

// RawRecord is one unvalidated record as read from a dataset file. CSV
// sources yield string values; JSON sources yield whatever the document
// carried.
type RawRecord map[string]any

// IngestStats summarizes one ingestion batch.
type IngestStats struct {
	TotalRead int      `json:"total_read"`
	Valid     int      `json:"valid"`
	Invalid   int      `json:"invalid"`
	Persisted int      `json:"persisted"`
	Errors    []string `json:"errors,omitempty"`
}

// SubmitStats summarizes one submission batch.
type SubmitStats struct {
	Attempted    int      `json:"attempted"`
	Successful   int      `json:"successful"`
	Failed       int      `json:"failed"`
	DeadLettered int      `json:"dead_lettered"`
	Errors       []string `json:"errors,omitempty"`
}
