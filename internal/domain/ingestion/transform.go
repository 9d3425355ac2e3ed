package ingestion

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tm2bridge/tm2bridge/internal/domain/record"
)

// ValidationError lists the fields that made a raw record unacceptable.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, ", ")
}

var validGenders = map[string]bool{"M": true, "F": true, "O": true, "U": true}

// Accepted encounter datetime layouts.
var encounterLayouts = []string{time.RFC3339, "2006-01-02T15:04:05"}

// LoadMappings reads the flat {tm2_code: concept_uuid} table. A missing file
// is not fatal: records then carry no concept reference.
func LoadMappings(path string, logger zerolog.Logger) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("path", path).Msg("mapping table not found, proceeding without concept mappings")
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read mapping table %s: %w", path, err)
	}

	var mappings map[string]string
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("parse mapping table %s: %w", path, err)
	}
	logger.Info().Int("mappings", len(mappings)).Msg("mapping table loaded")
	return mappings, nil
}

// Transformer validates raw records and normalizes them into Records. It is
// a pure function of the raw record and the immutable mapping table.
type Transformer struct {
	mappings map[string]string
}

func NewTransformer(mappings map[string]string) *Transformer {
	if mappings == nil {
		mappings = map[string]string{}
	}
	return &Transformer{mappings: mappings}
}

// ValidateAndTransform normalizes one raw record. Returns *ValidationError
// when mandatory fields are missing or malformed.
func (t *Transformer) ValidateAndTransform(raw RawRecord) (*record.Record, error) {
	var bad []string

	rec := &record.Record{
		PatientIdentifier: rawString(raw, "patient_identifier"),
		TM2Code:           rawString(raw, "tm2_code"),
	}
	if rec.PatientIdentifier == "" {
		bad = append(bad, "patient_identifier")
	}
	if rec.TM2Code == "" {
		bad = append(bad, "tm2_code")
	}

	rec.GivenName = optString(raw, "given_name")
	rec.FamilyName = optString(raw, "family_name")
	rec.LocationUUID = optString(raw, "location_uuid")
	rec.ProviderUUID = optString(raw, "provider_uuid")

	if gender := strings.ToUpper(rawString(raw, "gender")); gender != "" {
		if validGenders[gender] {
			rec.Gender = &gender
		} else {
			bad = append(bad, "gender")
		}
	}

	if birthdate := rawString(raw, "birthdate"); birthdate != "" {
		if _, err := time.Parse("2006-01-02", birthdate); err != nil {
			bad = append(bad, "birthdate")
		} else {
			rec.Birthdate = &birthdate
		}
	}

	if enc := rawString(raw, "encounter_datetime"); enc != "" {
		if parseEncounterDatetime(enc) {
			rec.EncounterDatetime = &enc
		} else {
			bad = append(bad, "encounter_datetime")
		}
	}

	numeric, numericErr := rawNumeric(raw, "value_numeric")
	if numericErr {
		bad = append(bad, "value_numeric")
	}

	// Exactly one value slot survives: numeric over text over coded.
	switch {
	case numeric != nil:
		rec.ValueNumeric = numeric
	case rawString(raw, "value_text") != "":
		text := strings.Join(strings.Fields(rawString(raw, "value_text")), " ")
		rec.ValueText = &text
	case rawString(raw, "value_coded") != "":
		coded := rawString(raw, "value_coded")
		rec.ValueCoded = &coded
	}

	if len(bad) > 0 {
		return nil, &ValidationError{Fields: bad}
	}

	// Unmapped codes are valid; the registry falls back to its default
	// concept.
	if concept, ok := t.mappings[rec.TM2Code]; ok {
		rec.ConceptUUID = &concept
	}

	rec.IdempotencyKey = rec.ComputeIdempotencyKey()
	return rec, nil
}

func parseEncounterDatetime(v string) bool {
	for _, layout := range encounterLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}

// rawString renders a raw field as a trimmed string. JSON numbers keep their
// canonical shortest form.
func rawString(raw RawRecord, field string) string {
	v, ok := raw[field]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}

func optString(raw RawRecord, field string) *string {
	if s := rawString(raw, field); s != "" {
		return &s
	}
	return nil
}

// rawNumeric extracts an optional numeric field. The second return reports a
// present but unparseable value.
func rawNumeric(raw RawRecord, field string) (*float64, bool) {
	v, ok := raw[field]
	if !ok || v == nil {
		return nil, false
	}
	switch val := v.(type) {
	case float64:
		return &val, false
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, true
		}
		return &f, false
	default:
		return nil, true
	}
}
