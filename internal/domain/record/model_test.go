package record

import (
	"testing"
)

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func TestIdempotencyKey_Deterministic(t *testing.T) {
	k1 := IdempotencyKey("123", "2023-01-01T12:00:00Z", "test_code", "42")
	k2 := IdempotencyKey("123", "2023-01-01T12:00:00Z", "test_code", "42")
	if k1 != k2 {
		t.Errorf("expected identical keys, got %s and %s", k1, k2)
	}
	if len(k1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(k1))
	}
}

func TestIdempotencyKey_DistinguishesFields(t *testing.T) {
	base := IdempotencyKey("123", "2023-01-01T12:00:00Z", "test_code", "42")
	cases := map[string]string{
		"patient":   IdempotencyKey("124", "2023-01-01T12:00:00Z", "test_code", "42"),
		"encounter": IdempotencyKey("123", "2023-01-02T12:00:00Z", "test_code", "42"),
		"code":      IdempotencyKey("123", "2023-01-01T12:00:00Z", "other_code", "42"),
		"value":     IdempotencyKey("123", "2023-01-01T12:00:00Z", "test_code", "43"),
	}
	for name, k := range cases {
		if k == base {
			t.Errorf("expected key to change when %s changes", name)
		}
	}
}

func TestIdempotencyKey_FieldBoundaries(t *testing.T) {
	// Shifting a character across a field boundary must change the hash.
	a := IdempotencyKey("1", "", "b", "")
	b := IdempotencyKey("1b", "", "", "")
	if a == b {
		t.Error("expected delimited encoding to prevent boundary collisions")
	}
}

func TestRecordValue_Numeric(t *testing.T) {
	r := &Record{ValueNumeric: floatPtr(42)}
	if got := r.Value(); got != "42" {
		t.Errorf("expected 42, got %s", got)
	}
	r = &Record{ValueNumeric: floatPtr(36.6)}
	if got := r.Value(); got != "36.6" {
		t.Errorf("expected 36.6, got %s", got)
	}
}

func TestRecordValue_Precedence(t *testing.T) {
	r := &Record{
		ValueNumeric: floatPtr(1),
		ValueText:    strPtr("text"),
		ValueCoded:   strPtr("coded"),
	}
	if got := r.Value(); got != "1" {
		t.Errorf("numeric slot should win, got %s", got)
	}

	r = &Record{ValueText: strPtr("text"), ValueCoded: strPtr("coded")}
	if got := r.Value(); got != "text" {
		t.Errorf("text slot should win over coded, got %s", got)
	}

	r = &Record{ValueCoded: strPtr("coded")}
	if got := r.Value(); got != "coded" {
		t.Errorf("expected coded, got %s", got)
	}

	r = &Record{}
	if got := r.Value(); got != "" {
		t.Errorf("expected empty value, got %s", got)
	}
}

func TestComputeIdempotencyKey_MatchesHelper(t *testing.T) {
	enc := "2023-01-01T12:00:00Z"
	r := &Record{
		PatientIdentifier: "123",
		EncounterDatetime: &enc,
		TM2Code:           "test_code",
		ValueNumeric:      floatPtr(42),
	}
	want := IdempotencyKey("123", enc, "test_code", "42")
	if got := r.ComputeIdempotencyKey(); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestComputeIdempotencyKey_NilEncounter(t *testing.T) {
	r := &Record{PatientIdentifier: "123", TM2Code: "c"}
	want := IdempotencyKey("123", "", "c", "")
	if got := r.ComputeIdempotencyKey(); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
