package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tm2bridge/tm2bridge/internal/domain/record"
)

// stubRepo returns canned data for the read-only monitoring queries.
type stubRepo struct {
	stats  *record.StoreStats
	audits []*record.AuditEvent
	dlq    []*record.DeadLetterRecord
}

func (s *stubRepo) Upsert(context.Context, *record.Record, uuid.UUID) (bool, error) {
	return false, nil
}

func (s *stubRepo) GetPending(context.Context, int) ([]*record.PersistedRecord, error) {
	return nil, nil
}

func (s *stubRepo) MarkSubmitted(context.Context, string, bool, string) (int, error) {
	return 0, nil
}

func (s *stubRepo) MoveToDeadLetter(context.Context, *record.Record, string, uuid.UUID) error {
	return nil
}

func (s *stubRepo) LogAuditEvent(context.Context, string, map[string]any, uuid.UUID) error {
	return nil
}

func (s *stubRepo) ListAuditEvents(_ context.Context, batchID uuid.UUID, _ int) ([]*record.AuditEvent, error) {
	var out []*record.AuditEvent
	for _, ev := range s.audits {
		if ev.BatchID != nil && *ev.BatchID == batchID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *stubRepo) PruneAudit(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *stubRepo) ListDeadLetters(_ context.Context, limit, offset int) ([]*record.DeadLetterRecord, int, error) {
	return s.dlq, len(s.dlq), nil
}

func (s *stubRepo) Stats(context.Context) (*record.StoreStats, error) {
	return s.stats, nil
}

func monitoringCtx(t *testing.T, target string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestStatus(t *testing.T) {
	repo := &stubRepo{stats: &record.StoreStats{
		TotalRecords:     10,
		SubmittedRecords: 7,
		FailedRecords:    2,
	}}
	h := NewHandler(repo, nil, Info{ServiceName: "tm2-bridge", Version: "1.0.0", Env: "development"})

	c, rec := monitoringCtx(t, "/api/v1/monitoring/status")
	if err := h.Status(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected response body: %v", err)
	}
	if resp.Service != "tm2-bridge" || resp.Env != "development" {
		t.Errorf("unexpected identity: %+v", resp)
	}
	if resp.Store == nil || resp.Store.TotalRecords != 10 {
		t.Errorf("unexpected store stats: %+v", resp.Store)
	}
	if resp.Uptime == "" {
		t.Error("expected uptime in response")
	}
}

func TestAudit(t *testing.T) {
	batchID := uuid.New()
	repo := &stubRepo{audits: []*record.AuditEvent{
		{ID: uuid.New(), EventType: "ingestion_completed", BatchID: &batchID},
	}}
	h := NewHandler(repo, nil, Info{})

	c, rec := monitoringCtx(t, "/api/v1/monitoring/audit?batch_id="+batchID.String())
	if err := h.Audit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Events []record.AuditEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected response body: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].EventType != "ingestion_completed" {
		t.Errorf("unexpected events: %v", resp.Events)
	}
}

func TestAudit_UnknownBatchEmpty(t *testing.T) {
	h := NewHandler(&stubRepo{}, nil, Info{})

	c, rec := monitoringCtx(t, "/api/v1/monitoring/audit?batch_id="+uuid.NewString())
	if err := h.Audit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Events []record.AuditEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected response body: %v", err)
	}
	if resp.Events == nil || len(resp.Events) != 0 {
		t.Errorf("expected empty array, got %v", resp.Events)
	}
}

func TestAudit_BadBatchID(t *testing.T) {
	h := NewHandler(&stubRepo{}, nil, Info{})

	for _, target := range []string{
		"/api/v1/monitoring/audit",
		"/api/v1/monitoring/audit?batch_id=not-a-uuid",
	} {
		c, _ := monitoringCtx(t, target)
		err := h.Audit(c)
		httpErr, ok := err.(*echo.HTTPError)
		if !ok || httpErr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %v", target, err)
		}
	}
}

func TestDeadLetters(t *testing.T) {
	repo := &stubRepo{dlq: []*record.DeadLetterRecord{
		{ID: uuid.New(), ErrorMessage: "registry unavailable", BatchID: uuid.New()},
	}}
	h := NewHandler(repo, nil, Info{})

	c, rec := monitoringCtx(t, "/api/v1/monitoring/dlq?limit=10")
	if err := h.DeadLetters(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Total   int                       `json:"total"`
		Records []record.DeadLetterRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected response body: %v", err)
	}
	if resp.Total != 1 || len(resp.Records) != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Records[0].ErrorMessage != "registry unavailable" {
		t.Errorf("unexpected dead letter: %+v", resp.Records[0])
	}
}

func TestDeadLetters_BadLimit(t *testing.T) {
	h := NewHandler(&stubRepo{}, nil, Info{})

	c, _ := monitoringCtx(t, "/api/v1/monitoring/dlq?limit=100000")
	err := h.DeadLetters(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized limit, got %v", err)
	}
}

func TestHealth_NoPool(t *testing.T) {
	h := NewHandler(&stubRepo{}, nil, Info{})

	c, rec := monitoringCtx(t, "/health")
	if err := h.Health(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
