package ingestion

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func triggerRequestCtx(t *testing.T, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

// waitForAudits polls the repo until the expected number of audit events
// appears, since triggered batches run in the background.
func waitForAudits(t *testing.T, repo *mockRepo, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		repo.mu.Lock()
		n := len(repo.audits)
		repo.mu.Unlock()
		if n >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d audit events", want)
}

func TestTriggerIngestion(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo, &mockSubmitter{})
	h := NewHandler(svc, zerolog.Nop())

	path := writeFixture(t, "data.csv", sampleCSV)
	c, rec := triggerRequestCtx(t, "/api/v1/ingestion/trigger", `{"file_path":"`+path+`"}`)

	if err := h.TriggerIngestion(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	var resp triggerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected response body: %v", err)
	}
	if resp.BatchID == uuid.Nil || resp.Status != "started" {
		t.Errorf("unexpected response: %+v", resp)
	}

	waitForAudits(t, repo, 1)
	events, err := repo.ListAuditEvents(c.Request().Context(), resp.BatchID, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "ingestion_completed" {
		t.Errorf("expected ingestion audit for returned batch id, got %v", events)
	}
}

func TestTriggerIngestion_MissingFile(t *testing.T) {
	svc := newTestService(newMockRepo(), &mockSubmitter{})
	h := NewHandler(svc, zerolog.Nop())

	c, _ := triggerRequestCtx(t, "/api/v1/ingestion/trigger", `{"file_path":"/nonexistent/data.csv"}`)
	err := h.TriggerIngestion(c)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestTriggerIngestion_DirectoryPath(t *testing.T) {
	svc := newTestService(newMockRepo(), &mockSubmitter{})
	h := NewHandler(svc, zerolog.Nop())

	c, _ := triggerRequestCtx(t, "/api/v1/ingestion/trigger", `{"file_path":"`+t.TempDir()+`"}`)
	err := h.TriggerIngestion(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for directory path, got %v", err)
	}
}

func TestTriggerIngestion_DefaultPath(t *testing.T) {
	repo := newMockRepo()
	path := writeFixture(t, "data.csv", sampleCSV)
	svc := NewService(repo, &mockSubmitter{}, NewTransformer(testMappings),
		Options{DefaultFormat: "csv", DataPath: path}, zerolog.Nop())
	h := NewHandler(svc, zerolog.Nop())

	c, rec := triggerRequestCtx(t, "/api/v1/ingestion/trigger", `{}`)
	if err := h.TriggerIngestion(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	waitForAudits(t, repo, 1)
}

func TestTriggerSubmission(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo, &mockSubmitter{})
	h := NewHandler(svc, zerolog.Nop())

	c, rec := triggerRequestCtx(t, "/api/v1/ingestion/submit/trigger", `{"limit":5}`)
	if err := h.TriggerSubmission(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	var resp triggerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected response body: %v", err)
	}
	if resp.BatchID == uuid.Nil || resp.Status != "started" {
		t.Errorf("unexpected response: %+v", resp)
	}
	waitForAudits(t, repo, 1)
}

func TestTriggerSubmission_NegativeLimit(t *testing.T) {
	svc := newTestService(newMockRepo(), &mockSubmitter{})
	h := NewHandler(svc, zerolog.Nop())

	c, _ := triggerRequestCtx(t, "/api/v1/ingestion/submit/trigger", `{"limit":-1}`)
	err := h.TriggerSubmission(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %v", err)
	}
}
