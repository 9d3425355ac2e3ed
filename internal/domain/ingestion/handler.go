package ingestion

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// backgroundTimeout bounds a triggered batch run after the HTTP response has
// been sent.
const backgroundTimeout = 30 * time.Minute

// Handler exposes the fire-and-forget trigger endpoints. A trigger validates
// its input synchronously, then runs the batch in the background; completion
// is observed through the monitoring surface using the returned batch id.
type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/ingestion/trigger", h.TriggerIngestion)
	api.POST("/ingestion/submit/trigger", h.TriggerSubmission)
}

type triggerIngestionRequest struct {
	FilePath string `json:"file_path"`
}

type triggerResponse struct {
	BatchID uuid.UUID `json:"batch_id"`
	Status  string    `json:"status"`
}

func (h *Handler) TriggerIngestion(c echo.Context) error {
	var req triggerIngestionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	path := req.FilePath
	if path == "" {
		path = h.svc.DataPath()
	}
	if err := ValidatePath(path); err != nil {
		if errors.Is(err, ErrFileNotFound) || errors.Is(err, ErrNotAFile) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	batchID := uuid.New()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if _, err := h.svc.IngestFromFile(ctx, path, batchID); err != nil {
			h.logger.Error().Stringer("batch_id", batchID).Err(err).Msg("triggered ingestion failed")
		}
	}()

	return c.JSON(http.StatusAccepted, triggerResponse{BatchID: batchID, Status: "started"})
}

type triggerSubmissionRequest struct {
	Limit int `json:"limit"`
}

func (h *Handler) TriggerSubmission(c echo.Context) error {
	var req triggerSubmissionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Limit < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be positive")
	}

	batchID := uuid.New()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if _, err := h.svc.SubmitPending(ctx, req.Limit, batchID); err != nil {
			h.logger.Error().Stringer("batch_id", batchID).Err(err).Msg("triggered submission failed")
		}
	}()

	return c.JSON(http.StatusAccepted, triggerResponse{BatchID: batchID, Status: "started"})
}
