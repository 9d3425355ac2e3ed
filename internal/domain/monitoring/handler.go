// Package monitoring exposes the operational surface: pipeline counters,
// batch audit polling, dead-letter inspection, and liveness.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/tm2bridge/tm2bridge/internal/domain/record"
	"github.com/tm2bridge/tm2bridge/internal/platform/db"
)

const (
	defaultAuditLimit = 20
	defaultDLQLimit   = 50
	maxListLimit      = 200
)

// Info identifies the running service in status responses.
type Info struct {
	ServiceName string
	Version     string
	Env         string
}

type Handler struct {
	repo      record.Repository
	pool      *pgxpool.Pool
	info      Info
	startedAt time.Time
}

func NewHandler(repo record.Repository, pool *pgxpool.Pool, info Info) *Handler {
	return &Handler{repo: repo, pool: pool, info: info, startedAt: time.Now()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/monitoring/status", h.Status)
	api.GET("/monitoring/audit", h.Audit)
	api.GET("/monitoring/dlq", h.DeadLetters)
}

// RegisterHealth mounts the unauthenticated liveness endpoint.
func (h *Handler) RegisterHealth(e *echo.Echo) {
	e.GET("/health", h.Health)
}

type statusResponse struct {
	Service string             `json:"service"`
	Version string             `json:"version"`
	Env     string             `json:"env"`
	Uptime  string             `json:"uptime"`
	Store   *record.StoreStats `json:"store"`
	Pool    *db.PoolStats      `json:"pool,omitempty"`
}

func (h *Handler) Status(c echo.Context) error {
	stats, err := h.repo.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := statusResponse{
		Service: h.info.ServiceName,
		Version: h.info.Version,
		Env:     h.info.Env,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
		Store:   stats,
	}
	if h.pool != nil {
		resp.Pool = db.GetPoolStats(h.pool)
	}
	return c.JSON(http.StatusOK, resp)
}

// Audit returns the audit trail for one batch, newest first.
func (h *Handler) Audit(c echo.Context) error {
	batchID, err := uuid.Parse(c.QueryParam("batch_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "batch_id must be a valid uuid")
	}

	limit, err := listParam(c, "limit", defaultAuditLimit)
	if err != nil {
		return err
	}

	events, err := h.repo.ListAuditEvents(c.Request().Context(), batchID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if events == nil {
		events = []*record.AuditEvent{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"batch_id": batchID,
		"events":   events,
	})
}

func (h *Handler) DeadLetters(c echo.Context) error {
	limit, err := listParam(c, "limit", defaultDLQLimit)
	if err != nil {
		return err
	}
	offset, err := listParam(c, "offset", 0)
	if err != nil {
		return err
	}

	dead, total, err := h.repo.ListDeadLetters(c.Request().Context(), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if dead == nil {
		dead = []*record.DeadLetterRecord{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"records": dead,
	})
}

func (h *Handler) Health(c echo.Context) error {
	if h.pool != nil {
		if err := db.Check(c.Request().Context(), h.pool); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

func listParam(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 || v > maxListLimit {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be between 0 and 200")
	}
	return v, nil
}
