package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/Swaathy05/new-queue-hack/internal/models"
	"github.com/Swaathy05/new-queue-hack/internal/queue"
)

// Engine is the slice of queue.Engine the HTTP layer drives.
type Engine interface {
	CreateOrganization(ctx context.Context, actor queue.Actor, name, serviceType string, stationCount int) (models.Organization, []models.Station, error)
	Organization(ctx context.Context, joinCode string) (queue.OrganizationInfo, error)
	ListStations(ctx context.Context, actor queue.Actor, organizationID string) ([]models.Station, error)
	Stats(ctx context.Context, actor queue.Actor, organizationID string) (queue.Stats, error)
	History(ctx context.Context, actor queue.Actor, organizationID, status string, limit int) ([]models.HistoryRecord, error)
	Admit(ctx context.Context, joinCode string) (queue.Admission, error)
	Status(ctx context.Context, code string) (queue.TicketStatus, error)
	QueueView(ctx context.Context, actor queue.Actor, stationID string) (queue.QueueView, error)
	ToggleStation(ctx context.Context, actor queue.Actor, stationID string) (models.Station, error)
	SetStationActive(ctx context.Context, actor queue.Actor, stationID string, active bool) (models.Station, error)
	Complete(ctx context.Context, actor queue.Actor, entryID string) (models.Entry, error)
	Defer(ctx context.Context, actor queue.Actor, entryID string) (models.Entry, error)
	Remove(ctx context.Context, actor queue.Actor, entryID string) (models.Entry, error)
}

const defaultHistoryLimit = 50

type Handler struct {
	engine Engine
	logger *zap.Logger
}

type createOrganizationRequest struct {
	Name        string `json:"name"`
	ServiceType string `json:"service_type"`
	Stations    int    `json:"stations"`
}

type createOrganizationResponse struct {
	Organization models.Organization `json:"organization"`
	Stations     []models.Station    `json:"stations"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(engine Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, logger: logger}
}

// Routes builds the echo instance with the middleware chain and every API
// route. A nil limiter disables rate limiting.
func (h *Handler) Routes(limiter *RateLimiter) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.handleEchoError

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(LoggingMiddleware(h.logger))
	if limiter != nil {
		e.Use(limiter.Middleware)
	}

	e.GET("/healthz", h.handleHealth)
	e.GET("/metrics", echo.WrapHandler(expvar.Handler()))

	api := e.Group("/api")
	api.GET("/join/:code", h.handleJoinInfo)
	api.POST("/join/:code", h.handleJoin)
	api.GET("/tickets/:code", h.handleTicketStatus)

	api.POST("/organizations", h.handleCreateOrganization, requireOperator)
	api.GET("/organizations/:id/stations", h.handleListStations, requireOperator)
	api.GET("/organizations/:id/stats", h.handleStats, requireOperator)
	api.GET("/organizations/:id/history", h.handleHistory, requireOperator)
	api.GET("/stations/:id/queue", h.handleQueueView, requireOperator)
	api.POST("/stations/:id/toggle", h.handleToggleStation, requireOperator)
	api.POST("/entries/:id/actions/:action", h.handleEntryAction, requireOperator)
	return e
}

func (h *Handler) handleHealth(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (h *Handler) handleCreateOrganization(c echo.Context) error {
	var req createOrganizationRequest
	decoder := json.NewDecoder(c.Request().Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
	}
	req.Name = strings.TrimSpace(req.Name)
	req.ServiceType = strings.TrimSpace(req.ServiceType)
	if req.Name == "" || req.Stations < 1 {
		return writeError(c, http.StatusBadRequest, "invalid_request", "name and a positive stations count are required")
	}

	org, stations, err := h.engine.CreateOrganization(c.Request().Context(), actorFrom(c), req.Name, req.ServiceType, req.Stations)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, createOrganizationResponse{Organization: org, Stations: stations})
}

func (h *Handler) handleJoinInfo(c echo.Context) error {
	info, err := h.engine.Organization(c.Request().Context(), normalizeCode(c.Param("code")))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *Handler) handleJoin(c echo.Context) error {
	admission, err := h.engine.Admit(c.Request().Context(), normalizeCode(c.Param("code")))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, admission)
}

func (h *Handler) handleTicketStatus(c echo.Context) error {
	status, err := h.engine.Status(c.Request().Context(), normalizeCode(c.Param("code")))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) handleListStations(c echo.Context) error {
	stations, err := h.engine.ListStations(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, stations)
}

func (h *Handler) handleStats(c echo.Context) error {
	stats, err := h.engine.Stats(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) handleHistory(c echo.Context) error {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 1 {
			return writeError(c, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
		}
		limit = value
	}
	status := strings.ToLower(strings.TrimSpace(c.QueryParam("status")))

	records, err := h.engine.History(c.Request().Context(), actorFrom(c), c.Param("id"), status, limit)
	if err != nil {
		return h.fail(c, err)
	}
	if records == nil {
		records = []models.HistoryRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) handleQueueView(c echo.Context) error {
	view, err := h.engine.QueueView(c.Request().Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// handleToggleStation flips the station, or sets it when ?active= is given.
func (h *Handler) handleToggleStation(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		station models.Station
		err     error
	)
	if raw := strings.TrimSpace(c.QueryParam("active")); raw != "" {
		active, parseErr := strconv.ParseBool(raw)
		if parseErr != nil {
			return writeError(c, http.StatusBadRequest, "invalid_request", "active must be true or false")
		}
		station, err = h.engine.SetStationActive(ctx, actorFrom(c), c.Param("id"), active)
	} else {
		station, err = h.engine.ToggleStation(ctx, actorFrom(c), c.Param("id"))
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, station)
}

func (h *Handler) handleEntryAction(c echo.Context) error {
	ctx := c.Request().Context()
	actor := actorFrom(c)
	entryID := c.Param("id")

	var (
		entry models.Entry
		err   error
	)
	switch c.Param("action") {
	case "complete":
		entry, err = h.engine.Complete(ctx, actor, entryID)
	case "defer":
		entry, err = h.engine.Defer(ctx, actor, entryID)
	case "remove":
		entry, err = h.engine.Remove(ctx, actor, entryID)
	default:
		return writeError(c, http.StatusNotFound, "unknown_action", fmt.Sprintf("unknown action %q", c.Param("action")))
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) fail(c echo.Context, err error) error {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("request_id", requestID(c)),
			zap.Error(err),
		)
	}
	return writeError(c, status, code, msg)
}

func (h *Handler) handleEchoError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code := strings.ToLower(strings.ReplaceAll(http.StatusText(httpErr.Code), " ", "_"))
		_ = writeError(c, httpErr.Code, code, fmt.Sprint(httpErr.Message))
		return
	}
	_ = h.fail(c, err)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, queue.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, queue.ErrUnauthorized):
		return http.StatusForbidden, "access_denied", err.Error()
	case errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state", err.Error()
	case errors.Is(err, queue.ErrConflict):
		return http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, queue.ErrNoCapacity):
		return http.StatusServiceUnavailable, "no_capacity", err.Error()
	case errors.Is(err, queue.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "timeout", "request timed out"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, errorResponse{
		RequestID: requestID(c),
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func requestID(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return strings.TrimSpace(c.Request().Header.Get(echo.HeaderXRequestID))
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
