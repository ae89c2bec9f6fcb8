package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"otsentry/internal/broadcast"
	"otsentry/internal/model"
	"otsentry/internal/storage"
)

const (
	defaultListLimit = 100
	maxAttackLogBody = 1 << 20
)

// HealthHandler reports liveness.
type HealthHandler struct {
	version string
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version}
}

// HandleHealth returns server health status.
func (h *HealthHandler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.version,
	})
}

// DeviceHandler serves the device registry and reading history.
type DeviceHandler struct {
	devices  storage.DeviceRegistry
	readings storage.ReadingStore
}

// NewDeviceHandler creates a device handler.
func NewDeviceHandler(devices storage.DeviceRegistry, readings storage.ReadingStore) *DeviceHandler {
	return &DeviceHandler{devices: devices, readings: readings}
}

// HandleListDevices returns every registered device.
func (h *DeviceHandler) HandleListDevices(c echo.Context) error {
	if h.devices == nil {
		return NewServiceUnavailableError("device registry is not configured")
	}
	devices, err := h.devices.ListDevices(c.Request().Context())
	if err != nil {
		return storeError("devices", "", err)
	}
	return c.JSON(http.StatusOK, devices)
}

// HandleGetDevice returns one device by id.
func (h *DeviceHandler) HandleGetDevice(c echo.Context) error {
	if h.devices == nil {
		return NewServiceUnavailableError("device registry is not configured")
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return NewValidationError("id")
	}
	device, err := h.devices.GetDevice(c.Request().Context(), id)
	if err != nil {
		return storeError("device", c.Param("id"), err)
	}
	return c.JSON(http.StatusOK, device)
}

// HandleListReadings returns reading history, newest first.
// Query: deviceId, parameter, since, until (RFC 3339), limit.
func (h *DeviceHandler) HandleListReadings(c echo.Context) error {
	if h.readings == nil {
		return NewServiceUnavailableError("reading store is not configured")
	}
	filter := storage.ReadingFilter{
		Parameter: strings.TrimSpace(c.QueryParam("parameter")),
	}
	var err error
	if filter.DeviceID, err = optionalID(c.QueryParam("deviceId")); err != nil {
		return NewValidationError("deviceId")
	}
	if filter.Since, err = optionalTime(c.QueryParam("since")); err != nil {
		return NewValidationError("since")
	}
	if filter.Until, err = optionalTime(c.QueryParam("until")); err != nil {
		return NewValidationError("until")
	}
	if filter.Limit, err = parseLimit(c.QueryParam("limit")); err != nil {
		return NewValidationError("limit")
	}

	readings, err := h.readings.ListReadings(c.Request().Context(), filter)
	if err != nil {
		return storeError("readings", "", err)
	}
	return c.JSON(http.StatusOK, readings)
}

// HandleLatestReadings returns the latest reading per device and parameter.
func (h *DeviceHandler) HandleLatestReadings(c echo.Context) error {
	if h.readings == nil {
		return NewServiceUnavailableError("reading store is not configured")
	}
	deviceID, err := optionalID(c.QueryParam("deviceId"))
	if err != nil {
		return NewValidationError("deviceId")
	}
	readings, err := h.readings.LatestReadings(c.Request().Context(), deviceID)
	if err != nil {
		return storeError("readings", "", err)
	}
	return c.JSON(http.StatusOK, readings)
}

// AlertHandler serves alert listing and acknowledgement.
type AlertHandler struct {
	alerts storage.AlertStore
}

// NewAlertHandler creates an alert handler.
func NewAlertHandler(alerts storage.AlertStore) *AlertHandler {
	return &AlertHandler{alerts: alerts}
}

// HandleListAlerts returns alerts newest first, optionally filtered by ?acknowledged=.
func (h *AlertHandler) HandleListAlerts(c echo.Context) error {
	if h.alerts == nil {
		return NewServiceUnavailableError("alert store is not configured")
	}
	var filter storage.AlertFilter
	if raw := c.QueryParam("acknowledged"); raw != "" {
		ack, err := strconv.ParseBool(raw)
		if err != nil {
			return NewValidationError("acknowledged")
		}
		filter.Acknowledged = &ack
	}
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return NewValidationError("limit")
	}
	filter.Limit = limit

	alerts, err := h.alerts.ListAlerts(c.Request().Context(), filter)
	if err != nil {
		return storeError("alerts", "", err)
	}
	return c.JSON(http.StatusOK, alerts)
}

// HandleAcknowledge marks one alert as acknowledged.
func (h *AlertHandler) HandleAcknowledge(c echo.Context) error {
	if h.alerts == nil {
		return NewServiceUnavailableError("alert store is not configured")
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return NewValidationError("id")
	}
	alert, err := h.alerts.AcknowledgeAlert(c.Request().Context(), id)
	if err != nil {
		return storeError("alert", c.Param("id"), err)
	}
	return c.JSON(http.StatusOK, alert)
}

// AttackLogHandler receives the attack simulation feed.
type AttackLogHandler struct {
	logs   storage.AttackLogStore
	hub    *broadcast.Hub
	logger zerolog.Logger
}

// NewAttackLogHandler creates an attack log handler. logs may be nil.
func NewAttackLogHandler(logs storage.AttackLogStore, hub *broadcast.Hub, logger zerolog.Logger) *AttackLogHandler {
	return &AttackLogHandler{
		logs:   logs,
		hub:    hub,
		logger: logger.With().Str("component", "attack_logs").Logger(),
	}
}

type createAttackLogRequest struct {
	AttackType string          `json:"attackType"`
	TargetID   *int64          `json:"targetId"`
	Parameters json.RawMessage `json:"parameters"`
	Result     string          `json:"result"`
	Notes      string          `json:"notes"`
}

// HandleCreateAttackLog persists the entry when a store is configured and
// broadcasts the stored record. Without a store the body is re-broadcast as received.
func (h *AttackLogHandler) HandleCreateAttackLog(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxAttackLogBody))
	if err != nil {
		return NewBadRequestError("failed to read attack log body", err)
	}
	var req createAttackLogRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return NewBadRequestError("invalid attack log body", err)
	}
	if strings.TrimSpace(req.AttackType) == "" {
		return NewValidationError("attackType")
	}

	if h.logs == nil {
		if h.hub != nil {
			h.hub.PublishRaw(broadcast.TypeAttackLog, json.RawMessage(body))
		}
		h.logger.Info().Str("attack_type", req.AttackType).Msg("attack log relayed")
		return c.JSONBlob(http.StatusAccepted, body)
	}

	entry, err := h.logs.CreateAttackLog(c.Request().Context(), model.AttackLog{
		Timestamp:  time.Now().UTC(),
		AttackType: req.AttackType,
		TargetID:   req.TargetID,
		Parameters: req.Parameters,
		Result:     req.Result,
		Notes:      req.Notes,
	})
	if err != nil {
		return storeError("attack log", "", err)
	}
	if h.hub != nil {
		h.hub.Publish(broadcast.Message{Type: broadcast.TypeAttackLog, Data: entry})
	}
	h.logger.Info().Str("attack_type", entry.AttackType).Int64("id", entry.ID).Msg("attack log stored")
	return c.JSON(http.StatusCreated, entry)
}

// HandleListAttackLogs returns attack logs newest first.
func (h *AttackLogHandler) HandleListAttackLogs(c echo.Context) error {
	if h.logs == nil {
		return NewServiceUnavailableError("attack log store is not configured")
	}
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return NewValidationError("limit")
	}
	logs, err := h.logs.ListAttackLogs(c.Request().Context(), limit)
	if err != nil {
		return storeError("attack logs", "", err)
	}
	return c.JSON(http.StatusOK, logs)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, strconv.ErrSyntax
	}
	return id, nil
}

func optionalID(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := parseID(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func optionalTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, strconv.ErrRange
	}
	return limit, nil
}
