package api

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"otsentry/internal/broadcast"
	"otsentry/internal/storage"
)

// Dependencies holds everything the handlers read from or publish to.
// AttackLogs may be nil, in which case attack logs are only re-broadcast.
type Dependencies struct {
	Devices    storage.DeviceRegistry
	Readings   storage.ReadingStore
	Alerts     storage.AlertStore
	AttackLogs storage.AttackLogStore
	Hub        *broadcast.Hub
	Gatherer   prometheus.Gatherer
	Version    string
	Logger     zerolog.Logger
}

// Handlers bundles the handler groups.
type Handlers struct {
	Health    *HealthHandler
	Devices   *DeviceHandler
	Alerts    *AlertHandler
	AttackLog *AttackLogHandler
	Socket    *SocketHandler
	gatherer  prometheus.Gatherer
}

// NewHandlers wires handler instances from deps.
func NewHandlers(deps Dependencies) *Handlers {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{
		Health:    NewHealthHandler(deps.Version),
		Devices:   NewDeviceHandler(deps.Devices, deps.Readings),
		Alerts:    NewAlertHandler(deps.Alerts),
		AttackLog: NewAttackLogHandler(deps.AttackLogs, deps.Hub, deps.Logger),
		Socket:    NewSocketHandler(deps.Hub, deps.Logger),
		gatherer:  gatherer,
	}
}

// RegisterRoutes attaches every route to e.
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/health", handlers.Health.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(handlers.gatherer, promhttp.HandlerOpts{})))
	e.GET("/ws", handlers.Socket.HandleSocket)

	apiGroup := e.Group("/api")
	apiGroup.GET("/devices", handlers.Devices.HandleListDevices)
	apiGroup.GET("/devices/:id", handlers.Devices.HandleGetDevice)
	apiGroup.GET("/sensor-data", handlers.Devices.HandleListReadings)
	apiGroup.GET("/sensor-data/latest", handlers.Devices.HandleLatestReadings)

	apiGroup.GET("/alerts", handlers.Alerts.HandleListAlerts)
	apiGroup.POST("/alerts/:id/acknowledge", handlers.Alerts.HandleAcknowledge)

	apiGroup.GET("/attack-logs", handlers.AttackLog.HandleListAttackLogs)
	apiGroup.POST("/attack-logs", handlers.AttackLog.HandleCreateAttackLog)
}

// SetupMiddleware installs the error handler and the standard middleware chain.
func SetupMiddleware(e *echo.Echo, logger zerolog.Logger) {
	e.HTTPErrorHandler = ErrorHandler(logger)
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			event := logger.Debug()
			if v.Error != nil {
				event = logger.Warn().Err(v.Error)
			}
			event.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
}
