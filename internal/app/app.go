package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"otsentry/internal/alerting"
	"otsentry/internal/analyzer"
	"otsentry/internal/api"
	"otsentry/internal/broadcast"
	"otsentry/internal/config"
	"otsentry/internal/metrics"
	"otsentry/internal/model"
	"otsentry/internal/mqtt"
	"otsentry/internal/poller"
	"otsentry/internal/scheduler"
	"otsentry/internal/service"
	"otsentry/internal/source"
	"otsentry/internal/storage"
	"otsentry/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	// Registerer receives the pipeline metrics; Gatherer serves /metrics.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config:     cfg,
		Logger:     logger.With().Str("component", "app").Logger(),
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	}
}

// openRepository connects to PostgreSQL when a DSN is configured and falls
// back to an in-memory store. Either way an empty registry is seeded with the
// configured or built-in devices.
func (a *App) openRepository(ctx context.Context) (storage.Repository, func(), error) {
	devices := a.Config.SeedDevices()
	if devices == nil {
		devices = storage.DefaultDevices()
	}
	if a.Config.Database.DSN == "" {
		return storage.NewMemoryStore(devices...), func() {}, nil
	}

	store, err := storage.Open(ctx, a.Config.Database, devices)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// openStore is openRepository restricted to PostgreSQL, for commands that
// read history a previous process wrote.
func (a *App) openStore(ctx context.Context) (storage.Repository, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured; history is only kept by a running service")
	}
	return a.openRepository(ctx)
}

func (a *App) newAnalyzer() *analyzer.Analyzer {
	return analyzer.New(analyzer.Options{Source: a.Config.Analyzer.Source})
}

func (a *App) newNotifiers() []alerting.Notifier {
	var notifiers []alerting.Notifier
	if cfg := a.Config.Alerting.Telegram; cfg.Enabled {
		notifiers = append(notifiers, alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken:    cfg.BotToken,
			ChatID:      cfg.ChatID,
			BaseURL:     cfg.APIBase,
			Timeout:     cfg.Timeout,
			MinSeverity: model.ParseSeverity(cfg.MinSeverity),
		}, a.Logger))
	}
	return notifiers
}

func (a *App) needsMQTT() bool {
	return a.Config.Source.Kind == config.SourceMQTT || a.Config.MQTT.BridgeEnabled
}

func (a *App) connectMQTT() (*mqtt.Client, error) {
	cfg := a.Config.MQTT
	return mqtt.NewClient(mqtt.ClientConfig{
		Broker:         cfg.Broker,
		ClientID:       cfg.ClientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		ConnectTimeout: cfg.ConnectTimeout,
	}, a.Logger)
}

func (a *App) newSource(client *mqtt.Client) (poller.ReadingSource, error) {
	switch a.Config.Source.Kind {
	case config.SourceMQTT:
		src := mqtt.NewSource(a.Logger)
		if err := src.Subscribe(client.Native(), a.Config.MQTT.ReadingTopic); err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceGateway:
		return source.NewGateway(source.GatewayOptions{
			BaseURL:   a.Config.Gateway.BaseURL,
			Timeout:   a.Config.Gateway.Timeout,
			UserAgent: a.Config.Gateway.UserAgent,
		}, a.Logger), nil
	default:
		return source.NewSimulated(a.Config.Simulator.Seed), nil
	}
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := metrics.Register(a.Registerer); err != nil {
		return err
	}

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
	}

	var client *mqtt.Client
	if a.needsMQTT() {
		client, err = a.connectMQTT()
		if err != nil {
			return err
		}
		defer client.Close()
	}

	src, err := a.newSource(client)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(broadcast.Options{Buffer: a.Config.Broadcast.Buffer}, a.Logger)
	sink := alerting.NewSink(repo, hub, a.Logger, a.newNotifiers()...)

	pollerCfg := a.Config.Poller
	poll := poller.New(poller.Deps{
		Devices:   repo,
		Readings:  repo,
		Source:    src,
		Analyzer:  a.newAnalyzer(),
		Sink:      sink,
		Publisher: hub,
	}, poller.Options{
		Workers:         pollerCfg.Workers,
		HistoryWindow:   pollerCfg.HistoryWindow,
		PollableTypes:   pollerCfg.PollableTypes,
		AdvisoryLockKey: pollerCfg.AdvisoryLockKey,
	}, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:      pollerCfg.Interval,
		AlignToStart:  pollerCfg.AlignToBucket,
		StartupDelay:  pollerCfg.StartupDelay,
		TickTimeout:   pollerCfg.TickTimeout,
		ShutdownGrace: pollerCfg.ShutdownGrace,
	}, a.Logger)

	svc := service.New(sched, poll, hub, a.Logger)
	if a.Config.HTTP.Enabled {
		svc.Attach("http", api.NewServer(a.Config.HTTP, api.Dependencies{
			Devices:    repo,
			Readings:   repo,
			Alerts:     repo,
			AttackLogs: repo,
			Hub:        hub,
			Gatherer:   a.Gatherer,
			Version:    version.Version,
		}, a.Logger))
	}
	if a.Config.MQTT.BridgeEnabled {
		svc.Attach("mqtt_bridge", mqtt.NewBridge(hub, client.Native(), mqtt.BridgeConfig{
			TopicPattern: a.Config.MQTT.EventTopic,
			QoS:          byte(a.Config.MQTT.QoS),
		}, a.Logger))
	}

	a.Logger.Info().
		Str("version", version.Version).
		Str("source", a.Config.Source.Kind).
		Dur("interval", pollerCfg.Interval).
		Msg("starting monitoring service")
	if err := svc.Run(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting reading history.
type ExportOptions struct {
	DeviceID  int64
	Parameter string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// AlertsOptions configure the alerts command.
type AlertsOptions struct {
	Limit              int
	UnacknowledgedOnly bool
}

// AnalyzeOptions configure an offline analysis run.
type AnalyzeOptions struct {
	InputPath string
	Window    int
	Notify    bool
}

func formatDevice(id *int64) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *id)
}
