package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"otsentry/internal/logging"
	"otsentry/internal/model"
)

const (
	SourceSimulated = "simulated"
	SourceMQTT      = "mqtt"
	SourceGateway   = "gateway"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Source    SourceConfig    `mapstructure:"source"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
	Devices   []DeviceConfig  `mapstructure:"devices"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// PollerConfig governs the polling loop.
type PollerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Workers         int           `mapstructure:"workers"`
	TickTimeout     time.Duration `mapstructure:"tick_timeout"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
	HistoryWindow   int           `mapstructure:"history_window"`
	PollableTypes   []string      `mapstructure:"pollable_types"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// SourceConfig selects where readings come from.
type SourceConfig struct {
	Kind string `mapstructure:"kind"`
}

// SimulatorConfig tunes the simulated reading source.
type SimulatorConfig struct {
	Seed uint64 `mapstructure:"seed"`
}

// MQTTConfig covers broker connectivity for the reading source and event bridge.
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadingTopic   string        `mapstructure:"reading_topic"`
	EventTopic     string        `mapstructure:"event_topic"`
	BridgeEnabled  bool          `mapstructure:"bridge_enabled"`
	QoS            int           `mapstructure:"qos"`
}

// GatewayConfig points the gateway source at a field gateway's HTTP API.
type GatewayConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// BroadcastConfig tunes the real-time hub.
type BroadcastConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// HTTPConfig configures the API and websocket server.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AnalyzerConfig tunes the anomaly analyzer.
type AnalyzerConfig struct {
	Source string `mapstructure:"source"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BotToken    string        `mapstructure:"bot_token"`
	ChatID      string        `mapstructure:"chat_id"`
	APIBase     string        `mapstructure:"api_base"`
	MinSeverity string        `mapstructure:"min_severity"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// DeviceConfig seeds the in-memory registry.
type DeviceConfig struct {
	Name             string                 `mapstructure:"name"`
	Type             string                 `mapstructure:"type"`
	Protocol         string                 `mapstructure:"protocol"`
	IPAddress        string                 `mapstructure:"ip_address"`
	Port             int                    `mapstructure:"port"`
	AcceptableRanges model.AcceptableRanges `mapstructure:"acceptable_ranges"`
	Parameters       []model.ParameterSpec  `mapstructure:"parameters"`
}

// Model converts the seed entry into a registry device.
func (d DeviceConfig) Model() model.Device {
	return model.Device{
		Name:             d.Name,
		Type:             d.Type,
		Protocol:         d.Protocol,
		IPAddress:        d.IPAddress,
		Port:             d.Port,
		Status:           model.DeviceUnknown,
		AcceptableRanges: d.AcceptableRanges,
		Parameters:       append([]model.ParameterSpec(nil), d.Parameters...),
	}
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("OTSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv exports variables from a dotenv file without overriding the
// process environment. A missing file is fine.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "otsentry")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("poller.interval", "5s")
	v.SetDefault("poller.align_to_bucket", false)
	v.SetDefault("poller.startup_delay", "0s")
	v.SetDefault("poller.workers", 4)
	v.SetDefault("poller.tick_timeout", "30s")
	v.SetDefault("poller.shutdown_grace", "5s")
	v.SetDefault("poller.history_window", 10)
	v.SetDefault("poller.pollable_types", []string{"PLC", "Sensor"})
	v.SetDefault("poller.advisory_lock_key", int64(0x6f74736e))

	v.SetDefault("source.kind", SourceSimulated)
	v.SetDefault("simulator.seed", 0)

	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.reading_topic", "ot/+/+")
	v.SetDefault("mqtt.event_topic", "otsentry/events/{type}")
	v.SetDefault("mqtt.bridge_enabled", false)
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("gateway.timeout", "5s")
	v.SetDefault("gateway.user_agent", "otsentry/1.0")

	v.SetDefault("broadcast.buffer", 256)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("analyzer.source", "Behavior Analyzer")

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.min_severity", string(model.SeverityWarning))
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than zero")
	}
	if c.Poller.Workers <= 0 {
		return fmt.Errorf("poller.workers must be greater than zero")
	}
	if c.Poller.HistoryWindow < 2 {
		return fmt.Errorf("poller.history_window must be at least 2")
	}
	if c.Poller.TickTimeout < 0 || c.Poller.ShutdownGrace < 0 {
		return fmt.Errorf("poller.tick_timeout and poller.shutdown_grace cannot be negative")
	}
	if c.Broadcast.Buffer <= 0 {
		return fmt.Errorf("broadcast.buffer must be greater than zero")
	}

	switch c.Source.Kind {
	case SourceSimulated:
	case SourceMQTT:
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when source.kind is mqtt")
		}
	case SourceGateway:
		if c.Gateway.BaseURL == "" {
			return fmt.Errorf("gateway.base_url is required when source.kind is gateway")
		}
	default:
		return fmt.Errorf("source.kind must be %q, %q or %q, got %q", SourceSimulated, SourceMQTT, SourceGateway, c.Source.Kind)
	}
	if c.MQTT.BridgeEnabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.bridge_enabled is set")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if sev := c.Alerting.Telegram.MinSeverity; sev != "" && string(model.ParseSeverity(sev)) != strings.ToLower(strings.TrimSpace(sev)) {
		return fmt.Errorf("alerting.telegram.min_severity %q is not a severity", sev)
	}

	for i, d := range c.Devices {
		if d.Name == "" || d.Type == "" {
			return fmt.Errorf("devices[%d] requires name and type", i)
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// SeedDevices returns the configured devices, or nil to use the built-in plant.
func (c *Config) SeedDevices() []model.Device {
	if len(c.Devices) == 0 {
		return nil
	}
	out := make([]model.Device, 0, len(c.Devices))
	for _, d := range c.Devices {
		out = append(out, d.Model())
	}
	return out
}
