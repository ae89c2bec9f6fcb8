package mqtt

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ClientConfig holds MQTT client configuration.
type ClientConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Client manages the broker connection. Source and Bridge use the native client.
type Client struct {
	client mqtt.Client
	config ClientConfig
	logger zerolog.Logger
}

// NewClient connects to the broker.
func NewClient(config ClientConfig, logger zerolog.Logger) (*Client, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if config.ClientID == "" {
		config.ClientID = "otsentry-" + uuid.NewString()[:8]
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	log := logger.With().Str("component", "mqtt").Str("broker", config.Broker).Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(config.ConnectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Msg("connection established")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(config.ConnectTimeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timeout", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", config.Broker, err)
	}

	log.Info().Str("client_id", config.ClientID).Msg("connected to broker")
	return &Client{client: client, config: config, logger: log}, nil
}

// Native returns the underlying paho client.
func (c *Client) Native() mqtt.Client {
	return c.client
}

// IsConnected reports whether the client is currently connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info().Msg("disconnected")
}
