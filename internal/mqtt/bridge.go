package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"otsentry/internal/broadcast"
	"otsentry/internal/metrics"
)

// DefaultEventTopic is the republish pattern; {type} is the message type.
const DefaultEventTopic = "otsentry/events/{type}"

// TopicPublisher is the publish side of a paho client.
type TopicPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// BridgeConfig holds configuration for the hub-to-MQTT bridge.
type BridgeConfig struct {
	TopicPattern   string
	QoS            byte
	PublishTimeout time.Duration
}

// Bridge republishes every hub frame to the broker as one more subscriber.
type Bridge struct {
	hub     *broadcast.Hub
	client  TopicPublisher
	pattern string
	qos     byte
	timeout time.Duration
	logger  zerolog.Logger
}

// NewBridge constructs a bridge; call Run to start forwarding.
func NewBridge(hub *broadcast.Hub, client TopicPublisher, config BridgeConfig, logger zerolog.Logger) *Bridge {
	if config.TopicPattern == "" {
		config.TopicPattern = DefaultEventTopic
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	return &Bridge{
		hub:     hub,
		client:  client,
		pattern: config.TopicPattern,
		qos:     config.QoS,
		timeout: config.PublishTimeout,
		logger:  logger.With().Str("component", "mqtt_bridge").Logger(),
	}
}

// Run forwards frames until ctx is cancelled or the hub is closed. When the
// hub drops the bridge for falling behind, it subscribes again and carries on.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.hub.Register()
	if err != nil {
		return fmt.Errorf("register bridge: %w", err)
	}
	defer func() { b.hub.Unregister(sub) }()

	b.logger.Info().Str("pattern", b.pattern).Msg("bridge started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-sub.Frames():
			if ok {
				if err := b.forward(frame); err != nil {
					b.logger.Error().Err(err).Str("type", string(frame.Type)).Msg("republish failed")
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			missed := sub.Missed()
			next, err := b.hub.Register()
			if errors.Is(err, broadcast.ErrClosed) {
				b.logger.Info().Msg("hub closed, bridge stopping")
				return nil
			}
			if err != nil {
				return fmt.Errorf("re-register bridge: %w", err)
			}
			sub = next
			metrics.IncBridgeResubscribe()
			b.logger.Warn().Int("missed_frames", missed).Msg("bridge fell behind and was dropped by the hub; resubscribed")
		}
	}
}

func (b *Bridge) forward(frame broadcast.Frame) error {
	topic := EventTopic(b.pattern, frame.Type)
	token := b.client.Publish(topic, b.qos, false, frame.Payload)
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// EventTopic fills the {type} placeholder.
func EventTopic(pattern string, msgType broadcast.MessageType) string {
	return strings.ReplaceAll(pattern, "{type}", string(msgType))
}
