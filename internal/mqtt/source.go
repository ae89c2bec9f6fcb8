package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otsentry/internal/model"
)

// DefaultReadingTopic matches ot/{device id}/{parameter}.
const DefaultReadingTopic = "ot/+/+"

// TopicSubscriber is the subscribe side of a paho client.
type TopicSubscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Source is a ReadingSource fed by devices publishing their values over MQTT.
// Each Read drains the latest value per parameter received since the last Read.
type Source struct {
	mu     sync.Mutex
	latest map[int64]map[string]model.Sample
	logger zerolog.Logger
}

// NewSource builds an empty MQTT-fed source.
func NewSource(logger zerolog.Logger) *Source {
	return &Source{
		latest: make(map[int64]map[string]model.Sample),
		logger: logger.With().Str("component", "mqtt_source").Logger(),
	}
}

// Subscribe registers the source on topic with QoS 1.
func (s *Source) Subscribe(client TopicSubscriber, topic string) error {
	if topic == "" {
		topic = DefaultReadingTopic
	}
	token := client.Subscribe(topic, 1, s.HandleMessage)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.logger.Info().Str("topic", topic).Msg("subscribed to reading topic")
	return nil
}

// HandleMessage stores one published value. Malformed topics or payloads are dropped.
func (s *Source) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID, parameter, err := parseTopic(msg.Topic())
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("ignoring message")
		return
	}
	sample, err := parsePayload(msg.Payload())
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("ignoring malformed payload")
		return
	}
	sample.ParameterName = parameter

	s.mu.Lock()
	defer s.mu.Unlock()
	params, ok := s.latest[deviceID]
	if !ok {
		params = make(map[string]model.Sample)
		s.latest[deviceID] = params
	}
	params[parameter] = sample
}

// Read implements poller.ReadingSource. Only parameters the device declares
// are returned, in declaration order; missing units are taken from the declaration.
func (s *Source) Read(ctx context.Context, device model.Device) ([]model.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	received := s.latest[device.ID]
	delete(s.latest, device.ID)
	s.mu.Unlock()

	samples := make([]model.Sample, 0, len(received))
	for _, spec := range device.Parameters {
		sample, ok := received[spec.Name]
		if !ok {
			continue
		}
		if sample.Unit == "" {
			sample.Unit = spec.Unit
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func parseTopic(topic string) (int64, string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return 0, "", fmt.Errorf("topic %q does not match prefix/device/parameter", topic)
	}
	parameter := parts[len(parts)-1]
	deviceID, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse device id: %w", err)
	}
	if parameter == "" {
		return 0, "", fmt.Errorf("topic %q has empty parameter", topic)
	}
	return deviceID, parameter, nil
}

// parsePayload accepts a bare number or {"value": <number|string>, "unit": "..."}.
func parsePayload(payload []byte) (model.Sample, error) {
	text := strings.TrimSpace(string(payload))
	if value, err := decimal.NewFromString(text); err == nil {
		return model.Sample{Value: value}, nil
	}

	var doc struct {
		Value json.RawMessage `json:"value"`
		Unit  string          `json:"unit"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return model.Sample{}, fmt.Errorf("decode payload: %w", err)
	}
	raw := strings.Trim(strings.TrimSpace(string(doc.Value)), `"`)
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return model.Sample{}, fmt.Errorf("parse value %q: %w", raw, err)
	}
	return model.Sample{Value: value, Unit: doc.Unit}, nil
}
