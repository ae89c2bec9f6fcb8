package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otsentry/internal/broadcast"
	"otsentry/internal/model"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	published []published
	handler   mqtt.MessageHandler
	topic     string
	failNext  bool
	sent      chan struct{}
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return doneToken{err: errors.New("broker refused")}
	}
	b.published = append(b.published, published{topic: topic, payload: payload.([]byte)})
	if b.sent != nil {
		b.sent <- struct{}{}
	}
	return doneToken{}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topic = topic
	b.handler = callback
	return doneToken{}
}

func device() model.Device {
	return model.Device{
		ID: 3,
		Parameters: []model.ParameterSpec{
			{Name: "flow_rate", Unit: "L/min"},
			{Name: "tank_level", Unit: "%"},
		},
	}
}

func TestSourceKeepsLatestAndDrains(t *testing.T) {
	src := NewSource(zerolog.Nop())
	broker := &fakeBroker{}
	require.NoError(t, src.Subscribe(broker, ""))
	assert.Equal(t, DefaultReadingTopic, broker.topic)

	broker.handler(nil, fakeMessage{topic: "ot/3/flow_rate", payload: []byte("41")})
	broker.handler(nil, fakeMessage{topic: "ot/3/flow_rate", payload: []byte("42.5")})
	broker.handler(nil, fakeMessage{topic: "ot/3/tank_level", payload: []byte(`{"value":"77","unit":"pct"}`)})
	broker.handler(nil, fakeMessage{topic: "ot/3/humidity", payload: []byte("12")})
	broker.handler(nil, fakeMessage{topic: "ot/4/flow_rate", payload: []byte("10")})

	samples, err := src.Read(context.Background(), device())
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "flow_rate", samples[0].ParameterName)
	assert.Equal(t, "42.5", samples[0].Value.String())
	assert.Equal(t, "L/min", samples[0].Unit)
	assert.Equal(t, "tank_level", samples[1].ParameterName)
	assert.Equal(t, "pct", samples[1].Unit)

	again, err := src.Read(context.Background(), device())
	require.NoError(t, err)
	assert.Empty(t, again, "values are consumed by the read")
}

func TestSourceIgnoresMalformedMessages(t *testing.T) {
	src := NewSource(zerolog.Nop())

	src.HandleMessage(nil, fakeMessage{topic: "ot/abc/flow_rate", payload: []byte("1")})
	src.HandleMessage(nil, fakeMessage{topic: "flow_rate", payload: []byte("1")})
	src.HandleMessage(nil, fakeMessage{topic: "ot/3/flow_rate", payload: []byte("high")})
	src.HandleMessage(nil, fakeMessage{topic: "ot/3/tank_level", payload: []byte(`{"value":"n/a"}`)})

	samples, err := src.Read(context.Background(), device())
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestParsePayloadNumericJSON(t *testing.T) {
	sample, err := parsePayload([]byte(`{"value": 8.4}`))
	require.NoError(t, err)
	assert.Equal(t, "8.4", sample.Value.String())
}

func TestBridgeRepublishesFrames(t *testing.T) {
	hub := broadcast.NewHub(broadcast.Options{Buffer: 8}, zerolog.Nop())
	broker := &fakeBroker{sent: make(chan struct{}, 4)}
	bridge := NewBridge(hub, broker, BridgeConfig{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, time.Millisecond)

	hub.Publish(broadcast.Message{Type: broadcast.TypeAlert, Data: map[string]int{"id": 1}})
	hub.Publish(broadcast.Message{Type: broadcast.TypeSensorData, Data: 70})
	<-broker.sent
	<-broker.sent

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, hub.Len())

	broker.mu.Lock()
	defer broker.mu.Unlock()
	require.Len(t, broker.published, 2)
	assert.Equal(t, "otsentry/events/alert", broker.published[0].topic)
	assert.JSONEq(t, `{"type":"alert","data":{"id":1}}`, string(broker.published[0].payload))
	assert.Equal(t, "otsentry/events/sensorData", broker.published[1].topic)
}

func TestBridgeSurvivesPublishError(t *testing.T) {
	hub := broadcast.NewHub(broadcast.Options{Buffer: 8}, zerolog.Nop())
	broker := &fakeBroker{failNext: true, sent: make(chan struct{}, 4)}
	bridge := NewBridge(hub, broker, BridgeConfig{TopicPattern: "plant/{type}"}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, time.Millisecond)

	hub.Publish(broadcast.Message{Type: broadcast.TypeAlert, Data: 1})
	hub.Publish(broadcast.Message{Type: broadcast.TypeAlert, Data: 2})
	<-broker.sent

	broker.mu.Lock()
	require.Len(t, broker.published, 1)
	assert.Equal(t, "plant/alert", broker.published[0].topic)
	broker.mu.Unlock()

	hub.Close()
	assert.NoError(t, <-done)
}

// gatedBroker blocks the first publish until gate is closed.
type gatedBroker struct {
	mu      sync.Mutex
	topics  []string
	payload [][]byte
	entered chan struct{}
	gate    chan struct{}
	blocked bool
}

func (b *gatedBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	first := !b.blocked
	b.blocked = true
	b.mu.Unlock()
	if first {
		b.entered <- struct{}{}
		<-b.gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.payload = append(b.payload, payload.([]byte))
	return doneToken{}
}

func (b *gatedBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

func TestBridgeResubscribesAfterHubDrop(t *testing.T) {
	hub := broadcast.NewHub(broadcast.Options{Buffer: 1}, zerolog.Nop())
	broker := &gatedBroker{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	bridge := NewBridge(hub, broker, BridgeConfig{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, time.Millisecond)

	hub.Publish(broadcast.Message{Type: broadcast.TypeAlert, Data: 1})
	<-broker.entered

	// queue holds one frame while the broker is stuck; the next one overflows it
	hub.Publish(broadcast.Message{Type: broadcast.TypeAlert, Data: 2})
	hub.Publish(broadcast.Message{Type: broadcast.TypeAlert, Data: 3})
	assert.Equal(t, 0, hub.Len(), "slow bridge should be dropped by the hub")

	close(broker.gate)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, time.Millisecond)

	hub.Publish(broadcast.Message{Type: broadcast.TypeDeviceStatus, Data: 4})
	require.Eventually(t, func() bool { return broker.count() == 3 }, time.Second, time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("bridge stopped while ctx was live: %v", err)
	default:
	}

	broker.mu.Lock()
	assert.Equal(t, "otsentry/events/deviceStatus", broker.topics[2])
	assert.JSONEq(t, `{"type":"deviceStatus","data":4}`, string(broker.payload[2]))
	broker.mu.Unlock()

	hub.Close()
	assert.NoError(t, <-done)
}

func TestEventTopic(t *testing.T) {
	assert.Equal(t, "otsentry/events/deviceStatus", EventTopic(DefaultEventTopic, broadcast.TypeDeviceStatus))
}
