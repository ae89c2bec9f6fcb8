package broadcast

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"otsentry/internal/metrics"
)

// MessageType tags a broadcast envelope.
type MessageType string

const (
	TypeAlert        MessageType = "alert"
	TypeSensorData   MessageType = "sensorData"
	TypeAttackLog    MessageType = "attackLog"
	TypeDeviceStatus MessageType = "deviceStatus"
)

// ErrClosed is returned when registering on a hub that has been shut down.
var ErrClosed = errors.New("broadcast: hub closed")

// Message is the envelope delivered to real-time clients.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// Frame is an encoded message as queued for a subscriber.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Publisher is the write side of the hub used by the pipeline.
type Publisher interface {
	Publish(msg Message)
}

// Options tune hub behaviour.
type Options struct {
	// Buffer is the per-subscriber queue length.
	Buffer int
}

// Hub fans every published message out to the registered subscribers.
// A subscriber that cannot accept a frame immediately is dropped.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	closed bool
	buffer int
	logger zerolog.Logger
}

// NewHub constructs an empty hub.
func NewHub(opts Options, logger zerolog.Logger) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		buffer: opts.Buffer,
		logger: logger.With().Str("component", "broadcast").Logger(),
	}
}

// Register adds a new subscriber. It only sees messages published afterwards.
func (h *Hub) Register() (*Subscriber, error) {
	sub := newSubscriber(uuid.NewString(), h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.subs[sub] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	metrics.SetSubscribers(count)
	h.logger.Debug().Str("subscriber", sub.ID()).Int("subscribers", count).Msg("subscriber registered")
	return sub, nil
}

// Unregister removes and closes a subscriber. Safe to call more than once.
func (h *Hub) Unregister(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	count := len(h.subs)
	h.mu.Unlock()

	sub.Close()
	if ok {
		metrics.SetSubscribers(count)
		h.logger.Debug().Str("subscriber", sub.ID()).Int("subscribers", count).Msg("subscriber unregistered")
	}
}

// Publish encodes msg once and offers it to every subscriber without blocking.
func (h *Hub) Publish(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to encode broadcast message")
		return
	}
	h.fanOut(Frame{Type: msg.Type, Payload: payload})
}

// PublishRaw forwards an already encoded data document verbatim.
func (h *Hub) PublishRaw(msgType MessageType, data json.RawMessage) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	h.Publish(Message{Type: msgType, Data: data})
}

// Len reports the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unregisters every subscriber and rejects further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*Subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	metrics.SetSubscribers(0)
	h.logger.Info().Int("subscribers", len(subs)).Msg("hub drained")
}

func (h *Hub) fanOut(frame Frame) {
	h.mu.RLock()
	snapshot := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	var dropped []*Subscriber
	for _, sub := range snapshot {
		if !sub.deliver(frame) {
			dropped = append(dropped, sub)
		}
	}
	metrics.IncBroadcast(string(frame.Type))

	for _, sub := range dropped {
		h.logger.Warn().Str("subscriber", sub.ID()).Str("type", string(frame.Type)).Msg("subscriber closed or too slow, dropping")
		metrics.IncDroppedSubscriber()
		h.Unregister(sub)
	}
}

var _ Publisher = (*Hub)(nil)
