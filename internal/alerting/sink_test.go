package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otsentry/internal/broadcast"
	"otsentry/internal/model"
	"otsentry/internal/storage"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []broadcast.Message
}

func (p *recordingPublisher) Publish(msg broadcast.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

type failingStore struct {
	storage.AlertStore
}

func (failingStore) CreateAlert(context.Context, model.Alert) (model.Alert, error) {
	return model.Alert{}, errors.New("database down")
}

type notifierFunc func(ctx context.Context, alert model.Alert) error

func (f notifierFunc) Notify(ctx context.Context, alert model.Alert) error { return f(ctx, alert) }

func candidate() model.AlertCandidate {
	deviceID := int64(5)
	return model.AlertCandidate{
		Severity:    model.SeverityWarning,
		Title:       "Pressure Above Normal Range",
		Description: "Pressure reading (90PSI) exceeds normal operating range (85PSI)",
		Source:      "Behavior Analyzer",
		DeviceID:    &deviceID,
		RawData:     map[string]any{"rule": "pressure.above"},
	}
}

func TestSinkRecordPersistsPublishesNotifies(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{}
	var notified []model.Alert
	sink := NewSink(store, pub, testLogger(), notifierFunc(func(_ context.Context, a model.Alert) error {
		notified = append(notified, a)
		return nil
	}))

	alert, err := sink.Record(context.Background(), candidate())
	require.NoError(t, err)
	assert.Equal(t, int64(1), alert.ID)
	assert.False(t, alert.Acknowledged)
	assert.False(t, alert.Timestamp.IsZero())
	assert.JSONEq(t, `{"rule":"pressure.above"}`, string(alert.RawData))

	stored, err := store.ListAlerts(context.Background(), storage.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, alert, stored[0])

	require.Len(t, pub.messages, 1)
	assert.Equal(t, broadcast.TypeAlert, pub.messages[0].Type)
	assert.Equal(t, alert, pub.messages[0].Data)

	require.Len(t, notified, 1)
	assert.Equal(t, alert.ID, notified[0].ID)
}

func TestSinkNotifierFailureKeepsAlert(t *testing.T) {
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{}
	sink := NewSink(store, pub, testLogger(), notifierFunc(func(context.Context, model.Alert) error {
		return errors.New("telegram down")
	}))

	_, err := sink.Record(context.Background(), candidate())
	require.NoError(t, err)

	stored, err := store.ListAlerts(context.Background(), storage.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Len(t, pub.messages, 1)
}

func TestSinkPersistFailureSkipsBroadcast(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewSink(failingStore{}, pub, testLogger())

	_, err := sink.Record(context.Background(), candidate())
	require.Error(t, err)
	assert.Empty(t, pub.messages)
}

func TestSinkRawMessagePassthrough(t *testing.T) {
	store := storage.NewMemoryStore()
	sink := NewSink(store, nil, testLogger())

	c := candidate()
	c.RawData = json.RawMessage(`{"raw":"[**] MODBUS write"}`)
	alert, err := sink.Record(context.Background(), c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw":"[**] MODBUS write"}`, string(alert.RawData))

	c.RawData = json.RawMessage(`{broken`)
	_, err = sink.Record(context.Background(), c)
	assert.Error(t, err)
}

func TestSinkWithoutStore(t *testing.T) {
	sink := NewSink(nil, nil, testLogger())
	_, err := sink.Record(context.Background(), candidate())
	assert.ErrorIs(t, err, storage.ErrNotConfigured)
}
