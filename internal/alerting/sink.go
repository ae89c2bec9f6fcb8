package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"otsentry/internal/broadcast"
	"otsentry/internal/metrics"
	"otsentry/internal/model"
	"otsentry/internal/storage"
)

// Sink turns alert candidates into persisted, broadcast and notified alerts.
type Sink struct {
	store     storage.AlertStore
	publisher broadcast.Publisher
	notifiers []Notifier
	now       func() time.Time
	logger    zerolog.Logger
}

// NewSink wires the alert store, the broadcast hub and any external notifiers.
// publisher may be nil when no real-time clients are served.
func NewSink(store storage.AlertStore, publisher broadcast.Publisher, logger zerolog.Logger, notifiers ...Notifier) *Sink {
	active := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &Sink{
		store:     store,
		publisher: publisher,
		notifiers: active,
		now:       time.Now,
		logger:    logger.With().Str("component", "alert_sink").Logger(),
	}
}

// Record persists exactly one alert for candidate, then broadcasts it and
// forwards it to the notifiers. Failures after the persist are logged only;
// the stored alert stands.
func (s *Sink) Record(ctx context.Context, candidate model.AlertCandidate) (model.Alert, error) {
	if s.store == nil {
		return model.Alert{}, storage.ErrNotConfigured
	}

	raw, err := encodeRawData(candidate.RawData)
	if err != nil {
		return model.Alert{}, fmt.Errorf("encode alert raw data: %w", err)
	}

	alert, err := s.store.CreateAlert(ctx, model.Alert{
		Timestamp:    s.now().UTC(),
		Severity:     candidate.Severity,
		Title:        candidate.Title,
		Description:  candidate.Description,
		Source:       candidate.Source,
		DeviceID:     candidate.DeviceID,
		RawData:      raw,
		Acknowledged: false,
	})
	if err != nil {
		return model.Alert{}, fmt.Errorf("persist alert: %w", err)
	}
	metrics.IncAlert(string(alert.Severity))

	event := s.logger.Info().
		Int64("alert_id", alert.ID).
		Str("severity", string(alert.Severity)).
		Str("title", alert.Title)
	if alert.DeviceID != nil {
		event = event.Int64("device_id", *alert.DeviceID)
	}
	event.Msg("alert recorded")

	if s.publisher != nil {
		s.publisher.Publish(broadcast.Message{Type: broadcast.TypeAlert, Data: alert})
	}

	for _, n := range s.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			metrics.IncNotification(metrics.OutcomeError)
			s.logger.Error().Err(err).Int64("alert_id", alert.ID).Msg("notification failed")
			continue
		}
		metrics.IncNotification(metrics.OutcomeSuccess)
	}

	return alert, nil
}

func encodeRawData(v any) (json.RawMessage, error) {
	switch data := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(data) > 0 && !json.Valid(data) {
			return nil, errors.New("raw data is not valid JSON")
		}
		return append(json.RawMessage(nil), data...), nil
	default:
		return json.Marshal(data)
	}
}
