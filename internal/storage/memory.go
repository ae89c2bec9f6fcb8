package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"otsentry/internal/model"
)

// MemoryStore is a process-local Repository used when no database is configured.
type MemoryStore struct {
	mu         sync.RWMutex
	now        func() time.Time
	devices    map[int64]model.Device
	readings   []model.Reading
	alerts     []model.Alert
	attackLogs []model.AttackLog
	seq        struct{ device, reading, alert, attack int64 }
}

// NewMemoryStore returns a store holding the given devices. IDs are assigned
// in order when a device has none.
func NewMemoryStore(devices ...model.Device) *MemoryStore {
	s := &MemoryStore{
		now:     time.Now,
		devices: make(map[int64]model.Device, len(devices)),
	}
	for _, device := range devices {
		s.AddDevice(device)
	}
	return s
}

// AddDevice registers a device and returns it with its assigned ID.
func (s *MemoryStore) AddDevice(device model.Device) model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device.ID == 0 {
		s.seq.device++
		device.ID = s.seq.device
	} else if device.ID > s.seq.device {
		s.seq.device = device.ID
	}
	if device.Status == "" {
		device.Status = model.DeviceUnknown
	}
	s.devices[device.ID] = cloneDevice(device)
	return cloneDevice(device)
}

// GetDevice implements DeviceRegistry.
func (s *MemoryStore) GetDevice(_ context.Context, id int64) (model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[id]
	if !ok {
		return model.Device{}, fmt.Errorf("get device %d: %w", id, ErrNotFound)
	}
	return cloneDevice(device), nil
}

// ListDevices implements DeviceRegistry, ordered by ID.
func (s *MemoryStore) ListDevices(_ context.Context) ([]model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Device, 0, len(s.devices))
	for _, device := range s.devices {
		out = append(out, cloneDevice(device))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateDeviceStatus implements DeviceRegistry.
func (s *MemoryStore) UpdateDeviceStatus(_ context.Context, id int64, status model.DeviceStatus, seen time.Time) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[id]
	if !ok {
		return model.Device{}, fmt.Errorf("update device %d: %w", id, ErrNotFound)
	}
	device.Status = status
	if !seen.IsZero() {
		ts := seen
		device.LastSeen = &ts
	}
	s.devices[id] = device
	return cloneDevice(device), nil
}

// CreateReading implements ReadingStore.
func (s *MemoryStore) CreateReading(_ context.Context, reading model.Reading) (model.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq.reading++
	reading.ID = s.seq.reading
	if reading.Timestamp.IsZero() {
		reading.Timestamp = s.now().UTC()
	}
	if reading.Status == "" {
		reading.Status = model.ReadingNormal
	}
	s.readings = append(s.readings, reading)
	return reading, nil
}

// ListReadings implements ReadingStore.
func (s *MemoryStore) ListReadings(_ context.Context, filter ReadingFilter) ([]model.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Reading, 0)
	for i := len(s.readings) - 1; i >= 0; i-- {
		reading := s.readings[i]
		if !matchReading(reading, filter) {
			continue
		}
		out = append(out, reading)
	}
	sortReadingsNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// LatestReadings implements ReadingStore: the newest reading per device and parameter.
func (s *MemoryStore) LatestReadings(ctx context.Context, deviceID *int64) ([]model.Reading, error) {
	all, err := s.ListReadings(ctx, ReadingFilter{DeviceID: deviceID})
	if err != nil {
		return nil, err
	}

	type key struct {
		device int64
		param  string
	}
	seen := make(map[key]struct{})
	out := make([]model.Reading, 0)
	for _, reading := range all {
		k := key{reading.DeviceID, reading.ParameterName}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, reading)
	}
	return out, nil
}

// CreateAlert implements AlertStore. New alerts are always unacknowledged.
func (s *MemoryStore) CreateAlert(_ context.Context, alert model.Alert) (model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq.alert++
	alert.ID = s.seq.alert
	alert.Acknowledged = false
	if alert.Timestamp.IsZero() {
		alert.Timestamp = s.now().UTC()
	}
	alert.RawData = cloneRaw(alert.RawData)
	s.alerts = append(s.alerts, alert)
	return cloneAlert(alert), nil
}

// ListAlerts implements AlertStore, newest first.
func (s *MemoryStore) ListAlerts(_ context.Context, filter AlertFilter) ([]model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Alert, 0)
	for i := len(s.alerts) - 1; i >= 0; i-- {
		alert := s.alerts[i]
		if filter.Acknowledged != nil && alert.Acknowledged != *filter.Acknowledged {
			continue
		}
		out = append(out, cloneAlert(alert))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AcknowledgeAlert implements AlertStore. Acknowledging twice is a no-op.
func (s *MemoryStore) AcknowledgeAlert(_ context.Context, id int64) (model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID != id {
			continue
		}
		s.alerts[i].Acknowledged = true
		return cloneAlert(s.alerts[i]), nil
	}
	return model.Alert{}, fmt.Errorf("acknowledge alert %d: %w", id, ErrNotFound)
}

// CreateAttackLog implements AttackLogStore.
func (s *MemoryStore) CreateAttackLog(_ context.Context, entry model.AttackLog) (model.AttackLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq.attack++
	entry.ID = s.seq.attack
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	entry.Parameters = cloneRaw(entry.Parameters)
	s.attackLogs = append(s.attackLogs, entry)
	return entry, nil
}

// ListAttackLogs implements AttackLogStore, newest first.
func (s *MemoryStore) ListAttackLogs(_ context.Context, limit int) ([]model.AttackLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AttackLog, 0, len(s.attackLogs))
	for i := len(s.attackLogs) - 1; i >= 0; i-- {
		entry := s.attackLogs[i]
		entry.Parameters = cloneRaw(entry.Parameters)
		out = append(out, entry)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchReading(reading model.Reading, filter ReadingFilter) bool {
	if filter.DeviceID != nil && reading.DeviceID != *filter.DeviceID {
		return false
	}
	if filter.Parameter != "" && reading.ParameterName != filter.Parameter {
		return false
	}
	if !filter.Since.IsZero() && reading.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && !reading.Timestamp.Before(filter.Until) {
		return false
	}
	return true
}

func sortReadingsNewestFirst(readings []model.Reading) {
	sort.SliceStable(readings, func(i, j int) bool {
		if readings[i].Timestamp.Equal(readings[j].Timestamp) {
			return readings[i].ID > readings[j].ID
		}
		return readings[i].Timestamp.After(readings[j].Timestamp)
	})
}

func cloneDevice(device model.Device) model.Device {
	if device.LastSeen != nil {
		ts := *device.LastSeen
		device.LastSeen = &ts
	}
	device.Parameters = append([]model.ParameterSpec(nil), device.Parameters...)
	if device.AcceptableRanges.Parameters != nil {
		params := make(map[string]model.Range, len(device.AcceptableRanges.Parameters))
		for name, rng := range device.AcceptableRanges.Parameters {
			params[name] = rng
		}
		device.AcceptableRanges.Parameters = params
	}
	return device
}

func cloneAlert(alert model.Alert) model.Alert {
	alert.RawData = cloneRaw(alert.RawData)
	if alert.DeviceID != nil {
		id := *alert.DeviceID
		alert.DeviceID = &id
	}
	return alert
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	return append([]byte(nil), raw...)
}

var _ Repository = (*MemoryStore)(nil)
