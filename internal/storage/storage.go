package storage

import (
	"context"
	"errors"
	"time"

	"otsentry/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a device, alert or log does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// ReadingFilter narrows a reading query. Zero values mean "any".
type ReadingFilter struct {
	DeviceID  *int64
	Parameter string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// AlertFilter narrows an alert query.
type AlertFilter struct {
	Acknowledged *bool
	Limit        int
}

// DeviceRegistry exposes the monitored devices.
type DeviceRegistry interface {
	GetDevice(ctx context.Context, id int64) (model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
	UpdateDeviceStatus(ctx context.Context, id int64, status model.DeviceStatus, seen time.Time) (model.Device, error)
}

// ReadingStore persists sensor readings. Listings are newest first.
type ReadingStore interface {
	CreateReading(ctx context.Context, reading model.Reading) (model.Reading, error)
	ListReadings(ctx context.Context, filter ReadingFilter) ([]model.Reading, error)
	LatestReadings(ctx context.Context, deviceID *int64) ([]model.Reading, error)
}

// AlertStore persists alerts. Acknowledged is the only mutable field.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert model.Alert) (model.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64) (model.Alert, error)
}

// AttackLogStore persists attack simulation logs.
type AttackLogStore interface {
	CreateAttackLog(ctx context.Context, entry model.AttackLog) (model.AttackLog, error)
	ListAttackLogs(ctx context.Context, limit int) ([]model.AttackLog, error)
}

// Repository is the full persistence surface the application wires.
type Repository interface {
	DeviceRegistry
	ReadingStore
	AlertStore
	AttackLogStore
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
