package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"otsentry/internal/broadcast"
	"otsentry/internal/metrics"
	"otsentry/internal/model"
	"otsentry/internal/storage"
)

// ReadingSource produces the current samples for a device.
type ReadingSource interface {
	Read(ctx context.Context, device model.Device) ([]model.Sample, error)
}

// Analyzer classifies readings and decides on alerts.
type Analyzer interface {
	Classify(parameter string, value float64, ranges model.AcceptableRanges) model.ReadingStatus
	Evaluate(current model.Reading, prior []model.Reading, ranges model.AcceptableRanges) *model.AlertCandidate
}

// AlertRecorder persists and distributes alert candidates.
type AlertRecorder interface {
	Record(ctx context.Context, candidate model.AlertCandidate) (model.Alert, error)
}

// Options tune the poller.
type Options struct {
	// Workers bounds how many devices are polled at once.
	Workers int
	// HistoryWindow is the number of prior readings handed to the analyzer.
	HistoryWindow int
	// PollableTypes lists device types that are sampled, compared case-insensitively.
	PollableTypes []string
	// AdvisoryLockKey enables the cross-replica tick lock when non-zero.
	AdvisoryLockKey int64
}

// Deps are the collaborators of a Poller. Publisher and Locker are optional.
type Deps struct {
	Devices   storage.DeviceRegistry
	Readings  storage.ReadingStore
	Source    ReadingSource
	Analyzer  Analyzer
	Sink      AlertRecorder
	Publisher broadcast.Publisher
	Locker    storage.AdvisoryLocker
}

// Poller samples every pollable device once per tick and runs the readings
// through classification, persistence, broadcast and analysis.
type Poller struct {
	deps   Deps
	opts   Options
	types  map[string]struct{}
	keys   *keyLock
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a Poller.
func New(deps Deps, opts Options, logger zerolog.Logger) *Poller {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.HistoryWindow < 2 {
		opts.HistoryWindow = 10
	}
	if len(opts.PollableTypes) == 0 {
		opts.PollableTypes = []string{"PLC", "Sensor"}
	}
	if deps.Locker == nil && opts.AdvisoryLockKey != 0 {
		if l, ok := deps.Readings.(storage.AdvisoryLocker); ok {
			deps.Locker = l
		}
	}

	types := make(map[string]struct{}, len(opts.PollableTypes))
	for _, t := range opts.PollableTypes {
		types[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}

	return &Poller{
		deps:   deps,
		opts:   opts,
		types:  types,
		keys:   newKeyLock(),
		now:    time.Now,
		logger: logger.With().Str("component", "poller").Logger(),
	}
}

// Tick polls all pollable devices. It matches scheduler.TickFunc.
func (p *Poller) Tick(ctx context.Context, at time.Time) error {
	started := time.Now()
	outcome := metrics.OutcomeSuccess
	defer func() { metrics.ObserveTick(time.Since(started), outcome) }()

	if p.deps.Locker != nil && p.opts.AdvisoryLockKey != 0 {
		unlock, acquired, err := p.deps.Locker.TryAdvisoryLock(ctx, p.opts.AdvisoryLockKey)
		if err != nil {
			outcome = metrics.OutcomeError
			return fmt.Errorf("acquire poll lock: %w", err)
		}
		if !acquired {
			p.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
			return nil
		}
		defer unlock()
	}

	devices, err := p.deps.Devices.ListDevices(ctx)
	if err != nil {
		outcome = metrics.OutcomeError
		return fmt.Errorf("list devices: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(p.opts.Workers)

	polled := 0
	for _, device := range devices {
		if !p.Pollable(device) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		polled++
		g.Go(func() error {
			p.runDevice(ctx, device)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		outcome = metrics.OutcomeError
		return fmt.Errorf("poll tick: %w", err)
	}
	p.logger.Debug().Time("tick", at).Int("devices", polled).Dur("elapsed", time.Since(started)).Msg("tick complete")
	return nil
}

// Pollable reports whether a device is sampled.
func (p *Poller) Pollable(device model.Device) bool {
	if len(device.Parameters) == 0 {
		return false
	}
	_, ok := p.types[strings.ToLower(device.Type)]
	return ok
}

// runDevice contains any failure of one device so the rest of the tick proceeds.
func (p *Poller) runDevice(ctx context.Context, device model.Device) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncDeviceError()
			p.logger.Error().
				Int64("device_id", device.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("device task panicked")
		}
	}()

	if err := p.PollDevice(ctx, device); err != nil {
		metrics.IncDeviceError()
		p.logger.Error().Err(err).Int64("device_id", device.ID).Str("device", device.Name).Msg("device poll failed")
	}
}

// PollDevice runs one device through the pipeline. Per-reading failures are
// logged and do not stop the remaining readings; only a failed read is returned.
func (p *Poller) PollDevice(ctx context.Context, device model.Device) error {
	samples, err := p.deps.Source.Read(ctx, device)
	if err != nil {
		return fmt.Errorf("read samples: %w", err)
	}

	for _, sample := range samples {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.processSample(ctx, device, sample)
	}

	if len(samples) > 0 {
		p.refreshStatus(ctx, device.ID)
	}
	return nil
}

func (p *Poller) processSample(ctx context.Context, device model.Device, sample model.Sample) {
	log := p.logger.With().Int64("device_id", device.ID).Str("parameter", sample.ParameterName).Logger()

	unlock := p.keys.Lock(strconv.FormatInt(device.ID, 10) + "/" + sample.ParameterName)
	defer unlock()

	status := p.deps.Analyzer.Classify(sample.ParameterName, sample.Value.InexactFloat64(), device.AcceptableRanges)
	reading, err := p.deps.Readings.CreateReading(ctx, model.Reading{
		DeviceID:      device.ID,
		ParameterName: sample.ParameterName,
		Value:         sample.Value,
		Unit:          sample.Unit,
		Status:        status,
	})
	if err != nil {
		log.Error().Err(err).Str("stage", "persist").Msg("failed to store reading, skipping analysis")
		return
	}
	metrics.IncReading(reading.ParameterName, string(reading.Status))

	if p.deps.Publisher != nil {
		p.deps.Publisher.Publish(broadcast.Message{Type: broadcast.TypeSensorData, Data: reading})
	}

	deviceID := device.ID
	history, err := p.deps.Readings.ListReadings(ctx, storage.ReadingFilter{
		DeviceID:  &deviceID,
		Parameter: sample.ParameterName,
		Limit:     p.opts.HistoryWindow + 1,
	})
	if err != nil {
		log.Error().Err(err).Str("stage", "history").Msg("failed to load reading history")
		return
	}
	prior := priorReadings(history, reading.ID, p.opts.HistoryWindow)

	candidate := p.deps.Analyzer.Evaluate(reading, prior, device.AcceptableRanges)
	if candidate == nil {
		return
	}
	if p.deps.Sink == nil {
		log.Warn().Str("title", candidate.Title).Msg("anomaly detected but no alert sink configured")
		return
	}
	if _, err := p.deps.Sink.Record(ctx, *candidate); err != nil {
		log.Error().Err(err).Str("stage", "alert").Str("title", candidate.Title).Msg("failed to record alert")
	}
}

func (p *Poller) refreshStatus(ctx context.Context, deviceID int64) {
	log := p.logger.With().Int64("device_id", deviceID).Str("stage", "status").Logger()

	latest, err := p.deps.Readings.LatestReadings(ctx, &deviceID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load latest readings")
		return
	}
	if len(latest) == 0 {
		return
	}

	status := AggregateStatus(latest)
	device, err := p.deps.Devices.UpdateDeviceStatus(ctx, deviceID, status, p.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().Msg("device vanished before status update")
			return
		}
		log.Error().Err(err).Msg("failed to update device status")
		return
	}

	if p.deps.Publisher != nil {
		p.deps.Publisher.Publish(broadcast.Message{Type: broadcast.TypeDeviceStatus, Data: device})
	}
}

// AggregateStatus is the worst status across a device's latest readings.
func AggregateStatus(latest []model.Reading) model.DeviceStatus {
	status := model.DeviceOnline
	for _, r := range latest {
		switch r.Status {
		case model.ReadingCritical:
			return model.DeviceCritical
		case model.ReadingWarning:
			status = model.DeviceWarning
		}
	}
	return status
}

// priorReadings drops the just-stored reading from a newest-first history.
func priorReadings(history []model.Reading, currentID int64, window int) []model.Reading {
	prior := make([]model.Reading, 0, len(history))
	for _, r := range history {
		if r.ID == currentID {
			continue
		}
		prior = append(prior, r)
	}
	if len(prior) > window {
		prior = prior[:window]
	}
	return prior
}
