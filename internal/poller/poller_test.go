package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otsentry/internal/alerting"
	"otsentry/internal/analyzer"
	"otsentry/internal/broadcast"
	"otsentry/internal/model"
	"otsentry/internal/storage"
)

type sourceFunc func(ctx context.Context, device model.Device) ([]model.Sample, error)

func (f sourceFunc) Read(ctx context.Context, device model.Device) ([]model.Sample, error) {
	return f(ctx, device)
}

// scripted returns the next queued value per device and parameter.
type scripted struct {
	mu     sync.Mutex
	values map[string][]int64
}

func (s *scripted) Read(_ context.Context, device model.Device) ([]model.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Sample, 0, len(device.Parameters))
	for _, p := range device.Parameters {
		key := device.Name + "/" + p.Name
		queue := s.values[key]
		if len(queue) == 0 {
			continue
		}
		out = append(out, model.Sample{ParameterName: p.Name, Value: decimal.NewFromInt(queue[0]), Unit: p.Unit})
		s.values[key] = queue[1:]
	}
	return out, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []broadcast.Message
}

func (p *recordingPublisher) Publish(msg broadcast.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *recordingPublisher) ofType(t broadcast.MessageType) []broadcast.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []broadcast.Message
	for _, m := range p.messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	store  *storage.MemoryStore
	pub    *recordingPublisher
	poller *Poller
}

func newHarness(t *testing.T, source ReadingSource, devices ...model.Device) *harness {
	t.Helper()
	store := storage.NewMemoryStore(devices...)
	pub := &recordingPublisher{}
	sink := alerting.NewSink(store, pub, zerolog.Nop())
	p := New(Deps{
		Devices:   store,
		Readings:  store,
		Source:    source,
		Analyzer:  analyzer.New(analyzer.Options{}),
		Sink:      sink,
		Publisher: pub,
	}, Options{Workers: 2, HistoryWindow: 5}, zerolog.Nop())
	return &harness{store: store, pub: pub, poller: p}
}

func boiler() model.Device {
	return model.Device{
		Name:             "Boiler Pressure Sensor",
		Type:             "Sensor",
		AcceptableRanges: model.AcceptableRanges{Range: model.Range{Min: model.Float(55), Max: model.Float(85)}},
		Parameters:       []model.ParameterSpec{{Name: "pressure", Unit: "PSI"}},
	}
}

func mainPLC() model.Device {
	return model.Device{
		Name: "Main Control PLC",
		Type: "plc",
		Parameters: []model.ParameterSpec{
			{Name: "flow_rate", Unit: "L/min"},
			{Name: "tank_level", Unit: "%"},
		},
	}
}

func tickN(t *testing.T, p *Poller, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, p.Tick(context.Background(), time.Now()))
	}
}

func TestTickRaisesAlertAfterHistory(t *testing.T) {
	src := &scripted{values: map[string][]int64{"Boiler Pressure Sensor/pressure": {70, 72, 90}}}
	h := newHarness(t, src, boiler())

	tickN(t, h.poller, 2)
	assert.Empty(t, h.pub.ofType(broadcast.TypeAlert), "no alert without two prior readings")

	tickN(t, h.poller, 1)

	alerts, err := h.store.ListAlerts(context.Background(), storage.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "Pressure reading (90PSI) exceeds normal operating range (85PSI)", alerts[0].Description)
	assert.Equal(t, "Behavior Analyzer", alerts[0].Source)
	require.NotNil(t, alerts[0].DeviceID)
	assert.Equal(t, int64(1), *alerts[0].DeviceID)

	readings, err := h.store.ListReadings(context.Background(), storage.ReadingFilter{})
	require.NoError(t, err)
	require.Len(t, readings, 3)
	assert.Equal(t, model.ReadingWarning, readings[0].Status)
	assert.Equal(t, model.ReadingNormal, readings[1].Status)

	assert.Len(t, h.pub.ofType(broadcast.TypeSensorData), 3)
	assert.Len(t, h.pub.ofType(broadcast.TypeAlert), 1)

	statuses := h.pub.ofType(broadcast.TypeDeviceStatus)
	require.Len(t, statuses, 3)
	last := statuses[2].Data.(model.Device)
	assert.Equal(t, model.DeviceWarning, last.Status)
	assert.NotNil(t, last.LastSeen)
}

func TestSensorDataPublishedBeforeAlert(t *testing.T) {
	src := &scripted{values: map[string][]int64{"Boiler Pressure Sensor/pressure": {70, 72, 96}}}
	h := newHarness(t, src, boiler())
	tickN(t, h.poller, 3)

	var order []broadcast.MessageType
	for _, m := range h.pub.messages {
		order = append(order, m.Type)
	}
	require.Len(t, order, 7)
	assert.Equal(t, []broadcast.MessageType{broadcast.TypeSensorData, broadcast.TypeAlert, broadcast.TypeDeviceStatus}, order[4:])

	alert := h.pub.ofType(broadcast.TypeAlert)[0].Data.(model.Alert)
	assert.Equal(t, model.SeverityCritical, alert.Severity)
}

func TestPriorExcludesCurrentReading(t *testing.T) {
	src := &scripted{values: map[string][]int64{"Boiler Pressure Sensor/pressure": {70, 90}}}
	h := newHarness(t, src, boiler())
	tickN(t, h.poller, 2)

	assert.Empty(t, h.pub.ofType(broadcast.TypeAlert), "one prior reading must not be enough")
}

type failingReadings struct {
	*storage.MemoryStore
	failParam string
}

func (f failingReadings) CreateReading(ctx context.Context, r model.Reading) (model.Reading, error) {
	if r.ParameterName == f.failParam {
		return model.Reading{}, errors.New("insert failed")
	}
	return f.MemoryStore.CreateReading(ctx, r)
}

func TestPersistFailureSkipsOnlyThatReading(t *testing.T) {
	store := storage.NewMemoryStore(mainPLC())
	pub := &recordingPublisher{}
	src := &scripted{values: map[string][]int64{
		"Main Control PLC/flow_rate":  {50, 50, 50},
		"Main Control PLC/tank_level": {50, 50, 96},
	}}
	p := New(Deps{
		Devices:   store,
		Readings:  failingReadings{MemoryStore: store, failParam: "flow_rate"},
		Source:    src,
		Analyzer:  analyzer.New(analyzer.Options{}),
		Sink:      alerting.NewSink(store, pub, zerolog.Nop()),
		Publisher: pub,
	}, Options{}, zerolog.Nop())

	tickN(t, p, 3)

	readings, err := store.ListReadings(context.Background(), storage.ReadingFilter{})
	require.NoError(t, err)
	assert.Len(t, readings, 3)
	for _, r := range readings {
		assert.Equal(t, "tank_level", r.ParameterName)
	}

	alerts := pub.ofType(broadcast.TypeAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Tank Level Above Normal Range", alerts[0].Data.(model.Alert).Title)
}

func TestPanickingDeviceIsIsolated(t *testing.T) {
	var calls atomic.Int32
	src := sourceFunc(func(_ context.Context, d model.Device) ([]model.Sample, error) {
		calls.Add(1)
		if d.Name == "Main Control PLC" {
			panic("driver bug")
		}
		return []model.Sample{{ParameterName: "pressure", Value: decimal.NewFromInt(70), Unit: "PSI"}}, nil
	})
	h := newHarness(t, src, mainPLC(), boiler())

	require.NoError(t, h.poller.Tick(context.Background(), time.Now()))
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, h.pub.ofType(broadcast.TypeSensorData), 1)
}

func TestReadErrorIsIsolated(t *testing.T) {
	src := sourceFunc(func(_ context.Context, d model.Device) ([]model.Sample, error) {
		if d.Name == "Main Control PLC" {
			return nil, errors.New("timeout")
		}
		return []model.Sample{{ParameterName: "pressure", Value: decimal.NewFromInt(70), Unit: "PSI"}}, nil
	})
	h := newHarness(t, src, mainPLC(), boiler())

	require.NoError(t, h.poller.Tick(context.Background(), time.Now()))
	assert.Len(t, h.pub.ofType(broadcast.TypeSensorData), 1)
}

func TestPollableFilter(t *testing.T) {
	h := newHarness(t, &scripted{}, mainPLC())
	p := h.poller

	assert.True(t, p.Pollable(mainPLC()), "type match is case-insensitive")
	assert.True(t, p.Pollable(boiler()))
	assert.False(t, p.Pollable(model.Device{Type: "Gateway", Parameters: []model.ParameterSpec{{Name: "x"}}}))
	assert.False(t, p.Pollable(model.Device{Type: "PLC"}), "devices without parameters are skipped")
}

type vanishingDevices struct {
	*storage.MemoryStore
}

func (vanishingDevices) UpdateDeviceStatus(context.Context, int64, model.DeviceStatus, time.Time) (model.Device, error) {
	return model.Device{}, storage.ErrNotFound
}

func TestDeviceLookupFailureSkipsStatus(t *testing.T) {
	store := storage.NewMemoryStore(boiler())
	pub := &recordingPublisher{}
	src := &scripted{values: map[string][]int64{"Boiler Pressure Sensor/pressure": {70}}}
	p := New(Deps{
		Devices:   vanishingDevices{store},
		Readings:  store,
		Source:    src,
		Analyzer:  analyzer.New(analyzer.Options{}),
		Publisher: pub,
	}, Options{}, zerolog.Nop())

	tickN(t, p, 1)
	assert.Len(t, pub.ofType(broadcast.TypeSensorData), 1)
	assert.Empty(t, pub.ofType(broadcast.TypeDeviceStatus))
}

type stubLocker struct {
	acquired bool
	calls    int
}

func (s *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	s.calls++
	if !s.acquired {
		return nil, false, nil
	}
	return func() {}, true, nil
}

func TestAdvisoryLockHeldElsewhereSkipsTick(t *testing.T) {
	store := storage.NewMemoryStore(boiler())
	locker := &stubLocker{}
	var reads atomic.Int32
	p := New(Deps{
		Devices:  store,
		Readings: store,
		Source: sourceFunc(func(context.Context, model.Device) ([]model.Sample, error) {
			reads.Add(1)
			return nil, nil
		}),
		Analyzer: analyzer.New(analyzer.Options{}),
		Locker:   locker,
	}, Options{AdvisoryLockKey: 99}, zerolog.Nop())

	tickN(t, p, 1)
	assert.Equal(t, 1, locker.calls)
	assert.Equal(t, int32(0), reads.Load())

	locker.acquired = true
	tickN(t, p, 1)
	assert.Equal(t, int32(1), reads.Load())
}

func TestTickReturnsContextError(t *testing.T) {
	h := newHarness(t, &scripted{}, boiler())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.poller.Tick(ctx, time.Now()), context.Canceled)
}

func TestAggregateStatus(t *testing.T) {
	r := func(s model.ReadingStatus) model.Reading { return model.Reading{Status: s} }

	assert.Equal(t, model.DeviceOnline, AggregateStatus([]model.Reading{r(model.ReadingNormal)}))
	assert.Equal(t, model.DeviceWarning, AggregateStatus([]model.Reading{r(model.ReadingNormal), r(model.ReadingWarning)}))
	assert.Equal(t, model.DeviceCritical, AggregateStatus([]model.Reading{r(model.ReadingWarning), r(model.ReadingCritical), r(model.ReadingNormal)}))
}

func TestPriorReadings(t *testing.T) {
	history := []model.Reading{{ID: 9}, {ID: 8}, {ID: 7}, {ID: 6}}
	prior := priorReadings(history, 9, 2)
	require.Len(t, prior, 2)
	assert.Equal(t, int64(8), prior[0].ID)
	assert.Equal(t, int64(7), prior[1].ID)
}

func TestKeyLockSerializesPerKey(t *testing.T) {
	k := newKeyLock()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("1/pressure")
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, k.size())

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())
	unlockA()
	unlockB()
}

func TestSlowDeviceDoesNotStallOthers(t *testing.T) {
	gate := make(chan struct{})
	slowStarted := make(chan struct{})
	source := sourceFunc(func(ctx context.Context, device model.Device) ([]model.Sample, error) {
		if device.Name == boiler().Name {
			close(slowStarted)
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return []model.Sample{{ParameterName: "pressure", Value: decimal.NewFromInt(70), Unit: "PSI"}}, nil
		}
		return []model.Sample{
			{ParameterName: "flow_rate", Value: decimal.NewFromInt(45), Unit: "L/min"},
			{ParameterName: "tank_level", Value: decimal.NewFromInt(60), Unit: "%"},
		}, nil
	})
	h := newHarness(t, source, boiler(), mainPLC())

	done := make(chan error, 1)
	go func() { done <- h.poller.Tick(context.Background(), time.Now()) }()
	<-slowStarted

	plcID := int64(2)
	require.Eventually(t, func() bool {
		readings, err := h.store.ListReadings(context.Background(), storage.ReadingFilter{DeviceID: &plcID})
		return err == nil && len(readings) == 2 && len(h.pub.ofType(broadcast.TypeDeviceStatus)) == 1
	}, time.Second, time.Millisecond, "healthy device should finish while the slow one is blocked")

	select {
	case err := <-done:
		t.Fatalf("tick finished before the slow device: %v", err)
	default:
	}

	close(gate)
	require.NoError(t, <-done)

	boilerID := int64(1)
	readings, err := h.store.ListReadings(context.Background(), storage.ReadingFilter{DeviceID: &boilerID})
	require.NoError(t, err)
	assert.Len(t, readings, 1)
	assert.Len(t, h.pub.ofType(broadcast.TypeDeviceStatus), 2)
}
