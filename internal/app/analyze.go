package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"otsentry/internal/alerting"
	"otsentry/internal/model"
	"otsentry/internal/storage"
)

// Finding is one alert raised while replaying recorded readings.
type Finding struct {
	Reading model.Reading
	Alert   model.Alert
}

// Analyze replays a readings CSV (the format written by Export) through the
// analyzer and prints every alert it would have raised. Device ranges come
// from the configured registry. With Notify set, alerts also go to the
// configured notifiers.
func (a *App) Analyze(ctx context.Context, out io.Writer, opts AnalyzeOptions) error {
	file, err := os.Open(opts.InputPath)
	if err != nil {
		return fmt.Errorf("open readings: %w", err)
	}
	defer file.Close()

	readings, err := readReadingsCSV(file)
	if err != nil {
		return err
	}

	registry, closeRegistry, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRegistry()

	var notifiers []alerting.Notifier
	if opts.Notify {
		notifiers = a.newNotifiers()
		if len(notifiers) == 0 {
			return errors.New("--notify requested but no notifier is enabled")
		}
	}

	window := opts.Window
	if window < 2 {
		window = a.Config.Poller.HistoryWindow
	}
	sink := alerting.NewSink(storage.NewMemoryStore(), nil, a.Logger, notifiers...)

	findings, err := a.replay(ctx, registry, sink, readings, window)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("readings", len(readings)).Int("alerts", len(findings)).Msg("analysis complete")
	return writeFindings(out, findings)
}

// replay evaluates readings in time order, keeping a newest-first history per
// device and parameter exactly as the poller does.
func (a *App) replay(ctx context.Context, registry storage.DeviceRegistry, sink *alerting.Sink, readings []model.Reading, window int) ([]Finding, error) {
	analyze := a.newAnalyzer()
	devices := make(map[int64]model.Device)
	history := make(map[string][]model.Reading)
	var findings []Finding

	for i, reading := range readings {
		if err := ctx.Err(); err != nil {
			return findings, err
		}

		device, ok := devices[reading.DeviceID]
		if !ok {
			d, err := registry.GetDevice(ctx, reading.DeviceID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return findings, err
			}
			// unknown devices fall back to the built-in ranges
			device = d
			devices[reading.DeviceID] = device
		}

		reading.ID = int64(i + 1)
		reading.Status = analyze.Classify(reading.ParameterName, reading.Float(), device.AcceptableRanges)

		key := fmt.Sprintf("%d/%s", reading.DeviceID, reading.ParameterName)
		prior := history[key]
		if candidate := analyze.Evaluate(reading, prior, device.AcceptableRanges); candidate != nil {
			alert, err := sink.Record(ctx, *candidate)
			if err != nil {
				return findings, err
			}
			findings = append(findings, Finding{Reading: reading, Alert: alert})
		}

		prior = append([]model.Reading{reading}, prior...)
		if len(prior) > window {
			prior = prior[:window]
		}
		history[key] = prior
	}
	return findings, nil
}

// readReadingsCSV parses rows with at least timestamp, device_id, parameter
// and value columns, in any order, and returns them oldest first.
func readReadingsCSV(r io.Reader) ([]model.Reading, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"timestamp", "device_id", "parameter", "value"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("csv is missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var readings []model.Reading
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}

		ts, err := time.Parse(time.RFC3339Nano, field(record, "timestamp"))
		if err != nil {
			return nil, fmt.Errorf("line %d: parse timestamp: %w", line, err)
		}
		deviceID, err := strconv.ParseInt(field(record, "device_id"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parse device_id: %w", line, err)
		}
		value, err := decimal.NewFromString(field(record, "value"))
		if err != nil {
			return nil, fmt.Errorf("line %d: parse value: %w", line, err)
		}
		parameter := field(record, "parameter")
		if parameter == "" {
			return nil, fmt.Errorf("line %d: empty parameter", line)
		}

		readings = append(readings, model.Reading{
			DeviceID:      deviceID,
			ParameterName: parameter,
			Value:         value,
			Unit:          field(record, "unit"),
			Timestamp:     ts.UTC(),
		})
	}

	sort.SliceStable(readings, func(i, j int) bool { return readings[i].Timestamp.Before(readings[j].Timestamp) })
	return readings, nil
}

func writeFindings(out io.Writer, findings []Finding) error {
	if len(findings) == 0 {
		_, err := fmt.Fprintln(out, "no alerts raised")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Reading Time (UTC)\tDevice\tParameter\tValue\tSeverity\tTitle\tDescription")
	for _, f := range findings {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			f.Reading.Timestamp.Format(time.RFC3339),
			f.Reading.DeviceID,
			f.Reading.ParameterName,
			f.Reading.Value.String(),
			f.Alert.Severity,
			sanitizeInline(f.Alert.Title),
			sanitizeInline(f.Alert.Description),
		)
	}
	return writer.Flush()
}
