package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"otsentry/internal/model"
	"otsentry/internal/storage"
)

var readingsCSVHeader = []string{"timestamp", "device_id", "parameter", "value", "unit", "status"}

// Export renders one device's reading history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.DeviceID <= 0 {
		return errors.New("--device must be a positive device id")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Poller.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	deviceID := opts.DeviceID
	readings, err := store.ListReadings(ctx, storage.ReadingFilter{
		DeviceID:  &deviceID,
		Parameter: opts.Parameter,
		Since:     from,
		Until:     to,
	})
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		a.Logger.Info().Int64("device_id", deviceID).Msg("no readings found for export window")
		return nil
	}

	slices.Reverse(readings)
	downsampled := downsampleReadings(readings, opts.MaxPoints)
	a.Logger.Info().Int("total", len(readings)).Int("exported", len(downsampled)).Msg("exporting readings")

	if opts.CSVPath != "" {
		if err := writeReadingsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		title := fmt.Sprintf("Device %d", deviceID)
		if device, err := store.GetDevice(ctx, deviceID); err == nil {
			title = device.Name
		}
		if err := writeReadingsPNG(opts.PNGPath, title, downsampled); err != nil {
			return err
		}
	}
	return nil
}

// downsampleReadings keeps at most max evenly spaced readings per parameter.
func downsampleReadings(readings []model.Reading, max int) []model.Reading {
	if max <= 0 || len(readings) <= max {
		return readings
	}

	byParam := groupByParameter(readings)
	perParam := max / len(byParam)
	if perParam < 2 {
		perParam = 2
	}

	result := make([]model.Reading, 0, max)
	for _, name := range sortedKeys(byParam) {
		result = append(result, downsample(byParam[name], perParam)...)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result
}

func downsample(readings []model.Reading, max int) []model.Reading {
	if len(readings) <= max {
		return readings
	}
	result := make([]model.Reading, 0, max)
	step := float64(len(readings)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(readings) {
			idx = len(readings) - 1
		}
		result = append(result, readings[idx])
	}
	return result
}

func writeReadingsCSV(path string, readings []model.Reading) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(readingsCSVHeader); err != nil {
		return err
	}
	for _, reading := range readings {
		record := []string{
			reading.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(reading.DeviceID, 10),
			reading.ParameterName,
			reading.Value.String(),
			reading.Unit,
			string(reading.Status),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeReadingsPNG(path, title string, readings []model.Reading) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	byParam := groupByParameter(readings)
	series := make([]chart.Series, 0, len(byParam))
	for _, name := range sortedKeys(byParam) {
		points := byParam[name]
		if len(points) < 2 {
			continue
		}
		x := make([]time.Time, len(points))
		y := make([]float64, len(points))
		for i, reading := range points {
			x[i] = reading.Timestamp
			y[i] = reading.Float()
		}
		label := name
		if unit := points[0].Unit; unit != "" {
			label = fmt.Sprintf("%s (%s)", name, unit)
		}
		series = append(series, chart.TimeSeries{Name: label, XValues: x, YValues: y})
	}
	if len(series) == 0 {
		return errors.New("at least two readings per parameter are needed for a chart")
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Value",
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func groupByParameter(readings []model.Reading) map[string][]model.Reading {
	out := make(map[string][]model.Reading)
	for _, reading := range readings {
		out[reading.ParameterName] = append(out[reading.ParameterName], reading)
	}
	return out
}

func sortedKeys(m map[string][]model.Reading) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
