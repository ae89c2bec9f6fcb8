package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"otsentry/internal/model"
	"otsentry/internal/storage"
)

// ShowAlerts prints recent alerts, newest first.
func (a *App) ShowAlerts(ctx context.Context, out io.Writer, opts AlertsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	filter := storage.AlertFilter{Limit: opts.Limit}
	if opts.UnacknowledgedOnly {
		unacked := false
		filter.Acknowledged = &unacked
	}
	alerts, err := store.ListAlerts(ctx, filter)
	if err != nil {
		return err
	}
	return writeAlertTable(out, alerts)
}

// Acknowledge marks one alert as handled and prints it.
func (a *App) Acknowledge(ctx context.Context, out io.Writer, id int64) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	alert, err := store.AcknowledgeAlert(ctx, id)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("alert_id", alert.ID).Msg("alert acknowledged")
	return writeAlertTable(out, []model.Alert{alert})
}

func writeAlertTable(out io.Writer, alerts []model.Alert) error {
	if len(alerts) == 0 {
		_, err := fmt.Fprintln(out, "no alerts found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTime (UTC)\tSeverity\tDevice\tAck\tTitle\tDescription")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%t\t%s\t%s\n",
			alert.ID,
			alert.Timestamp.UTC().Format(time.RFC3339),
			alert.Severity,
			formatDevice(alert.DeviceID),
			alert.Acknowledged,
			sanitizeInline(alert.Title),
			sanitizeInline(alert.Description),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}

// ShowDevices prints the device registry with each device's latest readings.
// Without a database the configured plant is shown as it starts.
func (a *App) ShowDevices(ctx context.Context, out io.Writer) error {
	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	devices, err := repo.ListDevices(ctx)
	if err != nil {
		return err
	}
	latest, err := repo.LatestReadings(ctx, nil)
	if err != nil {
		return err
	}
	return writeDeviceTable(out, devices, latest)
}

func writeDeviceTable(out io.Writer, devices []model.Device, latest []model.Reading) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(out, "no devices registered")
		return err
	}

	byDevice := make(map[int64][]string, len(devices))
	for _, r := range latest {
		byDevice[r.DeviceID] = append(byDevice[r.DeviceID], fmt.Sprintf("%s=%s%s", r.ParameterName, r.Value.String(), r.Unit))
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tType\tEndpoint\tStatus\tLast Seen (UTC)\tLatest")
	for _, device := range devices {
		lastSeen := "-"
		if device.LastSeen != nil {
			lastSeen = device.LastSeen.UTC().Format(time.RFC3339)
		}
		values := byDevice[device.ID]
		sort.Strings(values)
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			device.ID,
			sanitizeInline(device.Name),
			device.Type,
			fmt.Sprintf("%s://%s:%d", strings.ToLower(device.Protocol), device.IPAddress, device.Port),
			device.Status,
			lastSeen,
			strings.Join(values, " "),
		)
	}
	return writer.Flush()
}
