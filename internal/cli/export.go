package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"otsentry/internal/app"
)

var (
	exportDevice    int64
	exportParameter string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a device's reading history as CSV and/or PNG chart",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTimeFlag("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseTimeFlag("to", exportTo)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			DeviceID:  exportDevice,
			Parameter: exportParameter,
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		})
	},
}

// parseTimeFlag returns nil for an unset flag.
func parseTimeFlag(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return &ts, nil
}

func init() {
	exportCmd.Flags().Int64Var(&exportDevice, "device", 0, "Device id to export")
	exportCmd.Flags().StringVar(&exportParameter, "parameter", "", "Only export this parameter (default all)")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start of the window (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End of the window (RFC3339, exclusive, default now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write a PNG chart with one line per parameter")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV readings")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum readings to export (defaults to export.max_data_points)")
	_ = exportCmd.MarkFlagRequired("device")
}
