package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"otsentry/internal/app"
)

var (
	alertsLimit          int
	alertsUnacknowledged bool
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.AlertsOptions{
			Limit:              alertsLimit,
			UnacknowledgedOnly: alertsUnacknowledged,
		}

		return getApp().ShowAlerts(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid alert id %q", args[0])
		}
		return getApp().Acknowledge(cmd.Context(), cmd.OutOrStdout(), id)
	},
}

func init() {
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
	alertsCmd.Flags().BoolVar(&alertsUnacknowledged, "unacknowledged", false, "Only show alerts that are not acknowledged")
}
