package cli

import (
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List registered devices with their latest readings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowDevices(cmd.Context(), cmd.OutOrStdout())
	},
}
