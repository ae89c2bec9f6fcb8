package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"otsentry/internal/app"
)

var (
	analyzeInput  string
	analyzeWindow int
	analyzeNotify bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Replay a readings CSV through the analyzer",
	RunE: func(cmd *cobra.Command, args []string) error {
		if analyzeInput == "" {
			return fmt.Errorf("--input must be provided")
		}

		opts := app.AnalyzeOptions{
			InputPath: analyzeInput,
			Window:    analyzeWindow,
			Notify:    analyzeNotify,
		}

		return getApp().Analyze(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeInput, "input", "", "CSV with timestamp, device_id, parameter, value[, unit] columns")
	analyzeCmd.Flags().IntVar(&analyzeWindow, "window", 0, "History window per parameter (defaults to poller.history_window)")
	analyzeCmd.Flags().BoolVar(&analyzeNotify, "notify", false, "Send raised alerts to the configured notifiers")
}
