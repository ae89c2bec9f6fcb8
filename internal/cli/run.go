package cli

import (
	"github.com/spf13/cobra"
)

var (
	runAddr   string
	runSource string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll devices, analyze readings and serve real-time alerts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runAddr != "" {
			a.Config.HTTP.Addr = runAddr
		}
		if runSource != "" {
			a.Config.Source.Kind = runSource
			if err := a.Config.Validate(); err != nil {
				return err
			}
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runAddr, "listen", "", "Override http.addr for the API and websocket server")
	runCmd.Flags().StringVar(&runSource, "source", "", "Override source.kind (simulated, mqtt or gateway)")
}
