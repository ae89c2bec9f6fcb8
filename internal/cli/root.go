package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"otsentry/internal/app"
	"otsentry/internal/config"
	"otsentry/internal/logging"
)

var (
	cfgFile     string
	logLevel    string
	databaseDSN string
	appHandle   *app.App
)

var rootCmd = &cobra.Command{
	Use:          "otsentry",
	Short:        "Analyze OT sensor readings and distribute anomaly alerts",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd == versionCmd {
			return nil
		}
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if databaseDSN != "" {
			cfg.Database.DSN = databaseDSN
		}

		logger := logging.NewLogger(cfg.Logging)
		logger.Debug().Str("command", cmd.Name()).Str("source", cfg.Source.Kind).Bool("database", cfg.Database.DSN != "").Msg("configuration loaded")
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	rootCmd.PersistentFlags().StringVar(&databaseDSN, "dsn", "", "Override database.dsn (PostgreSQL connection string)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(ackCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
