package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"voltchain/internal/app"
	"voltchain/internal/config"
	"voltchain/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "voltchain",
	Short:         "Ingest signed energy telemetry, reconcile it to a ledger and settle sales",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd.Name() == versionCmd.Name() {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(readingsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(saleCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(settleCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
