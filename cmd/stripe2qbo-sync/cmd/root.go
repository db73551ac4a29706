// Package cmd provides CLI commands for stripe2qbo-sync.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "stripe2qbo-sync",
	Short: "Sync Stripe balance transactions to QuickBooks Online",
	Long: `stripe2qbo-sync is a CLI tool that mirrors Stripe balance transactions
into QuickBooks Online as invoices, payments, expenses and transfers.

It supports:
- Syncing individual transactions or a date range
- Idempotent re-runs that only create missing records
- Sync history and id mappings in SQLite
- Monthly JSONL outcome reports and signed webhook notifications

Example:
  stripe2qbo-sync sync txn_1Abc txn_2Def
  stripe2qbo-sync sync --from 2024-01-01 --to 2024-01-31
  stripe2qbo-sync stats
  stripe2qbo-sync report --year 2024`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup logging
		logLevel := slog.LevelInfo
		if debug {
			logLevel = slog.LevelDebug
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))
		slog.SetDefault(logger)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	// Add subcommands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(taxCodesCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(forgetCmd)
}

// Helper function to get config file path.
func getConfigFile() string {
	return cfgFile
}

// Helper function to handle errors and exit.
func exitOnError(err error, msg string) {
	if err != nil {
		slog.Error(msg, "error", err)
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
		os.Exit(1)
	}
}
