package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/config"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/db"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/syncer"
)

var showFailed int

// statsCmd represents the stats command.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display sync statistics",
	Long: `Display statistics about synced transactions.

Shows:
- Number of transactions per status
- Number of remembered QBO records
- Last run id and sync timestamp
- The most recent failures with --failed

Example:
  stripe2qbo-sync stats
  stripe2qbo-sync stats --failed 20`,
	Run: runStats,
}

func init() {
	statsCmd.Flags().IntVar(&showFailed, "failed", 0, "List up to N failed transactions")
}

func runStats(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	slog.Info("Loading configuration")

	// Load configuration
	cfg, err := config.Load(getConfigFile())
	exitOnError(err, "failed to load configuration")

	// Validate required fields
	if err := cfg.Validate([]string{"sync", "dataRoot"}); err != nil {
		exitOnError(err, "invalid configuration")
	}

	// Open database connection
	dbPath := cfg.Paths().GetDatabasePath()
	slog.Debug("Opening database", "path", dbPath)

	conn, err := db.Open(dbPath)
	exitOnError(err, "failed to open database")
	defer conn.Close()

	syncHistory := db.NewSyncHistory(conn)

	// Get statistics
	stats, err := syncHistory.GetStats(ctx)
	exitOnError(err, "failed to get statistics")

	// Display statistics
	fmt.Println("\n=== Sync Statistics ===")
	fmt.Printf("Total transactions:  %d\n", stats.Total)

	statuses := make([]string, 0, len(stats.ByStatus))
	for status := range stats.ByStatus {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Printf("  %-18s %d\n", status+":", stats.ByStatus[syncer.Status(status)])
	}

	fmt.Printf("Remembered records:  %d\n", stats.Artifacts)

	if stats.LastSync.Valid {
		fmt.Printf("Last run:            %s\n", stats.LastRunID)
		fmt.Printf("Last sync:           %s\n", stats.LastSync.String)
	} else {
		fmt.Printf("Last sync:           (never)\n")
	}

	if showFailed > 0 {
		failed, err := syncHistory.GetSyncRecordsByStatus(ctx, syncer.StatusFailed, showFailed)
		exitOnError(err, "failed to list failed transactions")

		fmt.Println("\n=== Failed Transactions ===")
		for _, rec := range failed {
			fmt.Printf("%s  %-10s %s\n", rec.ID, rec.Type, rec.FailureReason)
		}
	}

	fmt.Println()

	slog.Info("Statistics displayed successfully")
}
