package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/config"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/db"
)

// forgetCmd removes local sync state of transactions.
var forgetCmd = &cobra.Command{
	Use:   "forget <txn-id>...",
	Short: "Forget the local sync state of transactions",
	Long: `Delete the sync history of transactions and the local mappings of the
QBO records created for them.

Records are not deleted from QBO. The next sync looks them up by the Stripe
id in their private note, so run this after deleting or editing records in
QBO that should be created again.

Example:
  stripe2qbo-sync forget txn_1Abc`,
	Args: cobra.MinimumNArgs(1),
	Run:  runForget,
}

func runForget(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	cfg, err := config.Load(getConfigFile())
	exitOnError(err, "failed to load configuration")

	if err := cfg.Validate([]string{"sync", "dataRoot"}); err != nil {
		exitOnError(err, "invalid configuration")
	}

	conn, err := db.Open(cfg.Paths().GetDatabasePath())
	exitOnError(err, "failed to open database")
	defer conn.Close()

	history := db.NewSyncHistory(conn)
	artifacts := db.NewArtifactStore(conn)

	for _, id := range args {
		forgotten, err := db.ForgetTransaction(ctx, history, artifacts, id)
		exitOnError(err, "failed to forget "+id)
		if !forgotten {
			fmt.Printf("%s: not synced\n", id)
			continue
		}
		slog.Info("Forgot transaction", "transaction_id", id)
		fmt.Printf("%s: forgotten\n", id)
	}
}
