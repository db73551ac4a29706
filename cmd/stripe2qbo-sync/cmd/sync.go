package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/batch"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/config"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/db"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/idempotency"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/notify"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/report"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/settings"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/stripetxn"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/syncer"
)

var (
	dateFrom    string
	dateTo      string
	txnType     string
	concurrency int
)

// syncCmd represents the sync command.
var syncCmd = &cobra.Command{
	Use:   "sync [transaction-id...]",
	Short: "Sync Stripe balance transactions to QBO",
	Long: `Sync Stripe balance transactions into QuickBooks Online.

This command:
1. Lists balance transactions in the date range, or takes ids as arguments
2. Fetches each transaction with its charge, customer, invoice or payout
3. Creates the missing QBO invoice, payment, expense or transfer
4. Records every outcome in SQLite and the monthly report
5. Posts terminal outcomes to NOTIFY_URL when configured

Example:
  stripe2qbo-sync sync txn_1Abc
  stripe2qbo-sync sync --from 2024-01-01 --to 2024-01-31 --concurrency 8`,
	Run: runSync,
}

func init() {
	// Flags
	syncCmd.Flags().StringVar(&dateFrom, "from", "", "Start date (YYYY-MM-DD)")
	syncCmd.Flags().StringVar(&dateTo, "to", "", "End date (YYYY-MM-DD), inclusive")
	syncCmd.Flags().StringVar(&txnType, "type", "", "Only list transactions of this type")
	syncCmd.Flags().IntVar(&concurrency, "concurrency", 0, "Concurrent syncs (default SYNC_CONCURRENCY)")
}

func runSync(cmd *cobra.Command, args []string) {
	if len(args) == 0 && dateFrom == "" {
		exitOnError(fmt.Errorf("pass transaction ids or --from"), "nothing to sync")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load(getConfigFile())
	exitOnError(err, "failed to load configuration")

	// Validate required fields
	if err := cfg.Validate(
		[]string{"stripe", "apiKey"},
		[]string{"qbo", "apiUrl"},
		[]string{"qbo", "realmId"},
		[]string{"qbo", "accessToken"},
	); err != nil {
		exitOnError(err, "invalid configuration")
	}

	mode, err := syncer.ParseCurrencyMode(cfg.Sync.CurrencyMode)
	exitOnError(err, "invalid CURRENCY_MODE")

	loc, err := cfg.Location()
	exitOnError(err, "invalid configuration")

	pathResolver := cfg.Paths()

	// Load per-company settings
	settingsFile, err := settings.Load(pathResolver.GetSettingsFile())
	exitOnError(err, "failed to load settings")
	st, err := settingsFile.ForRealm(cfg.QBO.RealmID)
	exitOnError(err, "failed to load settings")

	// Open database
	dbPath := pathResolver.GetDatabasePath()
	slog.Debug("Opening database", "path", dbPath)
	conn, err := db.Open(dbPath)
	exitOnError(err, "failed to open database")
	defer conn.Close()

	meta := db.NewMetadata(conn)
	history := db.NewSyncHistory(conn)

	// Initialize QBO client
	client, err := newQBOClient(ctx, cfg, meta)
	exitOnError(err, "failed to initialize QBO client")

	sess, err := syncer.NewSession(ctx, client, st, syncer.SessionOptions{
		Mode:   mode,
		Stores: []idempotency.KeyStore{db.NewArtifactStore(conn)},
	})
	exitOnError(err, "failed to start QBO session")

	// Initialize Stripe fetcher
	fetcher := stripetxn.NewFetcher(stripetxn.FetcherConfig{
		APIKey:    cfg.Stripe.APIKey,
		AccountID: cfg.Stripe.AccountID,
	})

	ids := args
	if len(ids) == 0 {
		ids, err = listTransactions(ctx, fetcher, loc)
		exitOnError(err, "failed to list transactions")
	}
	if len(ids) == 0 {
		fmt.Println("No transactions to sync")
		return
	}

	var lastRun sync.Once
	reporters := []batch.Reporter{
		history,
		report.NewReporter(report.NewFileSystemRepository(pathResolver), loc),
		batch.ReporterFunc(func(ctx context.Context, runID string, _ syncer.TransactionSync) error {
			var err error
			lastRun.Do(func() { err = meta.Set(ctx, db.MetadataLastRun, runID) })
			return err
		}),
	}
	if cfg.Notify.URL != "" {
		reporters = append(reporters, notify.NewWebhook(notify.Config{
			URL:    cfg.Notify.URL,
			Secret: cfg.Notify.Secret,
		}))
	}

	workers := concurrency
	if workers <= 0 {
		workers = cfg.Sync.Concurrency
	}

	driver := batch.NewDriver(batch.Config{
		Fetcher:     fetcher,
		Syncer:      syncer.New(syncer.Config{Location: loc}),
		Concurrency: workers,
		Reporters:   reporters,
	})

	summary := batch.Collect(driver.Run(ctx, ids, st, sess))

	// Display summary
	fmt.Println("\n=== Sync Summary ===")
	fmt.Printf("Transactions: %d\n", summary.Total)
	fmt.Printf("Succeeded:    %d\n", summary.Succeeded)
	fmt.Printf("Failed:       %d\n", summary.Failed)

	for _, out := range summary.Outcomes {
		if out.Status == syncer.StatusFailed {
			fmt.Printf("  %s: %s\n", out.ID, out.FailureReason)
		}
	}
	fmt.Println()

	if summary.Failed > 0 {
		os.Exit(1)
	}
}

// listTransactions lists the ids created between --from and --to in loc.
func listTransactions(ctx context.Context, fetcher *stripetxn.Fetcher, loc *time.Location) ([]string, error) {
	opts := stripetxn.ListOptions{Type: txnType}

	from, err := time.ParseInLocation("2006-01-02", dateFrom, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid --from: %w", err)
	}
	opts.From = from

	if dateTo != "" {
		to, err := time.ParseInLocation("2006-01-02", dateTo, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid --to: %w", err)
		}
		if to.Before(from) {
			return nil, fmt.Errorf("--to %s is before --from %s", dateTo, dateFrom)
		}
		opts.To = to.AddDate(0, 0, 1).Add(-time.Second)
	}

	slog.Info("Listing balance transactions", "from", dateFrom, "to", dateTo, "type", txnType)
	ids, err := fetcher.ListTransactionIDs(ctx, opts)
	if err != nil {
		return nil, err
	}
	slog.Info("Listed balance transactions", "count", len(ids))
	return ids, nil
}
