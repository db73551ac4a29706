// Package batch syncs many transactions under bounded concurrency and hands
// every outcome to the configured reporters.
package batch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/settings"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/stripetxn"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/syncer"
)

// DefaultConcurrency is used when Config.Concurrency is not positive.
const DefaultConcurrency = 4

// CancelledReason is the failure reason of transactions a cancelled run
// never started.
const CancelledReason = "Sync run cancelled before start"

// Fetcher loads a Stripe transaction with its related objects.
type Fetcher interface {
	FetchTransaction(ctx context.Context, id string) (*stripetxn.Transaction, error)
}

// Reporter receives every state change of a run: pending, syncing and the
// terminal outcome.
type Reporter interface {
	Report(ctx context.Context, runID string, out syncer.TransactionSync) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, runID string, out syncer.TransactionSync) error

// Report implements Reporter.
func (f ReporterFunc) Report(ctx context.Context, runID string, out syncer.TransactionSync) error {
	return f(ctx, runID, out)
}

// Config configures a Driver.
type Config struct {
	Fetcher     Fetcher
	Syncer      *syncer.Syncer
	Concurrency int
	Reporters   []Reporter
	Logger      *slog.Logger
}

// Driver runs batches.
type Driver struct {
	fetcher     Fetcher
	syncer      *syncer.Syncer
	concurrency int
	reporters   []Reporter
	logger      *slog.Logger
}

// NewDriver creates a Driver.
func NewDriver(config Config) *Driver {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Syncer == nil {
		config.Syncer = syncer.New(syncer.Config{Logger: config.Logger})
	}
	return &Driver{
		fetcher:     config.Fetcher,
		syncer:      config.Syncer,
		concurrency: config.Concurrency,
		reporters:   config.Reporters,
		logger:      config.Logger,
	}
}

// Run syncs ids and streams the terminal outcomes. The channel is closed
// once every started sync has finished. Cancelling ctx stops starting new
// syncs; syncs already in flight run to completion and the rest fail with
// CancelledReason.
func (d *Driver) Run(ctx context.Context, ids []string, st settings.Settings, sess *syncer.Session) <-chan syncer.TransactionSync {
	ids = dedupe(ids)
	results := make(chan syncer.TransactionSync, len(ids))
	runID := uuid.NewString()
	logger := d.logger.With("run_id", runID)

	go func() {
		defer close(results)

		logger.Info("Starting sync run", "transactions", len(ids), "concurrency", d.concurrency)
		inflight := context.WithoutCancel(ctx)

		for _, id := range ids {
			d.report(inflight, logger, runID, syncer.TransactionSync{ID: id, Status: syncer.StatusPending})
		}

		var g errgroup.Group
		g.SetLimit(d.concurrency)

		started := 0
		for _, id := range ids {
			if ctx.Err() != nil {
				logger.Warn("Sync run cancelled", "started", started, "skipped", len(ids)-started)
				break
			}
			started++
			g.Go(func() error {
				results <- d.syncOne(inflight, logger, runID, id, st, sess)
				return nil
			})
		}

		for _, id := range ids[started:] {
			out := syncer.Failed(id, CancelledReason)
			d.report(inflight, logger, runID, out)
			results <- out
		}
		_ = g.Wait()

		logger.Info("Sync run finished", "started", started)
	}()

	return results
}

func (d *Driver) syncOne(ctx context.Context, logger *slog.Logger, runID, id string, st settings.Settings, sess *syncer.Session) syncer.TransactionSync {
	txn, err := d.fetcher.FetchTransaction(ctx, id)
	if err != nil {
		reason, expected := syncer.Reason(err)
		if expected {
			logger.Warn("Failed to fetch transaction", "transaction_id", id, "reason", reason)
		} else {
			logger.Error("Failed to fetch transaction", "transaction_id", id, "error", err)
		}
		out := syncer.Failed(id, reason)
		d.report(ctx, logger, runID, out)
		return out
	}

	syncing := syncer.Pending(*txn)
	syncing.Status = syncer.StatusSyncing
	d.report(ctx, logger, runID, syncing)

	out := d.syncer.SyncTransaction(ctx, sess, st, *txn)
	d.report(ctx, logger, runID, out)
	return out
}

func (d *Driver) report(ctx context.Context, logger *slog.Logger, runID string, out syncer.TransactionSync) {
	for _, r := range d.reporters {
		if err := r.Report(ctx, runID, out); err != nil {
			logger.Warn("Failed to report outcome", "transaction_id", out.ID, "status", out.Status, "error", err)
		}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Summary counts the outcomes of a run.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Outcomes  []syncer.TransactionSync
}

// Collect drains results into a Summary.
func Collect(results <-chan syncer.TransactionSync) Summary {
	var s Summary
	for out := range results {
		s.Total++
		switch out.Status {
		case syncer.StatusSuccess:
			s.Succeeded++
		case syncer.StatusFailed:
			s.Failed++
		}
		s.Outcomes = append(s.Outcomes, out)
	}
	return s
}
