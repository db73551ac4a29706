package db

import (
	"context"
	"fmt"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo"
)

// ForgetTransaction deletes the outcome of a transaction and the mappings of
// the QBO records it created. The next sync of the transaction looks its
// records up in QBO again. Returns false if the transaction was never synced.
func ForgetTransaction(ctx context.Context, history *SyncHistory, artifacts *ArtifactStore, id string) (bool, error) {
	rec, err := history.GetSyncRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	targets := []struct{ objectType, id string }{
		{qbo.ObjectInvoice, rec.InvoiceID},
		{qbo.ObjectPayment, rec.PaymentID},
		{qbo.ObjectPurchase, rec.ExpenseID},
		{qbo.ObjectTransfer, rec.TransferID},
	}
	for _, target := range targets {
		if target.id == "" {
			continue
		}
		sources, err := artifacts.SourcesFor(ctx, target.objectType, target.id)
		if err != nil {
			return false, err
		}
		for _, source := range sources {
			if err := artifacts.Forget(ctx, target.objectType, source); err != nil {
				return false, fmt.Errorf("failed to forget %s %s: %w", target.objectType, target.id, err)
			}
		}
	}

	return history.DeleteSyncRecord(ctx, id)
}
