// Package syncer turns one Stripe balance transaction into QBO records.
//
// A sync never returns an error. Every failure, including a panic, ends in a
// failed TransactionSync. Records created before the failure are kept and
// their ids reported, so a re-run only creates what is still missing.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/converter"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/idempotency"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/resolver"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/settings"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/stripetxn"
)

// DefaultCustomerName is used for charges without a Stripe customer.
const DefaultCustomerName = "Stripe customer"

// Config configures a Syncer.
type Config struct {
	// Location renders QBO transaction dates. Defaults to UTC.
	Location *time.Location
	Logger   *slog.Logger
}

// Syncer syncs transactions. It holds no per-run state and is safe for
// concurrent use.
type Syncer struct {
	location *time.Location
	logger   *slog.Logger
}

// New creates a Syncer.
func New(config Config) *Syncer {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Syncer{
		location: config.Location,
		logger:   config.Logger,
	}
}

// SyncTransaction creates the QBO records for txn that do not exist yet.
func (s *Syncer) SyncTransaction(ctx context.Context, sess *Session, st settings.Settings, txn stripetxn.Transaction) (out TransactionSync) {
	out = Pending(txn)
	out.Status = StatusSyncing
	logger := s.logger.With("transaction_id", txn.ID, "type", txn.Type)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while syncing transaction", "panic", r)
			out.Status = StatusFailed
			out.FailureReason = ServerErrorReason
		}
	}()

	if err := s.sync(ctx, sess, st, txn, &out); err != nil {
		reason, expected := Reason(err)
		if expected {
			logger.Warn("Transaction sync failed", "reason", reason)
		} else {
			logger.Error("Transaction sync failed unexpectedly", "error", err)
		}
		out.Status = StatusFailed
		out.FailureReason = reason
		return out
	}

	logger.Info("Transaction synced",
		"invoice_id", out.InvoiceID, "payment_id", out.PaymentID,
		"expense_id", out.ExpenseID, "transfer_id", out.TransferID)
	out.Status = StatusSuccess
	return out
}

func (s *Syncer) sync(ctx context.Context, sess *Session, st settings.Settings, txn stripetxn.Transaction, out *TransactionSync) error {
	switch txn.Type {
	case stripetxn.TypeCharge, stripetxn.TypePayment, stripetxn.TypeStripeFee, stripetxn.TypePayout:
	default:
		return invalid("Unsupported transaction type: %s", txn.Type)
	}

	rate := txn.Rate()
	currency := txn.CurrencyCode()
	if currency != "" && sess.HomeCurrency != "" && currency != sess.HomeCurrency {
		if sess.Mode != CurrencyExchangeRate {
			return invalid("currency mismatch: transaction currency (%s) does not match QBO home currency (%s)",
				currency, sess.HomeCurrency)
		}

		var err error
		rate, err = sess.Backend.GetExchangeRate(ctx, currency, stripetxn.Date(txn.Created, s.location))
		if err != nil {
			return err
		}
		if !st.HasCurrency(currency) {
			s.logger.Debug("No settings for currency, using defaults", "transaction_id", txn.ID, "currency", currency)
		}
		st = st.ForCurrency(currency)
	}

	if !sess.UsingSalesTax {
		st.DefaultTaxCodeID = ""
		st.ExemptTaxCodeID = ""
	}

	conv := converter.NewConverter(st, s.location)

	switch txn.Type {
	case stripetxn.TypeStripeFee:
		id, err := s.syncExpense(ctx, sess, conv, txn, rate)
		out.ExpenseID = id
		return err

	case stripetxn.TypePayout:
		if txn.Payout == nil {
			return invalid("Transaction %s has no payout", txn.ID)
		}
		id, err := s.syncTransfer(ctx, sess, conv, *txn.Payout)
		out.TransferID = id
		return err

	default:
		return s.syncCharge(ctx, sess, conv, st, txn, rate, out)
	}
}

func (s *Syncer) syncCharge(ctx context.Context, sess *Session, conv *converter.Converter, st settings.Settings, txn stripetxn.Transaction, rate float64, out *TransactionSync) error {
	if txn.Charge == nil {
		return invalid("Transaction %s has no charge", txn.ID)
	}

	customer, err := s.customer(ctx, sess, txn)
	if err != nil {
		return err
	}

	if txn.Invoice != nil {
		out.InvoiceID, err = s.syncInvoice(ctx, sess, conv, st, *txn.Invoice, customer, rate)
		if err != nil {
			return err
		}
	}

	out.PaymentID, err = s.syncPayment(ctx, sess, conv, *txn.Charge, customer, out.InvoiceID, rate)
	if err != nil {
		return err
	}

	out.ExpenseID, err = s.syncExpense(ctx, sess, conv, txn, rate)
	return err
}

// customer resolves the QBO customer for a charge: the Stripe customer by
// name (or id) in the charge currency, else the shared default customer.
func (s *Syncer) customer(ctx context.Context, sess *Session, txn stripetxn.Transaction) (string, error) {
	if txn.Customer != nil {
		name := txn.Customer.Name
		if name == "" {
			name = txn.Customer.ID
		}
		e, err := sess.Resolver.Customer(ctx, name, txn.Charge.CurrencyCode())
		if err != nil {
			return "", err
		}
		return e.ID, nil
	}

	e, err := sess.Resolver.Customer(ctx, DefaultCustomerName, txn.CurrencyCode())
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

func (s *Syncer) syncInvoice(ctx context.Context, sess *Session, conv *converter.Converter, st settings.Settings, inv stripetxn.Invoice, customerID string, rate float64) (string, error) {
	key := idempotency.Key{
		ObjectType: qbo.ObjectInvoice,
		CustomerID: customerID,
		TxnDate:    stripetxn.Date(inv.Created, s.location),
		SourceID:   inv.ID,
	}

	id, _, err := sess.Guard.Ensure(ctx, key, func(ctx context.Context) (string, error) {
		invoice, err := conv.Invoice(inv, customerID, sess.TaxCodes, rate)
		var taxErr *converter.TaxCodeError
		if errors.As(err, &taxErr) {
			return "", invalid("Configured %s", taxErr.Error())
		}
		if err != nil {
			return "", err
		}
		if !sess.UsingSalesTax {
			invoice.TxnTaxDetail = nil
		}

		for i := range invoice.Line {
			detail := &invoice.Line[i].SalesItemLineDetail
			item, err := s.item(ctx, sess, st, detail.ItemRef.Name)
			if err != nil {
				return "", err
			}
			detail.ItemRef = item.Ref()
		}

		return create(ctx, sess.Backend, qbo.ObjectInvoice, invoice)
	})
	return id, err
}

// item resolves a product item. Items book to the configured default income
// account, or to an income account named after the product.
func (s *Syncer) item(ctx context.Context, sess *Session, st settings.Settings, product string) (resolver.Entity, error) {
	incomeAccountID := st.DefaultIncomeAccountID
	if incomeAccountID == "" {
		account, err := sess.Resolver.Account(ctx, product, "Income", "")
		if err != nil {
			return resolver.Entity{}, err
		}
		incomeAccountID = account.ID
	}
	return sess.Resolver.Item(ctx, product, incomeAccountID)
}

func (s *Syncer) syncPayment(ctx context.Context, sess *Session, conv *converter.Converter, charge stripetxn.Charge, customerID, invoiceID string, rate float64) (string, error) {
	key := idempotency.Key{
		ObjectType: qbo.ObjectPayment,
		CustomerID: customerID,
		TxnDate:    stripetxn.Date(charge.Created, s.location),
		SourceID:   charge.ID,
	}

	id, _, err := sess.Guard.Ensure(ctx, key, func(ctx context.Context) (string, error) {
		return create(ctx, sess.Backend, qbo.ObjectPayment, conv.Payment(charge, customerID, invoiceID, rate))
	})
	return id, err
}

func (s *Syncer) syncExpense(ctx context.Context, sess *Session, conv *converter.Converter, txn stripetxn.Transaction, rate float64) (string, error) {
	key := idempotency.Key{
		ObjectType: qbo.ObjectPurchase,
		TxnDate:    stripetxn.Date(txn.Created, s.location),
		SourceID:   txn.ID,
	}

	id, _, err := sess.Guard.Ensure(ctx, key, func(ctx context.Context) (string, error) {
		expense, err := conv.Expense(txn, rate)
		if err != nil {
			return "", err
		}
		return create(ctx, sess.Backend, qbo.ObjectPurchase, expense)
	})
	return id, err
}

func (s *Syncer) syncTransfer(ctx context.Context, sess *Session, conv *converter.Converter, payout stripetxn.Payout) (string, error) {
	key := idempotency.Key{
		ObjectType: qbo.ObjectTransfer,
		SourceID:   payout.ID,
	}

	id, _, err := sess.Guard.Ensure(ctx, key, func(ctx context.Context) (string, error) {
		return create(ctx, sess.Backend, qbo.ObjectTransfer, conv.Transfer(payout))
	})
	return id, err
}

func create(ctx context.Context, backend Backend, objectType string, body any) (string, error) {
	record, err := backend.Create(ctx, objectType, body)
	if err != nil {
		return "", err
	}
	id := record.ID()
	if id == "" {
		return "", fmt.Errorf("created %s has no Id", objectType)
	}
	return id, nil
}
