// Package converter builds QBO records from Stripe balance transactions.
package converter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/settings"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/stripetxn"
)

// ErrMissingSource is returned when a transaction lacks the object a record is built from.
var ErrMissingSource = errors.New("transaction has no source object")

// TaxCodes caches the QBO tax codes referenced by the settings, keyed by id.
type TaxCodes map[string]*qbo.TaxCode

// Converter converts Stripe objects to QBO creation bodies.
type Converter struct {
	settings settings.Settings
	location *time.Location
}

// NewConverter creates a new Converter. Dates are rendered in loc (UTC when nil).
func NewConverter(s settings.Settings, loc *time.Location) *Converter {
	if loc == nil {
		loc = time.UTC
	}
	return &Converter{
		settings: s,
		location: loc,
	}
}

// Expense builds the Purchase recording the Stripe fee of a transaction.
// For charges and payments the amount is the fee; for stripe_fee
// transactions it is the negated amount, since Stripe records fees as outflows.
func (c *Converter) Expense(txn stripetxn.Transaction, exchangeRate float64) (qbo.Expense, error) {
	var amount decimal.Decimal
	var description string

	switch txn.Type {
	case stripetxn.TypeCharge, stripetxn.TypePayment:
		if txn.Charge == nil {
			return qbo.Expense{}, fmt.Errorf("%w: %s has no charge", ErrMissingSource, txn.ID)
		}
		amount = toMajor(txn.Fee)
		description = "Stripe fee for charge " + txn.Charge.ID
	default:
		amount = toMajor(-txn.Amount)
		description = txn.Description
	}

	lineDescription := txn.Description
	if lineDescription == "" {
		lineDescription = description
	}

	return qbo.Expense{
		PaymentType:  "Check",
		TotalAmt:     amount.InexactFloat64(),
		CurrencyRef:  qbo.Ref{Value: txn.CurrencyCode()},
		ExchangeRate: rateOrOne(exchangeRate),
		AccountRef:   qbo.Ref{Value: c.settings.ClearingAccountID},
		EntityRef:    qbo.Ref{Value: c.settings.VendorID},
		TxnDate:      stripetxn.Date(txn.Created, c.location),
		PrivateNote:  ExpenseNote(txn, description),
		Line: []qbo.ExpenseLine{
			{
				DetailType:  "AccountBasedExpenseLineDetail",
				Amount:      amount.InexactFloat64(),
				Description: lineDescription,
				AccountBasedExpenseLineDetail: qbo.AccountBasedExpenseLineDetail{
					AccountRef: qbo.Ref{Value: c.settings.FeeAccountID},
				},
			},
		},
	}, nil
}

// Invoice builds a QBO invoice. Item references carry only the product
// name and must be resolved before the invoice is submitted.
func (c *Converter) Invoice(inv stripetxn.Invoice, customerID string, taxCodes TaxCodes, exchangeRate float64) (qbo.Invoice, error) {
	detail, err := c.TaxDetail(inv, taxCodes)
	if err != nil {
		return qbo.Invoice{}, err
	}

	lines := make([]qbo.InvoiceLine, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		lines = append(lines, c.invoiceLine(l))
	}

	out := qbo.Invoice{
		CustomerRef:  qbo.Ref{Value: customerID},
		CurrencyRef:  qbo.Ref{Value: inv.CurrencyCode()},
		ExchangeRate: rateOrOne(exchangeRate),
		TxnDate:      stripetxn.Date(inv.Created, c.location),
		DocNumber:    inv.Number,
		PrivateNote:  InvoiceNote(inv),
		TxnTaxDetail: &detail,
		Line:         lines,
	}
	if inv.DueDate != nil && *inv.DueDate > 0 {
		out.DueDate = stripetxn.Date(*inv.DueDate, c.location)
	}
	return out, nil
}

func (c *Converter) invoiceLine(l stripetxn.InvoiceLine) qbo.InvoiceLine {
	code := c.settings.ExemptTaxCodeID
	if len(l.TaxAmounts) > 0 {
		code = c.settings.DefaultTaxCodeID
	}

	var codeRef *qbo.Ref
	if code != "" {
		codeRef = &qbo.Ref{Value: code}
	}

	return qbo.InvoiceLine{
		DetailType:  "SalesItemLineDetail",
		Amount:      toMajor(l.Amount).InexactFloat64(),
		Description: l.Description,
		SalesItemLineDetail: qbo.SalesItemLineDetail{
			ItemRef:    qbo.Ref{Name: l.ProductName},
			TaxCodeRef: codeRef,
		},
	}
}

// Payment builds the customer payment for a charge, linked to invoiceID when set.
func (c *Converter) Payment(charge stripetxn.Charge, customerID, invoiceID string, exchangeRate float64) qbo.Payment {
	amount := toMajor(charge.Amount).InexactFloat64()

	payment := qbo.Payment{
		TotalAmt:            amount,
		CurrencyRef:         qbo.Ref{Value: charge.CurrencyCode()},
		ExchangeRate:        rateOrOne(exchangeRate),
		CustomerRef:         qbo.Ref{Value: customerID},
		DepositToAccountRef: qbo.Ref{Value: c.settings.ClearingAccountID},
		TxnDate:             stripetxn.Date(charge.Created, c.location),
		PrivateNote:         charge.Description + "\n" + charge.ID,
	}

	if invoiceID != "" {
		payment.Line = []qbo.PaymentLine{
			{
				Amount:    amount,
				LinkedTxn: []qbo.LinkedTxn{{TxnID: invoiceID, TxnType: qbo.ObjectInvoice}},
			},
		}
	}
	return payment
}

// Transfer builds the transfer for a payout. A positive payout moves funds
// from the clearing account to the payout account; a reversal moves them back.
func (c *Converter) Transfer(payout stripetxn.Payout) qbo.Transfer {
	from, to := c.settings.ClearingAccountID, c.settings.PayoutAccountID
	amount := payout.Amount
	if amount <= 0 {
		from, to = to, from
		amount = -amount
	}

	return qbo.Transfer{
		Amount:         toMajor(amount).InexactFloat64(),
		FromAccountRef: qbo.Ref{Value: from},
		ToAccountRef:   qbo.Ref{Value: to},
		TxnDate:        stripetxn.Date(payout.Created, c.location),
		PrivateNote:    payout.Description + "\n" + payout.ID,
	}
}

// InvoiceNote is the private note stored on an invoice.
func InvoiceNote(inv stripetxn.Invoice) string {
	return inv.Number + "\n" + inv.ID
}

// ExpenseNote is the private note stored on a fee expense.
func ExpenseNote(txn stripetxn.Transaction, description string) string {
	parts := []string{description, txn.ID}
	if txn.Charge != nil {
		parts = append(parts, txn.Charge.ID)
	}
	return strings.Join(parts, "\n")
}

// toMajor converts minor currency units to major units.
func toMajor(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

func rateOrOne(rate float64) float64 {
	if rate == 0 {
		return 1.0
	}
	return rate
}
