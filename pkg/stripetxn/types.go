// Package stripetxn fetches Stripe balance transactions with the related
// charge, customer, invoice and payout objects needed for bookkeeping.
package stripetxn

import (
	"strings"
	"time"
)

// Supported balance transaction types.
const (
	TypeCharge    = "charge"
	TypePayment   = "payment"
	TypeStripeFee = "stripe_fee"
	TypePayout    = "payout"
)

// Transaction is a balance transaction. Amounts are in minor units.
type Transaction struct {
	ID           string    `json:"id"`
	Created      int64     `json:"created"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	Fee          int64     `json:"fee"`
	Currency     string    `json:"currency"`
	ExchangeRate *float64  `json:"exchange_rate,omitempty"`
	Description  string    `json:"description,omitempty"`
	Charge       *Charge   `json:"charge,omitempty"`
	Customer     *Customer `json:"customer,omitempty"`
	Invoice      *Invoice  `json:"invoice,omitempty"`
	Payout       *Payout   `json:"payout,omitempty"`
}

// CurrencyCode returns the upper-case ISO currency code.
func (t Transaction) CurrencyCode() string {
	return strings.ToUpper(t.Currency)
}

// Rate returns the exchange rate carried by the transaction, or 1.0.
func (t Transaction) Rate() float64 {
	if t.ExchangeRate == nil || *t.ExchangeRate == 0 {
		return 1.0
	}
	return *t.ExchangeRate
}

// Charge is the source of a charge or payment transaction.
type Charge struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Created     int64  `json:"created"`
	Description string `json:"description,omitempty"`
	Currency    string `json:"currency"`
}

// CurrencyCode returns the upper-case ISO currency code.
func (c Charge) CurrencyCode() string {
	return strings.ToUpper(c.Currency)
}

// Customer is the customer attached to a charge.
type Customer struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Description string `json:"description,omitempty"`
}

// Payout is the source of a payout transaction.
type Payout struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	ArrivalDate int64  `json:"arrival_date"`
	Created     int64  `json:"created"`
	Description string `json:"description,omitempty"`
}

// TaxRate is a Stripe tax rate.
type TaxRate struct {
	ID         string  `json:"id"`
	Percentage float64 `json:"percentage"`
}

// TaxAmount is the tax charged on one invoice line for one rate.
type TaxAmount struct {
	Amount        int64    `json:"amount"`
	TaxableAmount int64    `json:"taxable_amount"`
	TaxRate       *TaxRate `json:"tax_rate,omitempty"`
}

// InvoiceLine is a single line of an invoice.
type InvoiceLine struct {
	ID          string      `json:"id"`
	Amount      int64       `json:"amount"`
	Description string      `json:"description,omitempty"`
	Quantity    int64       `json:"quantity"`
	ProductName string      `json:"product_name"`
	TaxAmounts  []TaxAmount `json:"tax_amounts,omitempty"`
}

// Invoice is the invoice paid by a charge.
type Invoice struct {
	ID        string        `json:"id"`
	Created   int64         `json:"created"`
	DueDate   *int64        `json:"due_date,omitempty"`
	AmountDue int64         `json:"amount_due"`
	Tax       *int64        `json:"tax,omitempty"`
	Currency  string        `json:"currency"`
	Number    string        `json:"number,omitempty"`
	Lines     []InvoiceLine `json:"lines"`
}

// TaxTotal returns the invoice tax in minor units, 0 when unset.
func (i Invoice) TaxTotal() int64 {
	if i.Tax == nil {
		return 0
	}
	return *i.Tax
}

// CurrencyCode returns the upper-case ISO currency code.
func (i Invoice) CurrencyCode() string {
	return strings.ToUpper(i.Currency)
}

// Date formats a unix timestamp as YYYY-MM-DD in loc (UTC when nil).
func Date(ts int64, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return time.Unix(ts, 0).In(loc).Format("2006-01-02")
}
