// Package qbo provides a QuickBooks Online Accounting API client and record types.
package qbo

import (
	"encoding/json"
	"strings"
)

// Object types used in queries and create calls.
const (
	ObjectInvoice  = "Invoice"
	ObjectPayment  = "Payment"
	ObjectPurchase = "Purchase"
	ObjectTransfer = "Transfer"
	ObjectCustomer = "Customer"
	ObjectVendor   = "Vendor"
	ObjectAccount  = "Account"
	ObjectItem     = "Item"
	ObjectTaxCode  = "TaxCode"
)

// Ref is a reference to another QBO entity (account, customer, currency, ...).
type Ref struct {
	Value string `json:"value,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Record is a raw entity returned by the query or create endpoints.
type Record map[string]any

// ID returns the entity id.
func (r Record) ID() string {
	return r.String("Id")
}

// String returns a top-level string field, or "" when absent.
func (r Record) String(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// RefValue returns the value of a nested reference such as CurrencyRef.
func (r Record) RefValue(key string) string {
	ref, ok := r[key].(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := ref["value"].(string); ok {
		return v
	}
	return ""
}

// PrivateNote returns the free-text note of a transaction record.
func (r Record) PrivateNote() string {
	return r.String("PrivateNote")
}

// TaxRateDetail links a tax code to one of its rates.
type TaxRateDetail struct {
	TaxRateRef Ref `json:"TaxRateRef"`
}

// TaxRateList lists the rates of a tax code.
type TaxRateList struct {
	TaxRateDetail []TaxRateDetail `json:"TaxRateDetail"`
}

// TaxCode represents a sales tax code.
type TaxCode struct {
	ID               string      `json:"Id"`
	Name             string      `json:"Name,omitempty"`
	Description      string      `json:"Description,omitempty"`
	Active           bool        `json:"Active,omitempty"`
	SalesTaxRateList TaxRateList `json:"SalesTaxRateList"`
}

// RateRef returns the first sales tax rate reference of the code.
func (t *TaxCode) RateRef() (Ref, bool) {
	if t == nil || len(t.SalesTaxRateList.TaxRateDetail) == 0 {
		return Ref{}, false
	}
	return t.SalesTaxRateList.TaxRateDetail[0].TaxRateRef, true
}

// TaxLineDetail is the rate breakdown of a tax line.
type TaxLineDetail struct {
	TaxRateRef       *Ref    `json:"TaxRateRef,omitempty"`
	PercentBased     bool    `json:"PercentBased"`
	TaxPercent       float64 `json:"TaxPercent"`
	NetAmountTaxable float64 `json:"NetAmountTaxable"`
}

// TaxLine is one line of a transaction tax detail.
type TaxLine struct {
	DetailType    string        `json:"DetailType"`
	Amount        float64       `json:"Amount"`
	TaxLineDetail TaxLineDetail `json:"TaxLineDetail"`
}

// TaxDetail overrides the tax computed by QBO for a transaction.
type TaxDetail struct {
	TotalTax      float64   `json:"TotalTax"`
	TaxLine       []TaxLine `json:"TaxLine,omitempty"`
	TxnTaxCodeRef *Ref      `json:"TxnTaxCodeRef,omitempty"`
}

// Transfer moves funds between two balance sheet accounts.
type Transfer struct {
	Amount         float64 `json:"Amount"`
	FromAccountRef Ref     `json:"FromAccountRef"`
	ToAccountRef   Ref     `json:"ToAccountRef"`
	TxnDate        string  `json:"TxnDate"`
	PrivateNote    string  `json:"PrivateNote"`
}

// AccountBasedExpenseLineDetail books an expense line against an account.
type AccountBasedExpenseLineDetail struct {
	AccountRef Ref `json:"AccountRef"`
}

// ExpenseLine is a single line of a purchase.
type ExpenseLine struct {
	DetailType                    string                        `json:"DetailType"`
	Amount                        float64                       `json:"Amount"`
	Description                   string                        `json:"Description,omitempty"`
	AccountBasedExpenseLineDetail AccountBasedExpenseLineDetail `json:"AccountBasedExpenseLineDetail"`
}

// Expense is created as a Purchase entity.
type Expense struct {
	PaymentType  string        `json:"PaymentType"`
	TotalAmt     float64       `json:"TotalAmt"`
	CurrencyRef  Ref           `json:"CurrencyRef"`
	ExchangeRate float64       `json:"ExchangeRate"`
	AccountRef   Ref           `json:"AccountRef"`
	EntityRef    Ref           `json:"EntityRef"`
	TxnDate      string        `json:"TxnDate"`
	PrivateNote  string        `json:"PrivateNote"`
	Line         []ExpenseLine `json:"Line"`
}

// SalesItemLineDetail references the item sold on an invoice line.
type SalesItemLineDetail struct {
	ItemRef    Ref  `json:"ItemRef"`
	TaxCodeRef *Ref `json:"TaxCodeRef,omitempty"`
}

// InvoiceLine is a single sales line of an invoice.
type InvoiceLine struct {
	DetailType          string              `json:"DetailType"`
	Amount              float64             `json:"Amount"`
	Description         string              `json:"Description,omitempty"`
	SalesItemLineDetail SalesItemLineDetail `json:"SalesItemLineDetail"`
}

// Invoice represents a sales invoice.
type Invoice struct {
	CustomerRef  Ref           `json:"CustomerRef"`
	CurrencyRef  Ref           `json:"CurrencyRef"`
	ExchangeRate float64       `json:"ExchangeRate"`
	TxnDate      string        `json:"TxnDate,omitempty"`
	DueDate      string        `json:"DueDate,omitempty"`
	DocNumber    string        `json:"DocNumber,omitempty"`
	PrivateNote  string        `json:"PrivateNote"`
	TxnTaxDetail *TaxDetail    `json:"TxnTaxDetail,omitempty"`
	Line         []InvoiceLine `json:"Line"`
}

// LinkedTxn links a payment line to the transaction it settles.
type LinkedTxn struct {
	TxnID   string `json:"TxnId"`
	TxnType string `json:"TxnType"`
}

// PaymentLine applies part of a payment to linked transactions.
type PaymentLine struct {
	Amount    float64     `json:"Amount"`
	LinkedTxn []LinkedTxn `json:"LinkedTxn"`
}

// Payment represents a customer payment.
type Payment struct {
	TotalAmt            float64       `json:"TotalAmt"`
	CurrencyRef         Ref           `json:"CurrencyRef"`
	ExchangeRate        float64       `json:"ExchangeRate"`
	CustomerRef         Ref           `json:"CustomerRef"`
	DepositToAccountRef Ref           `json:"DepositToAccountRef"`
	TxnDate             string        `json:"TxnDate"`
	PrivateNote         string        `json:"PrivateNote"`
	Line                []PaymentLine `json:"Line,omitempty"`
}

// Customer is the creation body of a customer.
type Customer struct {
	DisplayName string `json:"DisplayName"`
	CurrencyRef *Ref   `json:"CurrencyRef,omitempty"`
}

// Vendor is the creation body of a vendor.
type Vendor struct {
	DisplayName string `json:"DisplayName"`
	CurrencyRef *Ref   `json:"CurrencyRef,omitempty"`
}

// Account is the creation body of an account.
type Account struct {
	Name        string `json:"Name"`
	AccountType string `json:"AccountType"`
	CurrencyRef *Ref   `json:"CurrencyRef,omitempty"`
}

// Item is the creation body of a service item.
type Item struct {
	Name             string `json:"Name"`
	Type             string `json:"Type"`
	IncomeAccountRef Ref    `json:"IncomeAccountRef"`
}

// Preferences holds the company preferences relevant to syncing.
type Preferences struct {
	CurrencyPrefs struct {
		HomeCurrency         Ref  `json:"HomeCurrency"`
		MultiCurrencyEnabled bool `json:"MultiCurrencyEnabled"`
	} `json:"CurrencyPrefs"`
	TaxPrefs struct {
		UsingSalesTax bool `json:"UsingSalesTax"`
	} `json:"TaxPrefs"`
}

// ExchangeRate is a currency rate as of a date.
type ExchangeRate struct {
	SourceCurrencyCode string  `json:"SourceCurrencyCode"`
	TargetCurrencyCode string  `json:"TargetCurrencyCode"`
	Rate               float64 `json:"Rate"`
	AsOfDate           string  `json:"AsOfDate"`
}

// FaultDetail is one error entry of a fault payload.
type FaultDetail struct {
	Message string `json:"Message"`
	Detail  string `json:"Detail"`
	Code    string `json:"code"`
}

// Fault is the structured error payload returned by QBO.
type Fault struct {
	Error []FaultDetail `json:"Error"`
	Type  string        `json:"type"`
}

// faultEnvelope wraps a fault at the top level of a response.
type faultEnvelope struct {
	Fault *Fault `json:"Fault"`
}

// queryEnvelope is the response of the query endpoint.
type queryEnvelope struct {
	QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
}

// Quote escapes a value for use inside a single-quoted query literal.
func Quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `\'`) + "'"
}
