package syncer

import (
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/stripetxn"
)

// Status is the state of a transaction sync.
type Status string

// Sync states. success and failed are terminal.
const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TransactionSync is the outcome of syncing one Stripe transaction.
type TransactionSync struct {
	ID            string `json:"id"`
	Created       int64  `json:"created"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	Fee           int64  `json:"fee"`
	Currency      string `json:"currency"`
	Description   string `json:"description,omitempty"`
	Status        Status `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	InvoiceID     string `json:"invoice_id,omitempty"`
	PaymentID     string `json:"payment_id,omitempty"`
	ExpenseID     string `json:"expense_id,omitempty"`
	TransferID    string `json:"transfer_id,omitempty"`
}

// Pending returns the initial outcome for txn.
func Pending(txn stripetxn.Transaction) TransactionSync {
	return TransactionSync{
		ID:          txn.ID,
		Created:     txn.Created,
		Type:        txn.Type,
		Amount:      txn.Amount,
		Fee:         txn.Fee,
		Currency:    txn.Currency,
		Description: txn.Description,
		Status:      StatusPending,
	}
}

// Failed returns a failed outcome for a transaction that could not be loaded.
func Failed(id, reason string) TransactionSync {
	return TransactionSync{ID: id, Status: StatusFailed, FailureReason: reason}
}

// ValidationError reports a transaction the syncer refuses to process.
// Its reason is shown to the user unchanged.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ServerErrorReason is the failure reason of unexpected errors.
const ServerErrorReason = "Server error"

// Reason converts an error into a user-facing failure reason. Validation
// errors and upstream faults keep their message; anything else collapses to
// ServerErrorReason. expected is false for the latter.
func Reason(err error) (reason string, expected bool) {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation.Reason, true
	}

	var fault *qbo.FaultError
	if errors.As(err, &fault) {
		return fault.Detail(), true
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Msg != "" {
			return stripeErr.Msg, true
		}
		return string(stripeErr.Code), true
	}

	return ServerErrorReason, false
}

// CurrencyMode selects how transactions outside the home currency are handled.
type CurrencyMode string

const (
	// CurrencyStrict rejects transactions not in the home currency.
	CurrencyStrict CurrencyMode = "strict-home-currency"

	// CurrencyExchangeRate books foreign transactions at the QBO exchange
	// rate of the transaction date, using currency-qualified settings.
	CurrencyExchangeRate CurrencyMode = "multi-currency-with-exchange-rate"
)

// ParseCurrencyMode parses a CURRENCY_MODE value. Empty means strict.
func ParseCurrencyMode(s string) (CurrencyMode, error) {
	switch CurrencyMode(s) {
	case "", CurrencyStrict:
		return CurrencyStrict, nil
	case CurrencyExchangeRate:
		return CurrencyExchangeRate, nil
	default:
		return "", fmt.Errorf("unknown currency mode %q (want %s or %s)", s, CurrencyStrict, CurrencyExchangeRate)
	}
}
