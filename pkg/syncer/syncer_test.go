package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"golang.org/x/oauth2"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/idempotency"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo/qbotest"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/resolver"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/settings"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/stripetxn"
)

var testSettings = settings.Settings{
	ClearingAccountID: "clearing",
	PayoutAccountID:   "payout",
	VendorID:          "vendor",
	FeeAccountID:      "fees",
	DefaultTaxCodeID:  "5",
	ExemptTaxCodeID:   "6",
	Currencies: map[string]settings.CurrencySettings{
		"CAD": {ClearingAccountID: "clearing-cad", VendorID: "vendor-cad"},
	},
}

func newFake(t *testing.T) *qbotest.Server {
	t.Helper()
	fake := qbotest.New(t)
	fake.SeedTaxCode("5", "Tax", "rate-5")
	fake.SeedTaxCode("6", "Exempt", "rate-6")
	return fake
}

func newTestSession(t *testing.T, fake *qbotest.Server, mode CurrencyMode) *Session {
	t.Helper()
	client := qbo.NewClient(qbo.ClientConfig{
		APIURL:    fake.APIURL(),
		Session:   qbo.NewSession("123", nil, &oauth2.Token{AccessToken: qbotest.InitialToken}),
		RateLimit: 1000,
	})
	sess, err := NewSession(context.Background(), client, testSettings, SessionOptions{Mode: mode})
	require.NoError(t, err)
	return sess
}

func int64p(v int64) *int64 { return &v }

func chargeTxn() stripetxn.Transaction {
	return stripetxn.Transaction{
		ID:          "txn_1",
		Created:     1704196800,
		Type:        stripetxn.TypeCharge,
		Amount:      1600,
		Fee:         59,
		Currency:    "usd",
		Description: "Subscription",
		Charge:      &stripetxn.Charge{ID: "ch_1", Amount: 1600, Created: 1704196800, Currency: "usd", Description: "Subscription"},
		Customer:    &stripetxn.Customer{ID: "cus_1", Name: "Acme"},
		Invoice: &stripetxn.Invoice{
			ID:        "in_1",
			Created:   1704110400,
			AmountDue: 1600,
			Tax:       int64p(100),
			Currency:  "usd",
			Number:    "0001",
			Lines: []stripetxn.InvoiceLine{
				{ID: "il_1", Amount: 1000, ProductName: "Pro plan", TaxAmounts: []stripetxn.TaxAmount{
					{Amount: 100, TaxableAmount: 1000, TaxRate: &stripetxn.TaxRate{ID: "txr_1", Percentage: 10}},
				}},
				{ID: "il_2", Amount: 500, ProductName: "Setup fee"},
			},
		},
	}
}

func feeTxn(currency string) stripetxn.Transaction {
	return stripetxn.Transaction{ID: "txn_fee", Created: 1704196800, Type: stripetxn.TypeStripeFee, Amount: -300, Currency: currency, Description: "Billing fee"}
}

func payoutTxn() stripetxn.Transaction {
	return stripetxn.Transaction{
		ID: "txn_po", Created: 1704196800, Type: stripetxn.TypePayout, Amount: -5000, Currency: "usd",
		Payout: &stripetxn.Payout{ID: "po_1", Amount: 5000, Created: 1704196800, Description: "STRIPE PAYOUT"},
	}
}

func field(rec qbo.Record, path ...any) any {
	var cur any = map[string]any(rec)
	for _, p := range path {
		switch key := p.(type) {
		case string:
			cur = cur.(map[string]any)[key]
		case int:
			cur = cur.([]any)[key]
		}
	}
	return cur
}

func TestChargeWithInvoiceIsIdempotent(t *testing.T) {
	fake := newFake(t)
	s := New(Config{})
	ctx := context.Background()

	first := s.SyncTransaction(ctx, newTestSession(t, fake, CurrencyStrict), testSettings, chargeTxn())
	require.Equal(t, StatusSuccess, first.Status, first.FailureReason)
	assert.NotEmpty(t, first.InvoiceID)
	assert.NotEmpty(t, first.PaymentID)
	assert.NotEmpty(t, first.ExpenseID)
	assert.Empty(t, first.TransferID)
	assert.Empty(t, first.FailureReason)

	creates := fake.TotalCreates()
	assert.Equal(t, 1, fake.Creates(qbo.ObjectInvoice))
	assert.Equal(t, 1, fake.Creates(qbo.ObjectCustomer))
	assert.Equal(t, 2, fake.Creates(qbo.ObjectItem))

	invoice := fake.Records(qbo.ObjectInvoice)[0]
	assert.Equal(t, 1.0, field(invoice, "TxnTaxDetail", "TotalTax"))
	assert.NotEmpty(t, field(invoice, "Line", 0, "SalesItemLineDetail", "ItemRef", "value"))
	assert.Equal(t, "Pro plan", field(invoice, "Line", 0, "SalesItemLineDetail", "ItemRef", "name"))

	payment := fake.Records(qbo.ObjectPayment)[0]
	assert.Equal(t, first.InvoiceID, field(payment, "Line", 0, "LinkedTxn", 0, "TxnId"))

	second := s.SyncTransaction(ctx, newTestSession(t, fake, CurrencyStrict), testSettings, chargeTxn())
	require.Equal(t, StatusSuccess, second.Status)
	assert.Equal(t, first.InvoiceID, second.InvoiceID)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, first.ExpenseID, second.ExpenseID)
	assert.Equal(t, creates, fake.TotalCreates())
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name       string
		txn        stripetxn.Transaction
		invoice    bool
		payment    bool
		expense    bool
		transfer   bool
		wantReason string
	}{
		{name: "stripe fee", txn: feeTxn("usd"), expense: true},
		{name: "payout", txn: payoutTxn(), transfer: true},
		{name: "charge with invoice", txn: chargeTxn(), invoice: true, payment: true, expense: true},
		{name: "payment without invoice", txn: func() stripetxn.Transaction {
			txn := chargeTxn()
			txn.Type = stripetxn.TypePayment
			txn.Invoice = nil
			return txn
		}(), payment: true, expense: true},
		{name: "unsupported", txn: stripetxn.Transaction{ID: "txn_adj", Type: "adjustment", Currency: "usd"}, wantReason: "Unsupported transaction type: adjustment"},
		{name: "charge without charge object", txn: stripetxn.Transaction{ID: "txn_x", Type: stripetxn.TypePayment, Currency: "usd"}, wantReason: "Transaction txn_x has no charge"},
		{name: "payout without payout object", txn: stripetxn.Transaction{ID: "txn_y", Type: stripetxn.TypePayout, Currency: "usd"}, wantReason: "Transaction txn_y has no payout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFake(t)
			out := New(Config{}).SyncTransaction(context.Background(), newTestSession(t, fake, CurrencyStrict), testSettings, tt.txn)

			assert.Equal(t, tt.txn.ID, out.ID)
			if tt.wantReason != "" {
				assert.Equal(t, StatusFailed, out.Status)
				assert.Equal(t, tt.wantReason, out.FailureReason)
				assert.Zero(t, fake.TotalCreates())
			} else {
				assert.Equal(t, StatusSuccess, out.Status, out.FailureReason)
			}
			assert.Equal(t, tt.invoice, out.InvoiceID != "")
			assert.Equal(t, tt.payment, out.PaymentID != "")
			assert.Equal(t, tt.expense, out.ExpenseID != "")
			assert.Equal(t, tt.transfer, out.TransferID != "")
		})
	}
}

func TestPayoutTransfer(t *testing.T) {
	fake := newFake(t)
	out := New(Config{}).SyncTransaction(context.Background(), newTestSession(t, fake, CurrencyStrict), testSettings, payoutTxn())
	require.Equal(t, StatusSuccess, out.Status)

	transfer := fake.Records(qbo.ObjectTransfer)[0]
	assert.Equal(t, 50.0, transfer["Amount"])
	assert.Equal(t, "clearing", transfer.RefValue("FromAccountRef"))
	assert.Equal(t, "payout", transfer.RefValue("ToAccountRef"))
}

func TestCustomerSelection(t *testing.T) {
	t.Run("unnamed customer uses id", func(t *testing.T) {
		fake := newFake(t)
		txn := chargeTxn()
		txn.Invoice = nil
		txn.Customer.Name = ""

		out := New(Config{}).SyncTransaction(context.Background(), newTestSession(t, fake, CurrencyStrict), testSettings, txn)
		require.Equal(t, StatusSuccess, out.Status)
		assert.Equal(t, "cus_1", fake.Records(qbo.ObjectCustomer)[0].String("DisplayName"))
	})

	t.Run("no customer uses default", func(t *testing.T) {
		fake := newFake(t)
		txn := chargeTxn()
		txn.Invoice = nil
		txn.Customer = nil

		out := New(Config{}).SyncTransaction(context.Background(), newTestSession(t, fake, CurrencyStrict), testSettings, txn)
		require.Equal(t, StatusSuccess, out.Status)
		customers := fake.Records(qbo.ObjectCustomer)
		require.Len(t, customers, 1)
		assert.Equal(t, DefaultCustomerName, customers[0].String("DisplayName"))
		assert.Equal(t, customers[0].ID(), fake.Records(qbo.ObjectPayment)[0].RefValue("CustomerRef"))
	})
}

func TestDefaultIncomeAccount(t *testing.T) {
	fake := newFake(t)
	st := testSettings
	st.DefaultIncomeAccountID = "income"

	out := New(Config{}).SyncTransaction(context.Background(), newTestSession(t, fake, CurrencyStrict), st, chargeTxn())
	require.Equal(t, StatusSuccess, out.Status)
	assert.Zero(t, fake.Creates(qbo.ObjectAccount))
	for _, item := range fake.Records(qbo.ObjectItem) {
		assert.Equal(t, "income", item.RefValue("IncomeAccountRef"))
	}
}

func TestPartialFailureKeepsEarlierRecords(t *testing.T) {
	fake := newFake(t)
	s := New(Config{})
	ctx := context.Background()
	txn := chargeTxn()
	txn.Invoice = nil

	fake.FailCreate(qbo.ObjectPurchase, "Account is inactive")
	failed := s.SyncTransaction(ctx, newTestSession(t, fake, CurrencyStrict), testSettings, txn)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "Account is inactive", failed.FailureReason)
	assert.NotEmpty(t, failed.PaymentID)
	assert.Empty(t, failed.ExpenseID)

	fake.FailCreate(qbo.ObjectPurchase, "")
	retried := s.SyncTransaction(ctx, newTestSession(t, fake, CurrencyStrict), testSettings, txn)
	require.Equal(t, StatusSuccess, retried.Status)
	assert.Equal(t, failed.PaymentID, retried.PaymentID)
	assert.NotEmpty(t, retried.ExpenseID)
	assert.Equal(t, 1, fake.Creates(qbo.ObjectPayment))
	assert.Equal(t, 1, fake.Creates(qbo.ObjectPurchase))
}

func TestStrictCurrencyMismatch(t *testing.T) {
	fake := newFake(t)
	out := New(Config{}).SyncTransaction(context.Background(), newTestSession(t, fake, CurrencyStrict), testSettings, feeTxn("cad"))

	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.FailureReason, "currency mismatch")
	assert.Contains(t, out.FailureReason, "CAD")
	assert.Zero(t, fake.TotalCreates())
}

func TestExchangeRateMode(t *testing.T) {
	t.Run("uses rate and currency settings", func(t *testing.T) {
		fake := newFake(t)
		fake.SetExchangeRate("CAD", 1.35)

		out := New(Config{}).SyncTransaction(context.Background(), newTestSession(t, fake, CurrencyExchangeRate), testSettings, feeTxn("cad"))
		require.Equal(t, StatusSuccess, out.Status, out.FailureReason)

		expense := fake.Records(qbo.ObjectPurchase)[0]
		assert.Equal(t, 1.35, expense["ExchangeRate"])
		assert.Equal(t, 3.0, expense["TotalAmt"])
		assert.Equal(t, "CAD", expense.RefValue("CurrencyRef"))
		assert.Equal(t, "clearing-cad", expense.RefValue("AccountRef"))
		assert.Equal(t, "vendor-cad", expense.RefValue("EntityRef"))
	})

	t.Run("qualifies customer in another currency", func(t *testing.T) {
		fake := newFake(t)
		fake.SetExchangeRate("CAD", 1.35)
		fake.Seed(qbo.ObjectCustomer, qbo.Record{"DisplayName": "Acme", "CurrencyRef": map[string]any{"value": "USD"}})

		txn := chargeTxn()
		txn.Invoice = nil
		txn.Currency = "cad"
		txn.Charge.Currency = "cad"

		out := New(Config{}).SyncTransaction(context.Background(), newTestSession(t, fake, CurrencyExchangeRate), testSettings, txn)
		require.Equal(t, StatusSuccess, out.Status, out.FailureReason)

		payment := fake.Records(qbo.ObjectPayment)[0]
		customers := fake.Records(qbo.ObjectCustomer)
		require.Len(t, customers, 2)
		assert.Equal(t, "Acme (CAD)", customers[1].String("DisplayName"))
		assert.Equal(t, customers[1].ID(), payment.RefValue("CustomerRef"))
	})

	t.Run("missing rate fails with fault detail", func(t *testing.T) {
		fake := newFake(t)
		out := New(Config{}).SyncTransaction(context.Background(), newTestSession(t, fake, CurrencyExchangeRate), testSettings, feeTxn("eur"))
		assert.Equal(t, StatusFailed, out.Status)
		assert.Equal(t, "No exchange rate for EUR", out.FailureReason)
	})
}

func TestSalesTaxDisabled(t *testing.T) {
	fake := qbotest.New(t)
	fake.SetUsingSalesTax(false)

	sess := newTestSession(t, fake, CurrencyStrict)
	assert.Empty(t, sess.TaxCodes)

	out := New(Config{}).SyncTransaction(context.Background(), sess, testSettings, chargeTxn())
	require.Equal(t, StatusSuccess, out.Status, out.FailureReason)

	invoice := fake.Records(qbo.ObjectInvoice)[0]
	assert.NotContains(t, invoice, "TxnTaxDetail")
	assert.Nil(t, field(invoice, "Line", 0, "SalesItemLineDetail", "TaxCodeRef"))
}

func TestMissingTaxCodeIsValidationFailure(t *testing.T) {
	fake := qbotest.New(t)

	sess := newTestSession(t, fake, CurrencyStrict)
	assert.Empty(t, sess.TaxCodes)

	out := New(Config{}).SyncTransaction(context.Background(), sess, testSettings, chargeTxn())
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, "Configured tax code 5 not found in QBO", out.FailureReason)
	assert.Empty(t, out.InvoiceID)
	assert.Zero(t, fake.Creates(qbo.ObjectInvoice))
	assert.Zero(t, fake.Creates(qbo.ObjectPayment))

	// Fees need no tax code.
	fee := New(Config{}).SyncTransaction(context.Background(), sess, testSettings, feeTxn("usd"))
	assert.Equal(t, StatusSuccess, fee.Status, fee.FailureReason)
}

type panicBackend struct{ Backend }

func (panicBackend) Query(context.Context, string, string) ([]qbo.Record, error) {
	panic("boom")
}

func TestPanicBecomesServerError(t *testing.T) {
	backend := panicBackend{}
	sess := &Session{
		Backend:      backend,
		HomeCurrency: "USD",
		Mode:         CurrencyStrict,
		Resolver:     resolver.New(backend, nil),
		Guard:        idempotency.NewGuard(idempotency.NewNoteStore(backend), nil),
	}

	out := New(Config{}).SyncTransaction(context.Background(), sess, testSettings, payoutTxn())
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ServerErrorReason, out.FailureReason)
}

func TestReason(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		want     string
		expected bool
	}{
		{"validation", invalid("Unsupported transaction type: %s", "topup"), "Unsupported transaction type: topup", true},
		{"qbo fault", fmt.Errorf("failed to create Invoice: %w", &qbo.FaultError{StatusCode: 400, Fault: qbo.Fault{Error: []qbo.FaultDetail{{Message: "Business Validation Error", Detail: "Invalid tax rate"}}}}), "Invalid tax rate", true},
		{"stripe error", fmt.Errorf("fetch: %w", &stripe.Error{Msg: "No such balance transaction"}), "No such balance transaction", true},
		{"unexpected", errors.New("connection reset"), ServerErrorReason, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, expected := Reason(tt.err)
			assert.Equal(t, tt.want, reason)
			assert.Equal(t, tt.expected, expected)
		})
	}
}

func TestParseCurrencyMode(t *testing.T) {
	mode, err := ParseCurrencyMode("")
	require.NoError(t, err)
	assert.Equal(t, CurrencyStrict, mode)

	mode, err = ParseCurrencyMode("multi-currency-with-exchange-rate")
	require.NoError(t, err)
	assert.Equal(t, CurrencyExchangeRate, mode)

	_, err = ParseCurrencyMode("loose")
	assert.Error(t, err)
}
