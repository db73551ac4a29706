package stripetxn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
)

const chargeTxnJSON = `{
  "id": "txn_1",
  "object": "balance_transaction",
  "amount": 1600,
  "created": 1704196800,
  "currency": "usd",
  "description": "Invoice 0001",
  "exchange_rate": null,
  "fee": 59,
  "type": "charge",
  "source": {
    "id": "ch_1",
    "object": "charge",
    "amount": 1600,
    "created": 1704196800,
    "currency": "usd",
    "description": "Subscription",
    "customer": {"id": "cus_1", "object": "customer", "name": "Acme"},
    "invoice": {
      "id": "in_1",
      "object": "invoice",
      "created": 1704110400,
      "due_date": null,
      "amount_due": 1600,
      "tax": 100,
      "currency": "usd",
      "number": "0001",
      "lines": {
        "object": "list",
        "has_more": false,
        "data": [
          {"id": "il_1", "amount": 1000, "description": "Pro plan", "quantity": 1,
           "price": {"id": "price_1", "product": "prod_1"},
           "tax_amounts": [{"amount": 100, "taxable_amount": 1000, "tax_rate": "txr_1"}]},
          {"id": "il_2", "amount": 500, "description": "Setup", "quantity": 1,
           "price": {"id": "price_2", "product": {"id": "prod_2", "object": "product", "name": "Setup fee"}},
           "tax_amounts": []}
        ]
      }
    }
  }
}`

const payoutTxnJSON = `{
  "id": "txn_2",
  "object": "balance_transaction",
  "amount": -5000,
  "created": 1704196800,
  "currency": "usd",
  "fee": 0,
  "type": "payout",
  "source": {"id": "po_1", "object": "payout", "amount": 5000, "arrival_date": 1704283200, "created": 1704196800, "description": "STRIPE PAYOUT"}
}`

func newTestFetcher(t *testing.T, handler http.Handler) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	})
	return NewFetcher(FetcherConfig{APIKey: "sk_test_123", AccountID: "acct_1", Backend: backend})
}

func writeBody(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func TestFetchChargeWithInvoice(t *testing.T) {
	var productCalls, rateCalls atomic.Int32
	var sawAccount atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/balance_transactions/txn_1", func(w http.ResponseWriter, r *http.Request) {
		sawAccount.Store(r.Header.Get("Stripe-Account") == "acct_1")
		assert.Contains(t, r.URL.Query().Encode(), "source.invoice")
		writeBody(w, chargeTxnJSON)
	})
	mux.HandleFunc("GET /v1/products/prod_1", func(w http.ResponseWriter, r *http.Request) {
		productCalls.Add(1)
		writeBody(w, `{"id": "prod_1", "object": "product", "name": "Pro plan"}`)
	})
	mux.HandleFunc("GET /v1/tax_rates/txr_1", func(w http.ResponseWriter, r *http.Request) {
		rateCalls.Add(1)
		writeBody(w, `{"id": "txr_1", "object": "tax_rate", "percentage": 10}`)
	})

	fetcher := newTestFetcher(t, mux)
	txn, err := fetcher.FetchTransaction(context.Background(), "txn_1")
	require.NoError(t, err)

	assert.True(t, sawAccount.Load())
	assert.Equal(t, TypeCharge, txn.Type)
	assert.Equal(t, int64(59), txn.Fee)
	assert.Equal(t, 1.0, txn.Rate())
	assert.Equal(t, "USD", txn.CurrencyCode())

	require.NotNil(t, txn.Charge)
	assert.Equal(t, "ch_1", txn.Charge.ID)
	require.NotNil(t, txn.Customer)
	assert.Equal(t, "Acme", txn.Customer.Name)

	require.NotNil(t, txn.Invoice)
	inv := txn.Invoice
	assert.Equal(t, int64(100), inv.TaxTotal())
	assert.Equal(t, "0001", inv.Number)
	require.Len(t, inv.Lines, 2)
	assert.Equal(t, "Pro plan", inv.Lines[0].ProductName)
	assert.Equal(t, "Setup fee", inv.Lines[1].ProductName)
	require.Len(t, inv.Lines[0].TaxAmounts, 1)
	assert.Equal(t, 10.0, inv.Lines[0].TaxAmounts[0].TaxRate.Percentage)
	assert.Empty(t, inv.Lines[1].TaxAmounts)

	assert.Equal(t, int32(1), productCalls.Load())
	assert.Equal(t, int32(1), rateCalls.Load())
}

func TestFetchPayout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/balance_transactions/txn_2", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, payoutTxnJSON)
	})

	txn, err := newTestFetcher(t, mux).FetchTransaction(context.Background(), "txn_2")
	require.NoError(t, err)
	require.NotNil(t, txn.Payout)
	assert.Equal(t, "po_1", txn.Payout.ID)
	assert.Equal(t, int64(5000), txn.Payout.Amount)
	assert.Nil(t, txn.Charge)
}

func TestFetchSendsExpansionsOnTypedParams(t *testing.T) {
	var hits atomic.Int32
	var expand []string

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/balance_transactions/txn_2", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		for key, values := range r.URL.Query() {
			if strings.HasPrefix(key, "expand") {
				expand = append(expand, values...)
			}
		}
		writeBody(w, payoutTxnJSON)
	})

	_, err := newTestFetcher(t, mux).FetchTransaction(context.Background(), "txn_2")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.ElementsMatch(t, []string{"source", "source.customer", "source.invoice"}, expand)
}

const pagedChargeTxnJSON = `{
  "id": "txn_3",
  "object": "balance_transaction",
  "amount": 2000,
  "created": 1704196800,
  "currency": "eur",
  "exchange_rate": 1.1,
  "fee": 88,
  "type": "payment",
  "source": {
    "id": "ch_3",
    "object": "charge",
    "amount": 2000,
    "created": 1704196800,
    "currency": "eur",
    "customer": "cus_3",
    "invoice": {
      "id": "in_3",
      "object": "invoice",
      "created": 1704110400,
      "due_date": 1704715200,
      "amount_due": 2000,
      "tax": null,
      "total_tax_amounts": [{"amount": 150, "taxable_amount": 1500}],
      "currency": "eur",
      "lines": {
        "object": "list",
        "has_more": true,
        "data": [{"id": "il_1", "amount": 1500, "quantity": 1,
          "price": {"id": "price_1", "product": {"id": "prod_1", "object": "product", "name": "Pro plan"}}}]
      }
    }
  }
}`

func TestFetchListsRemainingLinesAndCustomer(t *testing.T) {
	var lineCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/balance_transactions/txn_3", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, pagedChargeTxnJSON)
	})
	mux.HandleFunc("GET /v1/customers/cus_3", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, `{"id": "cus_3", "object": "customer", "name": "", "email": "billing@example.com"}`)
	})
	mux.HandleFunc("GET /v1/invoices/in_3/lines", func(w http.ResponseWriter, r *http.Request) {
		lineCalls.Add(1)
		writeBody(w, `{"object": "list", "url": "/v1/invoices/in_3/lines", "has_more": false, "data": [
			{"id": "il_1", "object": "line_item", "amount": 1500, "quantity": 1,
			 "price": {"id": "price_1", "product": {"id": "prod_1", "object": "product", "name": "Pro plan"}}},
			{"id": "il_2", "object": "line_item", "amount": 500, "quantity": 2,
			 "plan": {"id": "plan_1", "product": {"id": "prod_2", "object": "product", "name": "Seats"}}}
		]}`)
	})

	txn, err := newTestFetcher(t, mux).FetchTransaction(context.Background(), "txn_3")
	require.NoError(t, err)

	assert.Equal(t, TypePayment, txn.Type)
	assert.InDelta(t, 1.1, txn.Rate(), 1e-9)

	require.NotNil(t, txn.Customer)
	assert.Equal(t, "cus_3", txn.Customer.ID)
	assert.Equal(t, "billing@example.com", txn.Customer.Email)

	require.NotNil(t, txn.Invoice)
	inv := txn.Invoice
	assert.Equal(t, int64(150), inv.TaxTotal())
	require.NotNil(t, inv.DueDate)
	assert.Equal(t, int64(1704715200), *inv.DueDate)
	require.Len(t, inv.Lines, 2)
	assert.Equal(t, "Seats", inv.Lines[1].ProductName)
	assert.Equal(t, int64(2), inv.Lines[1].Quantity)
	assert.Equal(t, int32(1), lineCalls.Load())
}

func TestFetchNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/balance_transactions/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "No such balance transaction"}}`))
	})

	_, err := newTestFetcher(t, mux).FetchTransaction(context.Background(), "txn_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "txn_missing")
}

func TestListTransactionIDs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/balance_transactions", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Encode()
		assert.True(t, strings.Contains(q, "gte"), q)
		writeBody(w, `{"object": "list", "url": "/v1/balance_transactions", "has_more": false,
			"data": [{"id": "txn_1", "object": "balance_transaction"}, {"id": "txn_2", "object": "balance_transaction"}]}`)
	})

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ids, err := newTestFetcher(t, mux).ListTransactionIDs(context.Background(), ListOptions{From: from, To: from.AddDate(0, 1, 0)})
	require.NoError(t, err)
	assert.Equal(t, []string{"txn_1", "txn_2"}, ids)
}

func TestDate(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	assert.Equal(t, "2024-01-02", Date(1704196800, nil))
	assert.Equal(t, "2024-01-02", Date(1704196800, tokyo))
	assert.Equal(t, "2024-01-01", Date(1704150000, nil))
	assert.Equal(t, "2024-01-02", Date(1704150000, tokyo))
}
