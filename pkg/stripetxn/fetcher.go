package stripetxn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/balancetransaction"
	"github.com/stripe/stripe-go/v81/customer"
	"github.com/stripe/stripe-go/v81/invoice"
	"github.com/stripe/stripe-go/v81/product"
	"github.com/stripe/stripe-go/v81/taxrate"
)

// FetcherConfig represents the configuration for a Fetcher.
type FetcherConfig struct {
	APIKey    string
	AccountID string        // Connected account; empty for the platform account
	Backend   stripe.Backend // Default: the global Stripe API backend
	Logger    *slog.Logger
}

// Fetcher reads balance transactions through the Stripe API.
type Fetcher struct {
	backend stripe.Backend
	key     string
	account string
	logger  *slog.Logger
}

// NewFetcher creates a new Fetcher.
func NewFetcher(config FetcherConfig) *Fetcher {
	backend := config.Backend
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		backend: backend,
		key:     config.APIKey,
		account: config.AccountID,
		logger:  logger,
	}
}

// ListOptions narrows ListTransactionIDs.
type ListOptions struct {
	From     time.Time
	To       time.Time
	Type     string
	Currency string
}

// ListTransactionIDs returns the ids of balance transactions created in the range.
func (f *Fetcher) ListTransactionIDs(ctx context.Context, opts ListOptions) ([]string, error) {
	client := balancetransaction.Client{B: f.backend, Key: f.key}

	params := &stripe.BalanceTransactionListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	params.CreatedRange = &stripe.RangeQueryParams{}
	if !opts.From.IsZero() {
		params.CreatedRange.GreaterThanOrEqual = opts.From.Unix()
	}
	if !opts.To.IsZero() {
		params.CreatedRange.LesserThanOrEqual = opts.To.Unix()
	}
	if opts.Type != "" {
		params.Type = stripe.String(opts.Type)
	}
	if opts.Currency != "" {
		params.Currency = stripe.String(opts.Currency)
	}
	if f.account != "" {
		params.SetStripeAccount(f.account)
	}

	var ids []string
	iter := client.List(params)
	for iter.Next() {
		ids = append(ids, iter.BalanceTransaction().ID)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list balance transactions: %w", err)
	}
	return ids, nil
}

// FetchTransaction fetches one balance transaction and resolves the related
// charge, customer, invoice (with product names and tax rates) or payout.
func (f *Fetcher) FetchTransaction(ctx context.Context, id string) (*Transaction, error) {
	params := &stripe.BalanceTransactionParams{}
	f.scope(ctx, &params.Params)
	params.AddExpand("source")
	params.AddExpand("source.customer")
	params.AddExpand("source.invoice")

	bt, err := balancetransaction.Client{B: f.backend, Key: f.key}.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance transaction %s: %w", id, err)
	}

	txn := &Transaction{
		ID:          bt.ID,
		Created:     bt.Created,
		Type:        string(bt.Type),
		Amount:      bt.Amount,
		Fee:         bt.Fee,
		Currency:    string(bt.Currency),
		Description: bt.Description,
	}
	if bt.ExchangeRate != 0 {
		rate := bt.ExchangeRate
		txn.ExchangeRate = &rate
	}

	var source stripe.BalanceTransactionSource
	if bt.Source != nil {
		source = *bt.Source
	}

	switch txn.Type {
	case TypeCharge, TypePayment:
		if source.Charge != nil {
			if err := f.attachCharge(ctx, txn, source.Charge); err != nil {
				return nil, err
			}
		}
	case TypePayout:
		if p := source.Payout; p != nil {
			txn.Payout = &Payout{
				ID:          p.ID,
				Amount:      p.Amount,
				ArrivalDate: p.ArrivalDate,
				Created:     p.Created,
				Description: p.Description,
			}
		}
	default:
		f.logger.Debug("Balance transaction has no bookkeeping source", "transaction_id", id, "type", txn.Type)
	}

	return txn, nil
}

func (f *Fetcher) attachCharge(ctx context.Context, txn *Transaction, ch *stripe.Charge) error {
	txn.Charge = &Charge{
		ID:          ch.ID,
		Amount:      ch.Amount,
		Created:     ch.Created,
		Description: ch.Description,
		Currency:    string(ch.Currency),
	}

	if cust := ch.Customer; cust != nil {
		if !expanded(cust.Object) {
			params := &stripe.CustomerParams{}
			f.scope(ctx, &params.Params)
			fetched, err := customer.Client{B: f.backend, Key: f.key}.Get(cust.ID, params)
			if err != nil {
				return fmt.Errorf("failed to fetch customer %s: %w", cust.ID, err)
			}
			cust = fetched
		}
		txn.Customer = &Customer{ID: cust.ID, Name: cust.Name, Email: cust.Email, Description: cust.Description}
	}

	inv := ch.Invoice
	if inv == nil {
		return nil
	}
	if !expanded(inv.Object) {
		params := &stripe.InvoiceParams{}
		f.scope(ctx, &params.Params)
		fetched, err := invoice.Client{B: f.backend, Key: f.key}.Get(inv.ID, params)
		if err != nil {
			return fmt.Errorf("failed to fetch invoice %s: %w", inv.ID, err)
		}
		inv = fetched
	}

	resolved, err := f.resolveInvoice(ctx, inv)
	if err != nil {
		return err
	}
	txn.Invoice = resolved
	return nil
}

// resolveInvoice lists the remaining invoice lines and resolves product
// names and tax rates that were returned as ids.
func (f *Fetcher) resolveInvoice(ctx context.Context, inv *stripe.Invoice) (*Invoice, error) {
	var lines []*stripe.InvoiceLineItem
	if inv.Lines != nil {
		lines = inv.Lines.Data
	}
	if inv.Lines != nil && inv.Lines.HasMore {
		all, err := f.listLines(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		lines = all
	}

	tax := inv.Tax
	if tax == 0 {
		for _, t := range inv.TotalTaxAmounts {
			tax += t.Amount
		}
	}

	out := &Invoice{
		ID:        inv.ID,
		Created:   inv.Created,
		AmountDue: inv.AmountDue,
		Currency:  string(inv.Currency),
		Number:    inv.Number,
	}
	if inv.DueDate != 0 {
		due := inv.DueDate
		out.DueDate = &due
	}
	if tax != 0 {
		out.Tax = &tax
	}

	products := make(map[string]string)
	rates := make(map[string]*TaxRate)

	for _, l := range lines {
		name, err := f.productName(ctx, l, products)
		if err != nil {
			return nil, err
		}

		line := InvoiceLine{
			ID:          l.ID,
			Amount:      l.Amount,
			Description: l.Description,
			Quantity:    l.Quantity,
			ProductName: name,
		}
		for _, ta := range l.TaxAmounts {
			rate, err := f.taxRate(ctx, ta.TaxRate, rates)
			if err != nil {
				return nil, err
			}
			line.TaxAmounts = append(line.TaxAmounts, TaxAmount{
				Amount:        ta.Amount,
				TaxableAmount: ta.TaxableAmount,
				TaxRate:       rate,
			})
		}
		out.Lines = append(out.Lines, line)
	}

	return out, nil
}

func (f *Fetcher) listLines(ctx context.Context, invoiceID string) ([]*stripe.InvoiceLineItem, error) {
	params := &stripe.InvoiceListLinesParams{Invoice: stripe.String(invoiceID)}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	if f.account != "" {
		params.SetStripeAccount(f.account)
	}

	var lines []*stripe.InvoiceLineItem
	iter := invoice.Client{B: f.backend, Key: f.key}.ListLines(params)
	for iter.Next() {
		lines = append(lines, iter.InvoiceLineItem())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list lines of invoice %s: %w", invoiceID, err)
	}
	return lines, nil
}

func (f *Fetcher) productName(ctx context.Context, l *stripe.InvoiceLineItem, cache map[string]string) (string, error) {
	var p *stripe.Product
	switch {
	case l.Price != nil && l.Price.Product != nil:
		p = l.Price.Product
	case l.Plan != nil && l.Plan.Product != nil:
		p = l.Plan.Product
	default:
		return "Unknown", nil
	}

	if expanded(p.Object) {
		return p.Name, nil
	}
	if name, ok := cache[p.ID]; ok {
		return name, nil
	}

	params := &stripe.ProductParams{}
	f.scope(ctx, &params.Params)
	fetched, err := product.Client{B: f.backend, Key: f.key}.Get(p.ID, params)
	if err != nil {
		return "", fmt.Errorf("failed to fetch product %s: %w", p.ID, err)
	}
	cache[p.ID] = fetched.Name
	return fetched.Name, nil
}

func (f *Fetcher) taxRate(ctx context.Context, r *stripe.TaxRate, cache map[string]*TaxRate) (*TaxRate, error) {
	if r == nil || r.ID == "" {
		return nil, nil
	}
	if expanded(r.Object) {
		return &TaxRate{ID: r.ID, Percentage: r.Percentage}, nil
	}
	if rate, ok := cache[r.ID]; ok {
		return rate, nil
	}

	params := &stripe.TaxRateParams{}
	f.scope(ctx, &params.Params)
	fetched, err := taxrate.Client{B: f.backend, Key: f.key}.Get(r.ID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tax rate %s: %w", r.ID, err)
	}
	rate := &TaxRate{ID: fetched.ID, Percentage: fetched.Percentage}
	cache[r.ID] = rate
	return rate, nil
}

// scope binds request params to ctx and the connected account.
func (f *Fetcher) scope(ctx context.Context, p *stripe.Params) {
	p.Context = ctx
	if f.account != "" {
		p.SetStripeAccount(f.account)
	}
}

// expanded reports whether an id-or-object field came back as an object.
func expanded(object string) bool {
	return object != ""
}
