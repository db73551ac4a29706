package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/converter"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/idempotency"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/resolver"
	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/settings"
)

// Backend is the QBO API used by a sync run.
type Backend interface {
	Query(ctx context.Context, objectType, filter string) ([]qbo.Record, error)
	Create(ctx context.Context, objectType string, body any) (qbo.Record, error)
	GetTaxCode(ctx context.Context, id string) (*qbo.TaxCode, error)
	GetExchangeRate(ctx context.Context, currency, date string) (float64, error)
	HomeCurrency(ctx context.Context) (string, error)
	UsingSalesTax(ctx context.Context) (bool, error)
}

// Session is the state shared by the transactions of one run: the backend,
// the company's home currency and tax codes, and the per-run entity cache.
type Session struct {
	Backend       Backend
	HomeCurrency  string
	UsingSalesTax bool
	TaxCodes      converter.TaxCodes
	Mode          CurrencyMode
	Resolver      *resolver.Resolver
	Guard         *idempotency.Guard
}

// SessionOptions configures NewSession.
type SessionOptions struct {
	Mode CurrencyMode

	// Stores consulted before the private-note lookup, e.g. a local
	// mapping table. Their hits are confirmed against QBO by id. Created
	// ids are remembered in all of them.
	Stores []idempotency.KeyStore

	Logger *slog.Logger
}

// NewSession loads the company preferences and the tax codes referenced by s.
func NewSession(ctx context.Context, backend Backend, s settings.Settings, opts SessionOptions) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mode := opts.Mode
	if mode == "" {
		mode = CurrencyStrict
	}

	home, err := backend.HomeCurrency(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get home currency: %w", err)
	}

	usingSalesTax, err := backend.UsingSalesTax(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get tax preferences: %w", err)
	}

	taxCodes := converter.TaxCodes{}
	if usingSalesTax {
		for _, id := range s.RealTaxCodeIDs() {
			code, err := backend.GetTaxCode(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to get tax code %s: %w", id, err)
			}
			if code == nil {
				// Invoices that need it fail with a validation error.
				logger.Warn("Configured tax code not found", "tax_code_id", id)
				continue
			}
			taxCodes[id] = code
		}
	}

	var stores idempotency.Layered
	for _, store := range opts.Stores {
		stores = append(stores, idempotency.NewConfirmed(store, backend, logger))
	}
	stores = append(stores, idempotency.NewNoteStore(backend))

	logger.Debug("Sync session ready",
		"home_currency", home, "using_sales_tax", usingSalesTax, "tax_codes", len(taxCodes), "currency_mode", mode)

	return &Session{
		Backend:       backend,
		HomeCurrency:  home,
		UsingSalesTax: usingSalesTax,
		TaxCodes:      taxCodes,
		Mode:          mode,
		Resolver:      resolver.New(backend, logger),
		Guard:         idempotency.NewGuard(stores, logger),
	}, nil
}
