// Package resolver finds or creates the QBO customers, vendors, accounts and
// items that synced records reference.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo"
)

// Kind is the type of entity being resolved.
type Kind string

// Entity kinds.
const (
	KindCustomer Kind = qbo.ObjectCustomer
	KindVendor   Kind = qbo.ObjectVendor
	KindAccount  Kind = qbo.ObjectAccount
	KindItem     Kind = qbo.ObjectItem
)

// maxDisambiguation bounds how many times a name is currency-qualified.
const maxDisambiguation = 1

var (
	// ErrCurrencyConflict is returned when even the currency-qualified name
	// belongs to an entity in another currency.
	ErrCurrencyConflict = errors.New("entity exists with a different currency")

	// ErrAmbiguous is returned when several accounts share a name.
	ErrAmbiguous = errors.New("multiple entities share the name")
)

// Backend is the subset of the QBO client the resolver needs.
type Backend interface {
	Query(ctx context.Context, objectType, filter string) ([]qbo.Record, error)
	Create(ctx context.Context, objectType string, body any) (qbo.Record, error)
}

// Request describes the entity to resolve.
type Request struct {
	Kind            Kind
	Name            string
	Currency        string // Ignored for items
	AccountType     string // Accounts only, e.g. "Income"
	IncomeAccountID string // Items only
}

// Entity is a resolved QBO entity.
type Entity struct {
	Kind     Kind
	ID       string
	Name     string
	Currency string
}

// Ref returns a reference to the entity.
func (e Entity) Ref() qbo.Ref {
	return qbo.Ref{Value: e.ID, Name: e.Name}
}

// Resolver resolves entities for one sync run. It caches results and
// collapses concurrent creates of the same entity, so it must not be reused
// across runs.
type Resolver struct {
	backend Backend
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]Entity
	group singleflight.Group
}

// New creates a resolver backed by the QBO API.
func New(backend Backend, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		backend: backend,
		logger:  logger,
		cache:   make(map[string]Entity),
	}
}

// Customer resolves a customer by display name and currency.
func (r *Resolver) Customer(ctx context.Context, name, currency string) (Entity, error) {
	return r.Resolve(ctx, Request{Kind: KindCustomer, Name: name, Currency: currency})
}

// Item resolves a service item, creating it against incomeAccountID if missing.
func (r *Resolver) Item(ctx context.Context, name, incomeAccountID string) (Entity, error) {
	return r.Resolve(ctx, Request{Kind: KindItem, Name: name, IncomeAccountID: incomeAccountID})
}

// Account resolves an account by name, type and currency.
func (r *Resolver) Account(ctx context.Context, name, accountType, currency string) (Entity, error) {
	return r.Resolve(ctx, Request{Kind: KindAccount, Name: name, AccountType: accountType, Currency: currency})
}

// Resolve returns the entity matching req, creating it on a miss.
// An existing entity in another currency is never reused; the name is
// suffixed with " (CUR)" and resolved again, at most once.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Entity, error) {
	if req.Name == "" {
		return Entity{}, fmt.Errorf("cannot resolve %s without a name", req.Kind)
	}
	if req.Kind == KindItem {
		req.Currency = ""
	}
	req.Currency = strings.ToUpper(req.Currency)

	key := cacheKey(req)
	if e, ok := r.cached(key); ok {
		return e, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if e, ok := r.cached(key); ok {
			return e, nil
		}
		e, err := r.resolve(ctx, req)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[key] = e
		r.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return Entity{}, err
	}
	return v.(Entity), nil
}

func (r *Resolver) resolve(ctx context.Context, req Request) (Entity, error) {
	name := req.Name
	for attempt := 0; attempt <= maxDisambiguation; attempt++ {
		e, found, err := r.lookup(ctx, req.Kind, name)
		if err != nil {
			return Entity{}, err
		}
		if !found {
			e, err = r.create(ctx, req, name)
			if err != nil {
				return Entity{}, err
			}
		}

		if req.Currency == "" || e.Currency == "" || strings.EqualFold(e.Currency, req.Currency) {
			return e, nil
		}

		r.logger.Debug("Entity exists in another currency",
			"kind", req.Kind, "name", name, "currency", e.Currency, "requested", req.Currency)
		name = fmt.Sprintf("%s (%s)", req.Name, req.Currency)
	}

	return Entity{}, fmt.Errorf("%w: %s %q", ErrCurrencyConflict, req.Kind, name)
}

func (r *Resolver) lookup(ctx context.Context, kind Kind, name string) (Entity, bool, error) {
	field := nameField(kind)
	records, err := r.backend.Query(ctx, string(kind), field+" = "+qbo.Quote(name))
	if err != nil {
		return Entity{}, false, fmt.Errorf("failed to look up %s %q: %w", kind, name, err)
	}
	if len(records) == 0 {
		return Entity{}, false, nil
	}
	if kind == KindAccount && len(records) > 1 {
		return Entity{}, false, fmt.Errorf("%w: %s %q", ErrAmbiguous, kind, name)
	}
	return toEntity(kind, records[0]), true, nil
}

func (r *Resolver) create(ctx context.Context, req Request, name string) (Entity, error) {
	var body any
	var currencyRef *qbo.Ref
	if req.Currency != "" {
		currencyRef = &qbo.Ref{Value: req.Currency}
	}

	switch req.Kind {
	case KindCustomer:
		body = qbo.Customer{DisplayName: name, CurrencyRef: currencyRef}
	case KindVendor:
		body = qbo.Vendor{DisplayName: name, CurrencyRef: currencyRef}
	case KindAccount:
		if req.AccountType == "" {
			return Entity{}, fmt.Errorf("cannot create account %q without an account type", name)
		}
		body = qbo.Account{Name: name, AccountType: req.AccountType, CurrencyRef: currencyRef}
	case KindItem:
		if req.IncomeAccountID == "" {
			return Entity{}, fmt.Errorf("cannot create item %q without an income account", name)
		}
		body = qbo.Item{Name: name, Type: "Service", IncomeAccountRef: qbo.Ref{Value: req.IncomeAccountID}}
	default:
		return Entity{}, fmt.Errorf("unsupported entity kind %q", req.Kind)
	}

	record, err := r.backend.Create(ctx, string(req.Kind), body)
	if err != nil {
		return Entity{}, err
	}

	e := toEntity(req.Kind, record)
	if e.Currency == "" {
		e.Currency = req.Currency
	}
	r.logger.Info("Created QBO entity", "kind", req.Kind, "id", e.ID, "name", e.Name, "currency", e.Currency)
	return e, nil
}

func nameField(kind Kind) string {
	if kind == KindCustomer || kind == KindVendor {
		return "DisplayName"
	}
	return "Name"
}

func toEntity(kind Kind, rec qbo.Record) Entity {
	return Entity{
		Kind:     kind,
		ID:       rec.ID(),
		Name:     rec.String(nameField(kind)),
		Currency: strings.ToUpper(rec.RefValue("CurrencyRef")),
	}
}

func (r *Resolver) cached(key string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[key]
	return e, ok
}

func cacheKey(req Request) string {
	return string(req.Kind) + "\x00" + req.Name + "\x00" + req.Currency
}
