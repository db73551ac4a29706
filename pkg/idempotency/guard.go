// Package idempotency prevents duplicate QBO records when a transaction is
// synced more than once.
//
// QBO has no external-id field, so the Stripe id is embedded in the record's
// private note and looked up again before every create. Lookups filter by
// transaction date, so a record whose date was rendered differently on an
// earlier run (for example after a timezone change) is not found. A local
// mapping table layered in front of the note lookup covers runs from the
// same installation; its hits are confirmed by id.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/qbo"
)

// ErrNoSourceID is returned for keys without a source id.
var ErrNoSourceID = errors.New("idempotency key has no source id")

// Key identifies the record created for a source object.
type Key struct {
	ObjectType string // QBO object type, e.g. "Invoice"
	CustomerID string // Optional CustomerRef filter
	TxnDate    string // Optional TxnDate filter (YYYY-MM-DD)
	SourceID   string // Stripe id embedded in the private note
}

// KeyStore finds and remembers the record created for a key.
type KeyStore interface {
	Find(ctx context.Context, key Key) (string, bool, error)
	Remember(ctx context.Context, key Key, id string) error
}

// Querier is the query capability of the QBO backend.
type Querier interface {
	Query(ctx context.Context, objectType, filter string) ([]qbo.Record, error)
}

// NoteStore finds records in QBO by their private note.
type NoteStore struct {
	backend Querier
}

// NewNoteStore creates a NoteStore.
func NewNoteStore(backend Querier) *NoteStore {
	return &NoteStore{backend: backend}
}

// Find returns the first record of key.ObjectType whose private note
// contains the source id.
func (s *NoteStore) Find(ctx context.Context, key Key) (string, bool, error) {
	records, err := s.backend.Query(ctx, key.ObjectType, filterFor(key))
	if err != nil {
		return "", false, err
	}
	for _, rec := range records {
		if strings.Contains(rec.PrivateNote(), key.SourceID) {
			return rec.ID(), true, nil
		}
	}
	return "", false, nil
}

// Remember is a no-op: the note written on the record is what Find matches.
func (s *NoteStore) Remember(context.Context, Key, string) error {
	return nil
}

func filterFor(key Key) string {
	var conds []string
	if key.TxnDate != "" {
		conds = append(conds, "TxnDate = "+qbo.Quote(key.TxnDate))
	}
	if key.CustomerID != "" {
		conds = append(conds, "CustomerRef = "+qbo.Quote(key.CustomerID))
	}
	return strings.Join(conds, " and ")
}

// Layered consults stores in order. A hit in a later store is copied into
// the earlier ones.
type Layered []KeyStore

// Find implements KeyStore.
func (l Layered) Find(ctx context.Context, key Key) (string, bool, error) {
	for i, store := range l {
		id, ok, err := store.Find(ctx, key)
		if err != nil {
			return "", false, err
		}
		if !ok {
			continue
		}
		for _, earlier := range l[:i] {
			if err := earlier.Remember(ctx, key, id); err != nil {
				return "", false, err
			}
		}
		return id, true, nil
	}
	return "", false, nil
}

// Remember implements KeyStore.
func (l Layered) Remember(ctx context.Context, key Key, id string) error {
	for _, store := range l {
		if err := store.Remember(ctx, key, id); err != nil {
			return err
		}
	}
	return nil
}

// Forgetter drops the mapping remembered for a source id.
type Forgetter interface {
	Forget(ctx context.Context, objectType, sourceID string) error
}

// Confirmed checks every hit of a local store against QBO. A mapped record
// that no longer exists in QBO is forgotten and reported as missing, so it
// is created again.
type Confirmed struct {
	store   KeyStore
	backend Querier
	logger  *slog.Logger
}

// NewConfirmed wraps store. store may implement Forgetter.
func NewConfirmed(store KeyStore, backend Querier, logger *slog.Logger) *Confirmed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Confirmed{store: store, backend: backend, logger: logger}
}

// Find implements KeyStore.
func (c *Confirmed) Find(ctx context.Context, key Key) (string, bool, error) {
	id, ok, err := c.store.Find(ctx, key)
	if err != nil || !ok {
		return id, ok, err
	}

	records, err := c.backend.Query(ctx, key.ObjectType, "Id = "+qbo.Quote(id))
	if err != nil {
		return "", false, err
	}
	if len(records) > 0 {
		return id, true, nil
	}

	c.logger.Warn("Remembered record no longer exists in QBO",
		"object_type", key.ObjectType, "id", id, "source_id", key.SourceID)
	if f, ok := c.store.(Forgetter); ok {
		if err := f.Forget(ctx, key.ObjectType, key.SourceID); err != nil {
			return "", false, err
		}
	}
	return "", false, nil
}

// Remember implements KeyStore.
func (c *Confirmed) Remember(ctx context.Context, key Key, id string) error {
	return c.store.Remember(ctx, key, id)
}

// Guard wraps record creation with an existence check.
type Guard struct {
	store  KeyStore
	logger *slog.Logger
}

// NewGuard creates a Guard over store.
func NewGuard(store KeyStore, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, logger: logger}
}

// CheckExisting returns the id of a record already created for key.
func (g *Guard) CheckExisting(ctx context.Context, key Key) (string, bool, error) {
	if key.SourceID == "" {
		return "", false, ErrNoSourceID
	}
	id, ok, err := g.store.Find(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("failed to check for existing %s: %w", key.ObjectType, err)
	}
	return id, ok, nil
}

// Ensure returns the existing record id for key, or calls create and
// remembers the id it returns. created reports whether create was called.
func (g *Guard) Ensure(ctx context.Context, key Key, create func(context.Context) (string, error)) (id string, created bool, err error) {
	id, ok, err := g.CheckExisting(ctx, key)
	if err != nil {
		return "", false, err
	}
	if ok {
		g.logger.Debug("Reusing existing record", "object_type", key.ObjectType, "id", id, "source_id", key.SourceID)
		return id, false, nil
	}

	id, err = create(ctx)
	if err != nil {
		return "", false, err
	}

	if err := g.store.Remember(ctx, key, id); err != nil {
		// The record exists in QBO; the note lookup still finds it next time.
		g.logger.Warn("Failed to remember created record",
			"object_type", key.ObjectType, "id", id, "source_id", key.SourceID, "error", err)
	}
	return id, true, nil
}
