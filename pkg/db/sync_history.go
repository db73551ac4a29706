package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/syncer"
)

// SyncRecord is a stored transaction sync outcome.
type SyncRecord struct {
	syncer.TransactionSync
	RunID    string
	SyncedAt time.Time
}

// SyncHistory manages transaction sync outcomes.
type SyncHistory struct {
	conn *Connection
}

// NewSyncHistory creates a new SyncHistory instance.
func NewSyncHistory(conn *Connection) *SyncHistory {
	return &SyncHistory{conn: conn}
}

// Report records an outcome of run runID. Non-empty QBO ids from earlier
// attempts are kept when the new outcome does not carry them.
func (s *SyncHistory) Report(ctx context.Context, runID string, out syncer.TransactionSync) error {
	query := `
		INSERT INTO transaction_sync (
			id, created, type, amount, fee, currency, description, status, failure_reason,
			invoice_id, payment_id, expense_id, transfer_id, run_id
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created = CASE WHEN excluded.type = '' THEN created ELSE excluded.created END,
			type = CASE WHEN excluded.type = '' THEN type ELSE excluded.type END,
			amount = CASE WHEN excluded.type = '' THEN amount ELSE excluded.amount END,
			fee = CASE WHEN excluded.type = '' THEN fee ELSE excluded.fee END,
			currency = CASE WHEN excluded.type = '' THEN currency ELSE excluded.currency END,
			description = CASE WHEN excluded.type = '' THEN description ELSE excluded.description END,
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			invoice_id = COALESCE(NULLIF(excluded.invoice_id, ''), invoice_id),
			payment_id = COALESCE(NULLIF(excluded.payment_id, ''), payment_id),
			expense_id = COALESCE(NULLIF(excluded.expense_id, ''), expense_id),
			transfer_id = COALESCE(NULLIF(excluded.transfer_id, ''), transfer_id),
			run_id = excluded.run_id,
			synced_at = CURRENT_TIMESTAMP
	`

	_, err := s.conn.db.ExecContext(ctx, query,
		out.ID,
		out.Created,
		out.Type,
		out.Amount,
		out.Fee,
		out.Currency,
		out.Description,
		string(out.Status),
		out.FailureReason,
		out.InvoiceID,
		out.PaymentID,
		out.ExpenseID,
		out.TransferID,
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync outcome: %w", err)
	}

	return nil
}

const selectRecord = `
	SELECT id, created, type, amount, fee, currency, description, status, failure_reason,
		invoice_id, payment_id, expense_id, transfer_id, run_id, synced_at
	FROM transaction_sync
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (SyncRecord, error) {
	var r SyncRecord
	var status string
	err := row.Scan(
		&r.ID,
		&r.Created,
		&r.Type,
		&r.Amount,
		&r.Fee,
		&r.Currency,
		&r.Description,
		&status,
		&r.FailureReason,
		&r.InvoiceID,
		&r.PaymentID,
		&r.ExpenseID,
		&r.TransferID,
		&r.RunID,
		&r.SyncedAt,
	)
	r.Status = syncer.Status(status)
	return r, err
}

// GetSyncRecord returns the outcome of a transaction, or nil if it was never synced.
func (s *SyncHistory) GetSyncRecord(ctx context.Context, id string) (*SyncRecord, error) {
	r, err := scanRecord(s.conn.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync record: %w", err)
	}
	return &r, nil
}

// GetSyncRecordsByStatus returns outcomes with status, most recent first.
// A limit of zero returns all of them.
func (s *SyncHistory) GetSyncRecordsByStatus(ctx context.Context, status syncer.Status, limit int) ([]SyncRecord, error) {
	query := selectRecord + ` WHERE status = ? ORDER BY created DESC, id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync records by status: %w", err)
	}
	defer rows.Close()

	var records []SyncRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// DeleteSyncRecord deletes an outcome.
func (s *SyncHistory) DeleteSyncRecord(ctx context.Context, id string) (bool, error) {
	result, err := s.conn.db.ExecContext(ctx, `DELETE FROM transaction_sync WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete sync record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// Stats represents sync statistics.
type Stats struct {
	Total     int
	ByStatus  map[syncer.Status]int
	Artifacts int
	LastRunID string
	LastSync  sql.NullString
}

// GetStats retrieves sync statistics.
func (s *SyncHistory) GetStats(ctx context.Context) (*Stats, error) {
	stats := Stats{ByStatus: make(map[syncer.Status]int)}

	rows, err := s.conn.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM transaction_sync GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		stats.ByStatus[syncer.Status(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.conn.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifact_map`).Scan(&stats.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact count: %w", err)
	}

	err = s.conn.db.QueryRowContext(ctx,
		`SELECT run_id, synced_at FROM transaction_sync ORDER BY synced_at DESC, rowid DESC LIMIT 1`,
	).Scan(&stats.LastRunID, &stats.LastSync)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get last sync time: %w", err)
	}

	return &stats, nil
}
