// Package db persists sync outcomes, created-record mappings and metadata
// in SQLite.
package db

// Schema defines the SQL statements to create database tables.
const Schema = `
-- Transaction sync outcomes
-- One row per Stripe balance transaction, updated on every attempt
CREATE TABLE IF NOT EXISTS transaction_sync (
    id TEXT PRIMARY KEY,               -- Stripe balance transaction id
    created INTEGER NOT NULL,          -- Unix seconds
    type TEXT NOT NULL,
    amount INTEGER NOT NULL,           -- Minor units
    fee INTEGER NOT NULL,
    currency TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,              -- pending, syncing, success, failed
    failure_reason TEXT NOT NULL DEFAULT '',
    invoice_id TEXT NOT NULL DEFAULT '',
    payment_id TEXT NOT NULL DEFAULT '',
    expense_id TEXT NOT NULL DEFAULT '',
    transfer_id TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL DEFAULT '',
    synced_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transaction_sync_status
    ON transaction_sync(status);

CREATE INDEX IF NOT EXISTS idx_transaction_sync_created
    ON transaction_sync(created);

-- Artifact map
-- QBO record created for a Stripe object, checked before the note lookup
CREATE TABLE IF NOT EXISTS artifact_map (
    object_type TEXT NOT NULL,         -- Invoice, Payment, Purchase, Transfer
    source_id TEXT NOT NULL,           -- Stripe id
    target_id TEXT NOT NULL,           -- QBO id
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (object_type, source_id)
);

-- Sync metadata table
-- Stores key-value metadata about sync operations
CREATE TABLE IF NOT EXISTS sync_metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// InitializeSchema creates all tables if they don't exist.
func InitializeSchema(conn *Connection) error {
	if _, err := conn.db.Exec(Schema); err != nil {
		return err
	}
	return nil
}
