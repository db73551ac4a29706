package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/idempotency"
)

// ArtifactStore maps Stripe ids to the QBO records created for them.
// It implements idempotency.KeyStore.
type ArtifactStore struct {
	conn *Connection
}

var _ idempotency.KeyStore = (*ArtifactStore)(nil)

// NewArtifactStore creates a new ArtifactStore instance.
func NewArtifactStore(conn *Connection) *ArtifactStore {
	return &ArtifactStore{conn: conn}
}

// Find returns the QBO id recorded for key.
func (a *ArtifactStore) Find(ctx context.Context, key idempotency.Key) (string, bool, error) {
	var id string
	err := a.conn.db.QueryRowContext(ctx,
		`SELECT target_id FROM artifact_map WHERE object_type = ? AND source_id = ?`,
		key.ObjectType, key.SourceID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to find artifact: %w", err)
	}
	return id, true, nil
}

// Remember records the QBO id created for key.
func (a *ArtifactStore) Remember(ctx context.Context, key idempotency.Key, id string) error {
	_, err := a.conn.db.ExecContext(ctx, `
		INSERT INTO artifact_map (object_type, source_id, target_id)
		VALUES (?, ?, ?)
		ON CONFLICT(object_type, source_id) DO UPDATE SET
			target_id = excluded.target_id,
			created_at = CURRENT_TIMESTAMP
	`, key.ObjectType, key.SourceID, id)
	if err != nil {
		return fmt.Errorf("failed to remember artifact: %w", err)
	}
	return nil
}

// Forget removes the mapping for a Stripe id, e.g. after the QBO record was deleted.
func (a *ArtifactStore) Forget(ctx context.Context, objectType, sourceID string) error {
	_, err := a.conn.db.ExecContext(ctx,
		`DELETE FROM artifact_map WHERE object_type = ? AND source_id = ?`, objectType, sourceID)
	if err != nil {
		return fmt.Errorf("failed to forget artifact: %w", err)
	}
	return nil
}

// SourcesFor returns the Stripe ids mapped to a QBO record.
func (a *ArtifactStore) SourcesFor(ctx context.Context, objectType, targetID string) ([]string, error) {
	rows, err := a.conn.db.QueryContext(ctx,
		`SELECT source_id FROM artifact_map WHERE object_type = ? AND target_id = ? ORDER BY source_id`,
		objectType, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact sources: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan artifact source: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
