package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// Metadata keys.
const (
	MetadataQBOToken = "qbo_token"
	MetadataLastRun  = "last_run_id"
)

// Metadata stores key-value metadata.
type Metadata struct {
	conn *Connection
}

// NewMetadata creates a new Metadata instance.
func NewMetadata(conn *Connection) *Metadata {
	return &Metadata{conn: conn}
}

// Get retrieves a metadata value. A missing key returns "".
func (m *Metadata) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := m.conn.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get metadata: %w", err)
	}

	return value, nil
}

// Set sets a metadata value.
func (m *Metadata) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO sync_metadata (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`

	if _, err := m.conn.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}

	return nil
}

// SaveToken persists an OAuth token. QBO refresh tokens rotate, so the
// latest one must survive restarts.
func (m *Metadata) SaveToken(ctx context.Context, token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	return m.Set(ctx, MetadataQBOToken, string(data))
}

// LoadToken returns the persisted OAuth token, or nil if none was saved.
func (m *Metadata) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	value, err := m.Get(ctx, MetadataQBOToken)
	if err != nil || value == "" {
		return nil, err
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(value), &token); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return &token, nil
}
