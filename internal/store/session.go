package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetSessionValue upserts a session_metadata row.
func (t *Tx) SetSessionValue(ctx context.Context, key, value string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO session_metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(at))
	if err != nil {
		return fmt.Errorf("set session value %s: %w", key, err)
	}
	return nil
}

// SessionValue returns a session_metadata value or ErrNotFound.
func (s *Store) SessionValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM session_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("session value %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("session value %s: %w", key, err)
	}
	return value, nil
}

// SessionValues returns every session_metadata row as a map.
func (s *Store) SessionValues(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM session_metadata ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query session metadata: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan session metadata: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
