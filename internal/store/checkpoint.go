package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SetCheckpoint stores a sync checkpoint value.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	return db.exec(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
}

// Checkpoint returns a sync checkpoint value; ok is false when it was never set.
func (db *DB) Checkpoint(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.read(func(conn *sql.DB) error {
		return conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
