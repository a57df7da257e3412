package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// insertTombstone records a deleted provider message. An existing tombstone is left as is.
func insertTombstone(ctx context.Context, tx *sql.Tx, did string, providerID int64) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tombstones (did, provider_id, created_at) VALUES (?, ?, ?)`,
		did, providerID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert tombstone %s/%d: %w", did, providerID, err)
	}
	return nil
}

// Tombstones returns every recorded tombstone.
func (db *DB) Tombstones(ctx context.Context) ([]Tombstone, error) {
	var out []Tombstone
	err := db.read(func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, `SELECT did, provider_id FROM tombstones ORDER BY did, provider_id`)
		if err != nil {
			return fmt.Errorf("list tombstones: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var t Tombstone
			if err := rows.Scan(&t.DID, &t.ProviderID); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

// HasTombstone reports whether a tombstone exists for the provider message.
func (db *DB) HasTombstone(ctx context.Context, did string, providerID int64) (bool, error) {
	var n int
	err := db.read(func(conn *sql.DB) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tombstones WHERE did = ? AND provider_id = ?`, did, providerID).Scan(&n)
	})
	return n > 0, err
}

// ClearTombstones forgets every deletion so the next sync can restore the messages.
func (db *DB) ClearTombstones(ctx context.Context) (int64, error) {
	return db.execCount(ctx, `DELETE FROM tombstones`)
}
