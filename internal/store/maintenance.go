package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PruneDIDs deletes messages, drafts and archive flags of every DID not in
// keep. Tombstones are kept. It returns the number of messages removed.
func (db *DB) PruneDIDs(ctx context.Context, keep []string) (int64, error) {
	var removed int64
	err := db.write(ctx, func(tx *sql.Tx) error {
		cond := ``
		var args []any
		if len(keep) > 0 {
			cond = ` WHERE did NOT IN (` + placeholders(len(keep)) + `)`
			args = stringArgs(keep)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM messages`+cond, args...)
		if err != nil {
			return fmt.Errorf("prune messages: %w", err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return err
		}
		for _, table := range []string{"drafts", "archived"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+cond, args...); err != nil {
				return fmt.Errorf("prune %s: %w", table, err)
			}
		}
		return nil
	})
	return removed, err
}

// DeleteAll empties every table except the schema bookkeeping.
func (db *DB) DeleteAll(ctx context.Context) error {
	return db.write(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"messages", "tombstones", "drafts", "archived", "sync_state"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func (db *DB) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := db.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
