package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Export writes the raw database file to w. The store is closed while the
// file is copied and reopened afterwards.
func (db *DB) Export(ctx context.Context, w io.Writer) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn == nil {
		return ErrClosed
	}

	if _, err := db.conn.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint wal: %w", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	db.conn = nil

	copyErr := copyFileTo(db.path, w)

	conn, err := openConn(db.path)
	if err != nil {
		return errors.Join(copyErr, fmt.Errorf("reopen db: %w", err))
	}
	db.conn = conn
	if copyErr != nil {
		return fmt.Errorf("export: %w", copyErr)
	}
	return nil
}

// Import replaces the database file with the bytes read from r. The previous
// file is kept as a backup and restored if the new one cannot be opened or
// migrated.
func (db *DB) Import(ctx context.Context, r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn == nil {
		return ErrClosed
	}

	if _, err := db.conn.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint wal: %w", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	db.conn = nil
	removeSidecars(db.path)

	backup := db.path + ".backup"
	if err := os.Rename(db.path, backup); err != nil {
		return errors.Join(fmt.Errorf("backup db: %w", err), db.reopen())
	}

	if err := db.replaceFrom(r); err != nil {
		_ = os.Remove(db.path)
		removeSidecars(db.path)
		if rerr := os.Rename(backup, db.path); rerr != nil {
			return errors.Join(fmt.Errorf("import: %w", err), fmt.Errorf("restore backup: %w", rerr))
		}
		return errors.Join(fmt.Errorf("import: %w", err), db.reopen())
	}

	_ = os.Remove(backup)
	return nil
}

// replaceFrom writes r to the database path, opens it and migrates it.
func (db *DB) replaceFrom(r io.Reader) error {
	f, err := os.OpenFile(db.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create db file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("copy db file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close db file: %w", err)
	}

	conn, err := openConn(db.path)
	if err != nil {
		return err
	}
	db.conn = conn
	if _, err := migrateConn(db); err != nil {
		_ = conn.Close()
		db.conn = nil
		return err
	}
	return nil
}

func (db *DB) reopen() error {
	conn, err := openConn(db.path)
	if err != nil {
		return fmt.Errorf("reopen db: %w", err)
	}
	db.conn = conn
	return nil
}

func copyFileTo(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w, f)
	return err
}

func removeSidecars(path string) {
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")
}
