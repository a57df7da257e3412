package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a message or row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a delivery state change is not allowed.
	ErrInvalidTransition = errors.New("invalid delivery state transition")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// DB is the message store backed by a single SQLite file.
//
// Mutating methods hold the write side of mu for their whole transaction;
// queries hold the read side. Export and Import hold the write side while the
// underlying file is closed, copied and reopened.
type DB struct {
	mu   sync.RWMutex
	conn *sql.DB
	path string
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}
	return &DB{conn: conn, path: path}, nil
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return conn, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	return err
}

// write runs fn in a transaction while holding the exclusive lock.
func (db *DB) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.conn == nil {
		return ErrClosed
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// read runs fn against the connection while holding the shared lock.
func (db *DB) read(fn func(conn *sql.DB) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.conn == nil {
		return ErrClosed
	}
	return fn(db.conn)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const messageColumns = `id, provider_id, did, contact, timestamp, incoming, text, unread, delivered, delivery_in_progress`

func scanMessage(s scanner) (Message, error) {
	var m Message
	var providerID sql.NullInt64
	err := s.Scan(&m.ID, &providerID, &m.DID, &m.Contact, &m.Timestamp, &m.Incoming, &m.Text, &m.Unread, &m.Delivered, &m.DeliveryInProgress)
	if err != nil {
		return Message{}, err
	}
	m.ProviderID = providerID.Int64
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func nullProviderID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}
