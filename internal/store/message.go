package store

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// CompareMessages orders messages most recent first, breaking timestamp ties
// by the higher local id.
func CompareMessages(a, b Message) int {
	if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

// SortMessages sorts msgs in place with CompareMessages.
func SortMessages(msgs []Message) {
	slices.SortFunc(msgs, CompareMessages)
}

// InsertProvisionalOutgoing inserts an outgoing message in the delivery in
// progress state and returns its local id.
func (db *DB) InsertProvisionalOutgoing(ctx context.Context, conv ConversationID, text string) (int64, error) {
	ids, err := db.InsertProvisionalOutgoingBatch(ctx, conv, []string{text})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// InsertProvisionalOutgoingBatch inserts one provisional row per text in a
// single transaction; either every row is inserted or none is.
func (db *DB) InsertProvisionalOutgoingBatch(ctx context.Context, conv ConversationID, texts []string) ([]int64, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts to insert")
	}
	now := time.Now().Unix()
	ids := make([]int64, 0, len(texts))
	err := db.write(ctx, func(tx *sql.Tx) error {
		for i, text := range texts {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO messages (provider_id, did, contact, timestamp, incoming, text, unread, delivered, delivery_in_progress)
				VALUES (NULL, ?, ?, ?, 0, ?, 0, 0, 1)`,
				conv.DID, conv.Contact, now, text)
			if err != nil {
				return fmt.Errorf("insert segment %d: %w", i, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("segment %d id: %w", i, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MarkSent moves a message from CREATED to SENT, recording the provider id.
// A row with the same provider id merged by a concurrent sync is removed so
// the message is not shown twice.
func (db *DB) MarkSent(ctx context.Context, id, providerID int64) error {
	if providerID <= 0 {
		return fmt.Errorf("mark sent %d: provider id %d must be positive", id, providerID)
	}
	return db.write(ctx, func(tx *sql.Tx) error {
		m, err := requireState(ctx, tx, id, Created)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE did = ? AND provider_id = ? AND id != ?`, m.DID, providerID, id); err != nil {
			return fmt.Errorf("drop synced duplicate: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET provider_id = ?, delivered = 1, delivery_in_progress = 0, timestamp = ?
			WHERE id = ?`, providerID, time.Now().Unix(), id)
		if err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		return nil
	})
}

// MarkFailed moves a message from CREATED to FAILED.
func (db *DB) MarkFailed(ctx context.Context, id int64) error {
	return db.write(ctx, func(tx *sql.Tx) error {
		if _, err := requireState(ctx, tx, id, Created); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET delivered = 0, delivery_in_progress = 0 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	})
}

// MarkDeliveryInProgress moves a message from FAILED back to CREATED.
func (db *DB) MarkDeliveryInProgress(ctx context.Context, id int64) error {
	return db.write(ctx, func(tx *sql.Tx) error {
		if _, err := requireState(ctx, tx, id, Failed); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET delivered = 0, delivery_in_progress = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark delivery in progress: %w", err)
		}
		return nil
	})
}

// FailStaleDeliveries marks every message still in delivery as FAILED. It is
// meant to run at startup, before any send can be in flight.
func (db *DB) FailStaleDeliveries(ctx context.Context) (int64, error) {
	var n int64
	err := db.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE messages SET delivered = 0, delivery_in_progress = 0 WHERE incoming = 0 AND delivery_in_progress = 1`)
		if err != nil {
			return fmt.Errorf("fail stale deliveries: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func requireState(ctx context.Context, tx *sql.Tx, id int64, want DeliveryState) (Message, error) {
	m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Message{}, fmt.Errorf("load message %d: %w", id, err)
	}
	if got := m.State(); got != want {
		return Message{}, fmt.Errorf("message %d is %s, want %s: %w", id, got, want, ErrInvalidTransition)
	}
	return m, nil
}

// DeleteMessage removes a message. A message that carries a provider id
// leaves a tombstone so later syncs do not bring it back.
func (db *DB) DeleteMessage(ctx context.Context, id int64) error {
	return db.write(ctx, func(tx *sql.Tx) error {
		m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load message %d: %w", id, err)
		}
		if m.ProviderID > 0 {
			if err := insertTombstone(ctx, tx, m.DID, m.ProviderID); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete message %d: %w", id, err)
		}
		return nil
	})
}

// Message returns a single message by local id.
func (db *DB) Message(ctx context.Context, id int64) (*Message, error) {
	var m Message
	err := db.read(func(conn *sql.DB) error {
		var err error
		m, err = scanMessage(conn.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages of a conversation most recent first, using
// keyset pagination. Pass the Cursor of the last message returned to load
// the next page.
func (db *DB) ListMessages(ctx context.Context, conv ConversationID, before Cursor, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE did = ? AND contact = ?`
	args := []any{conv.DID, conv.Contact}
	if !before.IsZero() {
		query += ` AND (timestamp < ? OR (timestamp = ? AND id < ?))`
		args = append(args, before.Timestamp, before.Timestamp, before.ID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var msgs []Message
	err := db.read(func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		msgs, err = scanMessages(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	SortMessages(msgs)
	return msgs, nil
}

// CursorOf returns the cursor positioned after m.
func CursorOf(m Message) Cursor {
	return Cursor{Timestamp: m.Timestamp, ID: m.ID}
}

// CountMessages returns the number of messages in a conversation.
func (db *DB) CountMessages(ctx context.Context, conv ConversationID) (int, error) {
	var n int
	err := db.read(func(conn *sql.DB) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE did = ? AND contact = ?`, conv.DID, conv.Contact).Scan(&n)
	})
	return n, err
}

// ListAllMessages returns every message of the given DIDs, sorted.
func (db *DB) ListAllMessages(ctx context.Context, dids []string) ([]Message, error) {
	if len(dids) == 0 {
		return nil, nil
	}
	var msgs []Message
	err := db.read(func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE did IN (`+placeholders(len(dids))+`)`, stringArgs(dids)...)
		if err != nil {
			return fmt.Errorf("list all messages: %w", err)
		}
		msgs, err = scanMessages(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	SortMessages(msgs)
	return msgs, nil
}

// MostRecentMessage returns the newest message across dids, or nil if there is none.
func (db *DB) MostRecentMessage(ctx context.Context, dids []string) (*Message, error) {
	if len(dids) == 0 {
		return nil, nil
	}
	var m Message
	err := db.read(func(conn *sql.DB) error {
		var err error
		m, err = scanMessage(conn.QueryRowContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE did IN (`+placeholders(len(dids))+`)
			ORDER BY timestamp DESC, id DESC LIMIT 1`, stringArgs(dids)...))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("most recent message: %w", err)
	}
	return &m, nil
}

// UnreadMessages returns the unread incoming messages received since the
// last outgoing message of the conversation, oldest first.
func (db *DB) UnreadMessages(ctx context.Context, conv ConversationID) ([]Message, error) {
	var msgs []Message
	err := db.read(func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE did = ? AND contact = ? AND incoming = 1 AND unread = 1
			AND timestamp >= COALESCE((SELECT MAX(timestamp) FROM messages WHERE did = ? AND contact = ? AND incoming = 0), 0)
			ORDER BY timestamp ASC, id ASC`,
			conv.DID, conv.Contact, conv.DID, conv.Contact)
		if err != nil {
			return fmt.Errorf("unread messages: %w", err)
		}
		msgs, err = scanMessages(rows)
		return err
	})
	return msgs, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
