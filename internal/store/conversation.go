package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/voipsms/smsd/internal/phone"
)

// ConversationQuery selects the conversations returned by ListConversations.
type ConversationQuery struct {
	// DIDs restricts the result to these DIDs. Empty means every DID.
	DIDs []string
	// Filter matches message text and drafts case-insensitively, the digits
	// of both numbers, and the contact name.
	Filter string
	// ContactName resolves a display name for a number. Optional.
	ContactName func(number string) string
	// Archived lists archived conversations instead of active ones.
	Archived bool
}

// ListConversations returns the most recent message of each conversation,
// most recent first. When a filter is set, the most recent matching message
// is returned; conversations only matched by contact name return their most
// recent message. Drafts are attached to their conversation, and draft-only
// conversations are included.
func (db *DB) ListConversations(ctx context.Context, q ConversationQuery) ([]ConversationSummary, error) {
	filter := strings.ToLower(strings.TrimSpace(q.Filter))

	var (
		latest   []Message
		matched  []Message
		drafts   map[ConversationID]draftRow
		archived map[ConversationID]bool
		unread   map[ConversationID]int
	)
	err := db.read(func(conn *sql.DB) error {
		var err error
		if latest, err = latestPerConversation(ctx, conn, q.DIDs, "", nil); err != nil {
			return err
		}
		if filter != "" {
			clause, args := filterClause(filter)
			if matched, err = latestPerConversation(ctx, conn, q.DIDs, clause, args); err != nil {
				return err
			}
		}
		if drafts, err = loadDrafts(ctx, conn, q.DIDs); err != nil {
			return err
		}
		if archived, err = loadArchived(ctx, conn); err != nil {
			return err
		}
		unread, err = loadUnreadCounts(ctx, conn)
		return err
	})
	if err != nil {
		return nil, err
	}

	byConv := make(map[ConversationID]*ConversationSummary)
	add := func(m Message) {
		conv := m.Conversation()
		if _, ok := byConv[conv]; ok {
			return
		}
		byConv[conv] = &ConversationSummary{Conversation: conv, Last: m}
	}

	if filter == "" {
		for _, m := range latest {
			add(m)
		}
	} else {
		for _, m := range matched {
			add(m)
		}
		if q.ContactName != nil {
			for _, m := range latest {
				name := strings.ToLower(q.ContactName(m.Contact))
				if name != "" && strings.Contains(name, filter) {
					add(m)
				}
			}
		}
	}

	for conv, d := range drafts {
		if filter != "" && !strings.Contains(strings.ToLower(d.text), filter) {
			if s, ok := byConv[conv]; ok {
				s.Draft = d.text
			}
			continue
		}
		s, ok := byConv[conv]
		if !ok {
			s = &ConversationSummary{
				Conversation: conv,
				Last:         lastOf(latest, conv, d.updatedAt),
			}
			byConv[conv] = s
		}
		s.Draft = d.text
	}

	out := make([]ConversationSummary, 0, len(byConv))
	for conv, s := range byConv {
		s.Archived = archived[conv]
		if s.Archived != q.Archived {
			continue
		}
		s.UnreadCount = unread[conv]
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b ConversationSummary) int {
		return CompareMessages(sortKey(a, drafts), sortKey(b, drafts))
	})
	return out, nil
}

func sortKey(s ConversationSummary, drafts map[ConversationID]draftRow) Message {
	if d, ok := drafts[s.Conversation]; ok && d.updatedAt > s.Last.Timestamp {
		return Message{Timestamp: d.updatedAt, ID: s.Last.ID}
	}
	return s.Last
}

// lastOf finds the latest message of conv, falling back to an empty
// placeholder for conversations that only have a draft.
func lastOf(latest []Message, conv ConversationID, ts int64) Message {
	for _, m := range latest {
		if m.Conversation() == conv {
			return m
		}
	}
	return Message{DID: conv.DID, Contact: conv.Contact, Timestamp: ts}
}

func filterClause(filter string) (string, []any) {
	clause := `LOWER(text) LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(filter) + "%"}
	if digits := phone.Digits(filter); digits != "" {
		clause += ` OR contact LIKE ? OR did LIKE ?`
		args = append(args, "%"+digits+"%", "%"+digits+"%")
	}
	return "(" + clause + ")", args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func latestPerConversation(ctx context.Context, conn *sql.DB, dids []string, clause string, clauseArgs []any) ([]Message, error) {
	var where []string
	var args []any
	if len(dids) > 0 {
		where = append(where, `did IN (`+placeholders(len(dids))+`)`)
		args = append(args, stringArgs(dids)...)
	}
	if clause != "" {
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}
	inner := `SELECT *, ROW_NUMBER() OVER (PARTITION BY did, contact ORDER BY timestamp DESC, id DESC) AS rn FROM messages`
	if len(where) > 0 {
		inner += ` WHERE ` + strings.Join(where, ` AND `)
	}
	rows, err := conn.QueryContext(ctx, `SELECT `+messageColumns+` FROM (`+inner+`) WHERE rn = 1`, args...)
	if err != nil {
		return nil, fmt.Errorf("latest per conversation: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	SortMessages(msgs)
	return msgs, nil
}

type draftRow struct {
	text      string
	updatedAt int64
}

func loadDrafts(ctx context.Context, conn *sql.DB, dids []string) (map[ConversationID]draftRow, error) {
	query := `SELECT did, contact, text, updated_at FROM drafts`
	var args []any
	if len(dids) > 0 {
		query += ` WHERE did IN (` + placeholders(len(dids)) + `)`
		args = stringArgs(dids)
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load drafts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	drafts := make(map[ConversationID]draftRow)
	for rows.Next() {
		var conv ConversationID
		var d draftRow
		if err := rows.Scan(&conv.DID, &conv.Contact, &d.text, &d.updatedAt); err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		drafts[conv] = d
	}
	return drafts, rows.Err()
}

func loadArchived(ctx context.Context, conn *sql.DB) (map[ConversationID]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT did, contact FROM archived`)
	if err != nil {
		return nil, fmt.Errorf("load archived: %w", err)
	}
	defer func() { _ = rows.Close() }()

	archived := make(map[ConversationID]bool)
	for rows.Next() {
		var conv ConversationID
		if err := rows.Scan(&conv.DID, &conv.Contact); err != nil {
			return nil, fmt.Errorf("scan archived: %w", err)
		}
		archived[conv] = true
	}
	return archived, rows.Err()
}

func loadUnreadCounts(ctx context.Context, conn *sql.DB) (map[ConversationID]int, error) {
	rows, err := conn.QueryContext(ctx, `SELECT did, contact, COUNT(*) FROM messages WHERE unread = 1 GROUP BY did, contact`)
	if err != nil {
		return nil, fmt.Errorf("load unread counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[ConversationID]int)
	for rows.Next() {
		var conv ConversationID
		var n int
		if err := rows.Scan(&conv.DID, &conv.Contact, &n); err != nil {
			return nil, fmt.Errorf("scan unread count: %w", err)
		}
		counts[conv] = n
	}
	return counts, rows.Err()
}

// ConversationIDs returns the conversations that have at least one message
// on one of the given DIDs. Empty dids means every DID.
func (db *DB) ConversationIDs(ctx context.Context, dids []string) ([]ConversationID, error) {
	where := ""
	if len(dids) > 0 {
		where = "WHERE did IN (" + placeholders(len(dids)) + ")"
	}
	var convs []ConversationID
	err := db.read(func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT DISTINCT did, contact FROM messages
			`+where+`
			ORDER BY did, contact`, stringArgs(dids)...)
		if err != nil {
			return fmt.Errorf("conversation ids: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var c ConversationID
			if err := rows.Scan(&c.DID, &c.Contact); err != nil {
				return err
			}
			convs = append(convs, c)
		}
		return rows.Err()
	})
	return convs, err
}

// DIDs returns every DID that has stored messages.
func (db *DB) DIDs(ctx context.Context) ([]string, error) {
	var dids []string
	err := db.read(func(conn *sql.DB) error {
		rows, err := conn.QueryContext(ctx, `SELECT DISTINCT did FROM messages ORDER BY did`)
		if err != nil {
			return fmt.Errorf("list dids: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var did string
			if err := rows.Scan(&did); err != nil {
				return err
			}
			dids = append(dids, did)
		}
		return rows.Err()
	})
	return dids, err
}

// DeleteConversation removes every message of a conversation together with
// its draft and archive flag. Messages with a provider id leave tombstones.
func (db *DB) DeleteConversation(ctx context.Context, conv ConversationID) error {
	return db.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tombstones (did, provider_id, created_at)
			SELECT did, provider_id, ? FROM messages
			WHERE did = ? AND contact = ? AND provider_id IS NOT NULL`,
			time.Now().Unix(), conv.DID, conv.Contact); err != nil {
			return fmt.Errorf("tombstone conversation: %w", err)
		}
		for _, stmt := range []string{
			`DELETE FROM messages WHERE did = ? AND contact = ?`,
			`DELETE FROM drafts WHERE did = ? AND contact = ?`,
			`DELETE FROM archived WHERE did = ? AND contact = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, conv.DID, conv.Contact); err != nil {
				return fmt.Errorf("delete conversation %s: %w", conv, err)
			}
		}
		return nil
	})
}

// Archive flags a conversation as archived.
func (db *DB) Archive(ctx context.Context, conv ConversationID) error {
	return db.exec(ctx, `INSERT OR IGNORE INTO archived (did, contact) VALUES (?, ?)`, conv.DID, conv.Contact)
}

// Unarchive clears the archived flag of a conversation.
func (db *DB) Unarchive(ctx context.Context, conv ConversationID) error {
	return db.exec(ctx, `DELETE FROM archived WHERE did = ? AND contact = ?`, conv.DID, conv.Contact)
}

// IsArchived reports whether a conversation is archived.
func (db *DB) IsArchived(ctx context.Context, conv ConversationID) (bool, error) {
	var n int
	err := db.read(func(conn *sql.DB) error {
		return conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived WHERE did = ? AND contact = ?`, conv.DID, conv.Contact).Scan(&n)
	})
	return n > 0, err
}

// MarkRead clears the unread flag of every message in a conversation.
func (db *DB) MarkRead(ctx context.Context, conv ConversationID) error {
	return db.exec(ctx, `UPDATE messages SET unread = 0 WHERE did = ? AND contact = ?`, conv.DID, conv.Contact)
}

// MarkUnread sets the unread flag of every message in a conversation.
func (db *DB) MarkUnread(ctx context.Context, conv ConversationID) error {
	return db.exec(ctx, `UPDATE messages SET unread = 1 WHERE did = ? AND contact = ?`, conv.DID, conv.Contact)
}

// Draft returns the draft text of a conversation, or "" if there is none.
func (db *DB) Draft(ctx context.Context, conv ConversationID) (string, error) {
	var text string
	err := db.read(func(conn *sql.DB) error {
		return conn.QueryRowContext(ctx, `SELECT text FROM drafts WHERE did = ? AND contact = ?`, conv.DID, conv.Contact).Scan(&text)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return text, err
}

// SetDraft stores the draft of a conversation; empty text deletes it.
func (db *DB) SetDraft(ctx context.Context, conv ConversationID, text string) error {
	if text == "" {
		return db.exec(ctx, `DELETE FROM drafts WHERE did = ? AND contact = ?`, conv.DID, conv.Contact)
	}
	return db.exec(ctx, `
		INSERT INTO drafts (did, contact, text, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(did, contact) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`,
		conv.DID, conv.Contact, text, time.Now().Unix())
}

// exec runs a single statement in its own transaction.
func (db *DB) exec(ctx context.Context, query string, args ...any) error {
	return db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}
