package store

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
)

// MergeRemoteMessages stores provider records that are not yet known locally.
//
// With retrieveDeleted false, records matching a tombstone are skipped. With
// retrieveDeleted true the matching tombstone is removed and the record is
// merged like any other. Records whose provider id already exists locally are
// skipped without comparing content. New messages are delivered, unread when
// incoming, and un-archive their conversation.
//
// The merge runs in one transaction: on error nothing is stored.
func (db *DB) MergeRemoteMessages(ctx context.Context, records []RemoteMessage, retrieveDeleted bool) (*MergeResult, error) {
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b RemoteMessage) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ProviderID, b.ProviderID)
	})

	result := newMergeResult()
	err := db.write(ctx, func(tx *sql.Tx) error {
		for _, r := range sorted {
			inserted, err := mergeOne(ctx, tx, r, retrieveDeleted)
			if err != nil {
				return err
			}
			if !inserted {
				result.Skipped++
				continue
			}
			result.Inserted++
			conv := r.Conversation()
			result.Conversations[conv] = struct{}{}
			if r.Incoming {
				result.Incoming[conv] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func mergeOne(ctx context.Context, tx *sql.Tx, r RemoteMessage, retrieveDeleted bool) (bool, error) {
	if retrieveDeleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tombstones WHERE did = ? AND provider_id = ?`, r.DID, r.ProviderID); err != nil {
			return false, fmt.Errorf("remove tombstone %d: %w", r.ProviderID, err)
		}
	} else {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tombstones WHERE did = ? AND provider_id = ?`, r.DID, r.ProviderID).Scan(&n); err != nil {
			return false, fmt.Errorf("check tombstone %d: %w", r.ProviderID, err)
		}
		if n > 0 {
			return false, nil
		}
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE did = ? AND provider_id = ?`, r.DID, r.ProviderID).Scan(&n); err != nil {
		return false, fmt.Errorf("check message %d: %w", r.ProviderID, err)
	}
	if n > 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (provider_id, did, contact, timestamp, incoming, text, unread, delivered, delivery_in_progress)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0)`,
		r.ProviderID, r.DID, r.Contact, r.Timestamp, r.Incoming, r.Text, r.Incoming); err != nil {
		return false, fmt.Errorf("insert message %d: %w", r.ProviderID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM archived WHERE did = ? AND contact = ?`, r.DID, r.Contact); err != nil {
		return false, fmt.Errorf("unarchive %s: %w", r.Conversation(), err)
	}
	return true, nil
}
