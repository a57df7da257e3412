package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/voipsms/smsd/internal/phone"
)

const (
	testDID     = "5551234567"
	testContact = "5559876543"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConv(t *testing.T, did, contact string) ConversationID {
	t.Helper()
	conv, err := NewConversationID(did, contact)
	if err != nil {
		t.Fatal(err)
	}
	return conv
}

func remote(t *testing.T, id int64, contact string, ts int64, incoming bool, text string) RemoteMessage {
	t.Helper()
	r, err := NewRemoteMessage(id, testDID, contact, time.Unix(ts, 0), incoming, text)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestMigrate(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.From != 0 || result.Version != 1 {
		t.Errorf("first Migrate() = %+v, want 0 -> 1", result)
	}

	result, err = db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestNewConversationID(t *testing.T) {
	conv, err := NewConversationID(testDID, "15559876543")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Contact != testContact {
		t.Errorf("contact = %q, want %q", conv.Contact, testContact)
	}

	if _, err := NewConversationID("555-123", testContact); !errors.Is(err, phone.ErrInvalidNumber) {
		t.Errorf("bad did error = %v, want ErrInvalidNumber", err)
	}
	if _, err := NewConversationID(testDID, ""); !errors.Is(err, phone.ErrInvalidNumber) {
		t.Errorf("empty contact error = %v, want ErrInvalidNumber", err)
	}
	if _, err := NewRemoteMessage(0, testDID, testContact, time.Now(), true, "x"); err == nil {
		t.Error("NewRemoteMessage with id 0 should fail")
	}
}

func TestInsertProvisionalOutgoing(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	id, err := db.InsertProvisionalOutgoing(ctx, conv, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}

	m, err := db.Message(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Delivered || !m.DeliveryInProgress {
		t.Errorf("delivered=%v in_progress=%v, want false/true", m.Delivered, m.DeliveryInProgress)
	}
	if m.ProviderID != 0 {
		t.Errorf("provider id = %d, want 0", m.ProviderID)
	}
	if m.State() != Created {
		t.Errorf("state = %s, want CREATED", m.State())
	}
}

func TestMarkSent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	id, err := db.InsertProvisionalOutgoing(ctx, conv, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSent(ctx, id, 9001); err != nil {
		t.Fatal(err)
	}

	m, err := db.Message(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if m.ProviderID != 9001 {
		t.Errorf("provider id = %d, want 9001", m.ProviderID)
	}
	if !m.Delivered || m.DeliveryInProgress {
		t.Errorf("delivered=%v in_progress=%v, want true/false", m.Delivered, m.DeliveryInProgress)
	}

	// SENT is terminal.
	if err := db.MarkFailed(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkFailed on SENT error = %v, want ErrInvalidTransition", err)
	}
	if err := db.MarkDeliveryInProgress(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkDeliveryInProgress on SENT error = %v, want ErrInvalidTransition", err)
	}
}

func TestDeliveryStateMachine(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	id, err := db.InsertProvisionalOutgoing(ctx, conv, "hello")
	if err != nil {
		t.Fatal(err)
	}

	// CREATED cannot be resent.
	if err := db.MarkDeliveryInProgress(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resend of CREATED error = %v, want ErrInvalidTransition", err)
	}

	if err := db.MarkFailed(ctx, id); err != nil {
		t.Fatal(err)
	}
	m, _ := db.Message(ctx, id)
	if m.State() != Failed {
		t.Fatalf("state = %s, want FAILED", m.State())
	}

	// FAILED cannot jump to SENT.
	if err := db.MarkSent(ctx, id, 42); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkSent on FAILED error = %v, want ErrInvalidTransition", err)
	}

	if err := db.MarkDeliveryInProgress(ctx, id); err != nil {
		t.Fatal(err)
	}
	m, _ = db.Message(ctx, id)
	if m.State() != Created {
		t.Errorf("state after resend = %s, want CREATED", m.State())
	}

	if err := db.MarkFailed(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkFailed on missing row error = %v, want ErrNotFound", err)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	records := []RemoteMessage{
		remote(t, 1, testContact, 1000, true, "hi"),
		remote(t, 2, testContact, 1001, false, "hey"),
		remote(t, 3, "5550000000", 1002, true, "yo"),
	}

	first, err := db.MergeRemoteMessages(ctx, records, false)
	if err != nil {
		t.Fatal(err)
	}
	if first.Inserted != 3 {
		t.Errorf("inserted = %d, want 3", first.Inserted)
	}
	if len(first.Conversations) != 2 {
		t.Errorf("conversations = %d, want 2", len(first.Conversations))
	}

	second, err := db.MergeRemoteMessages(ctx, records, false)
	if err != nil {
		t.Fatal(err)
	}
	if second.Inserted != 0 || second.Skipped != 3 {
		t.Errorf("second merge inserted=%d skipped=%d, want 0/3", second.Inserted, second.Skipped)
	}
	if len(second.Conversations) != 0 {
		t.Errorf("second merge conversations = %d, want 0", len(second.Conversations))
	}

	all, err := db.ListAllMessages(ctx, []string{testDID})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d messages, want 3", len(all))
	}
}

func TestMergeSkipsSentMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	id, _ := db.InsertProvisionalOutgoing(ctx, conv, "hello")
	if err := db.MarkSent(ctx, id, 9001); err != nil {
		t.Fatal(err)
	}

	res, err := db.MergeRemoteMessages(ctx, []RemoteMessage{remote(t, 9001, testContact, 1000, false, "hello")}, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 0 {
		t.Errorf("inserted = %d, want 0", res.Inserted)
	}
	n, _ := db.CountMessages(ctx, conv)
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestMergeKeepsExistingContent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.MergeRemoteMessages(ctx, []RemoteMessage{remote(t, 7, testContact, 1000, true, "original")}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MergeRemoteMessages(ctx, []RemoteMessage{remote(t, 7, testContact, 1000, true, "edited")}, false); err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.ListMessages(ctx, testConv(t, testDID, testContact), Cursor{}, 10)
	if len(msgs) != 1 || msgs[0].Text != "original" {
		t.Errorf("messages = %+v, want one with text original", msgs)
	}
}

func TestMarkSentRemovesSyncedDuplicate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	id, _ := db.InsertProvisionalOutgoing(ctx, conv, "hello")
	// A sync merges the provider copy before the send is confirmed.
	if _, err := db.MergeRemoteMessages(ctx, []RemoteMessage{remote(t, 9001, testContact, 1000, false, "hello")}, false); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkSent(ctx, id, 9001); err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.ListMessages(ctx, conv, Cursor{}, 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != id {
		t.Errorf("kept id = %d, want %d", msgs[0].ID, id)
	}
}

func TestTombstoneSuppression(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)
	record := remote(t, 9001, testContact, 1000, true, "hello")

	if _, err := db.MergeRemoteMessages(ctx, []RemoteMessage{record}, false); err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.ListMessages(ctx, conv, Cursor{}, 10)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if err := db.DeleteMessage(ctx, msgs[0].ID); err != nil {
		t.Fatal(err)
	}
	ok, err := db.HasTombstone(ctx, testDID, 9001)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("tombstone not created")
	}

	// Normal sync: still suppressed.
	res, err := db.MergeRemoteMessages(ctx, []RemoteMessage{record}, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 0 {
		t.Errorf("inserted = %d, want 0 while tombstoned", res.Inserted)
	}

	// Retrieve-deleted sync: restored and tombstone removed.
	res, err = db.MergeRemoteMessages(ctx, []RemoteMessage{record}, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 {
		t.Errorf("inserted = %d, want 1 in retrieve-deleted mode", res.Inserted)
	}
	if ok, _ := db.HasTombstone(ctx, testDID, 9001); ok {
		t.Error("tombstone should be removed in retrieve-deleted mode")
	}
}

func TestDeleteMessageWithoutProviderIDLeavesNoTombstone(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	id, _ := db.InsertProvisionalOutgoing(ctx, conv, "draft-ish")
	if err := db.DeleteMessage(ctx, id); err != nil {
		t.Fatal(err)
	}
	ts, _ := db.Tombstones(ctx)
	if len(ts) != 0 {
		t.Errorf("got %d tombstones, want 0", len(ts))
	}
	if err := db.DeleteMessage(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestMergeUnarchivesAndMarksUnread(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	if err := db.Archive(ctx, conv); err != nil {
		t.Fatal(err)
	}
	// Archive is idempotent.
	if err := db.Archive(ctx, conv); err != nil {
		t.Fatal(err)
	}

	res, err := db.MergeRemoteMessages(ctx, []RemoteMessage{
		remote(t, 1, testContact, 1000, true, "in"),
		remote(t, 2, testContact, 1001, false, "out"),
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Incoming[conv]; !ok {
		t.Error("conversation missing from incoming set")
	}
	archived, _ := db.IsArchived(ctx, conv)
	if archived {
		t.Error("new traffic should un-archive the conversation")
	}

	msgs, _ := db.ListMessages(ctx, conv, Cursor{}, 10)
	for _, m := range msgs {
		if m.Unread != m.Incoming {
			t.Errorf("message %d unread=%v incoming=%v", m.ID, m.Unread, m.Incoming)
		}
		if !m.Delivered || m.DeliveryInProgress {
			t.Errorf("merged message %d not delivered", m.ID)
		}
	}

	if err := db.MarkRead(ctx, conv); err != nil {
		t.Fatal(err)
	}
	unread, _ := db.UnreadMessages(ctx, conv)
	if len(unread) != 0 {
		t.Errorf("got %d unread, want 0", len(unread))
	}
	if err := db.MarkUnread(ctx, conv); err != nil {
		t.Fatal(err)
	}
}

func TestUnreadMessagesSinceLastOutgoing(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	_, err := db.MergeRemoteMessages(ctx, []RemoteMessage{
		remote(t, 1, testContact, 1000, true, "old"),
		remote(t, 2, testContact, 2000, false, "reply"),
		remote(t, 3, testContact, 3000, true, "new one"),
		remote(t, 4, testContact, 3001, true, "new two"),
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	unread, err := db.UnreadMessages(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 2 {
		t.Fatalf("got %d unread, want 2", len(unread))
	}
	if unread[0].Text != "new one" || unread[1].Text != "new two" {
		t.Errorf("unread = %q, %q", unread[0].Text, unread[1].Text)
	}
}

func TestCompareMessages(t *testing.T) {
	msgs := []Message{
		{ID: 1, Timestamp: 100},
		{ID: 3, Timestamp: 200},
		{ID: 2, Timestamp: 200},
		{ID: 4, Timestamp: 50},
	}
	SortMessages(msgs)
	want := []int64{3, 2, 1, 4}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Errorf("position %d: id %d, want %d", i, m.ID, want[i])
		}
	}
}

func TestListMessagesPaging(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	var records []RemoteMessage
	for i := int64(1); i <= 5; i++ {
		// Two messages share each timestamp.
		records = append(records, remote(t, i, testContact, 1000+(i/2), true, "m"))
	}
	if _, err := db.MergeRemoteMessages(ctx, records, false); err != nil {
		t.Fatal(err)
	}

	page1, err := db.ListMessages(ctx, conv, Cursor{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 {
		t.Fatalf("page1 len = %d, want 2", len(page1))
	}
	page2, err := db.ListMessages(ctx, conv, CursorOf(page1[len(page1)-1]), 2)
	if err != nil {
		t.Fatal(err)
	}
	page3, err := db.ListMessages(ctx, conv, CursorOf(page2[len(page2)-1]), 2)
	if err != nil {
		t.Fatal(err)
	}

	all := append(append(page1, page2...), page3...)
	if len(all) != 5 {
		t.Fatalf("got %d messages across pages, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if CompareMessages(all[i-1], all[i]) >= 0 {
			t.Errorf("messages %d and %d out of order: %+v %+v", i-1, i, all[i-1], all[i])
		}
	}
}

func TestMostRecentMessage(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m, err := db.MostRecentMessage(ctx, []string{testDID})
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Errorf("got %+v on empty store, want nil", m)
	}

	_, _ = db.MergeRemoteMessages(ctx, []RemoteMessage{
		remote(t, 1, testContact, 1000, true, "a"),
		remote(t, 2, testContact, 5000, true, "b"),
	}, false)
	m, err = db.MostRecentMessage(ctx, []string{testDID})
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.ProviderID != 2 {
		t.Errorf("most recent = %+v, want provider id 2", m)
	}
	if m, _ := db.MostRecentMessage(ctx, []string{"5550001111"}); m != nil {
		t.Errorf("got %+v for unknown did, want nil", m)
	}
}

func TestConversationIDs(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	const otherDID = "5552223333"

	if _, err := db.MergeRemoteMessages(ctx, []RemoteMessage{
		remote(t, 1, testContact, 1000, true, "a"),
		remote(t, 2, testContact, 2000, false, "b"),
	}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := db.InsertProvisionalOutgoing(ctx, testConv(t, otherDID, testContact), "c"); err != nil {
		t.Fatal(err)
	}

	all, err := db.ConversationIDs(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []ConversationID{testConv(t, testDID, testContact), testConv(t, otherDID, testContact)}
	if !slices.Equal(all, want) {
		t.Errorf("ConversationIDs(nil) = %v, want %v", all, want)
	}

	one, err := db.ConversationIDs(ctx, []string{otherDID})
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0].DID != otherDID {
		t.Errorf("ConversationIDs(%s) = %v", otherDID, one)
	}
}

func TestListConversations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	alice := testConv(t, testDID, "5550000001")
	bob := testConv(t, testDID, "5550000002")
	carol := testConv(t, testDID, "5550000003")

	_, err := db.MergeRemoteMessages(ctx, []RemoteMessage{
		remote(t, 1, alice.Contact, 1000, true, "Lunch tomorrow?"),
		remote(t, 2, alice.Contact, 1100, false, "sure"),
		remote(t, 3, bob.Contact, 2000, true, "call me"),
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetDraft(ctx, carol, "about the invoice"); err != nil {
		t.Fatal(err)
	}

	all, err := db.ListConversations(ctx, ConversationQuery{DIDs: []string{testDID}})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d conversations, want 3", len(all))
	}
	if all[0].Conversation != carol || all[0].Draft == "" {
		t.Errorf("first = %+v, want carol's draft", all[0])
	}
	if all[1].Conversation != bob {
		t.Errorf("second = %v, want bob", all[1].Conversation)
	}
	if all[2].Last.Text != "sure" {
		t.Errorf("alice preview = %q, want sure", all[2].Last.Text)
	}

	// Text filter returns the most recent matching message.
	lunch, err := db.ListConversations(ctx, ConversationQuery{Filter: "LUNCH"})
	if err != nil {
		t.Fatal(err)
	}
	if len(lunch) != 1 || lunch[0].Last.ProviderID != 1 {
		t.Errorf("lunch filter = %+v, want alice message 1", lunch)
	}

	// Digit filter matches the contact number.
	digits, _ := db.ListConversations(ctx, ConversationQuery{Filter: "000-0002"})
	if len(digits) != 1 || digits[0].Conversation != bob {
		t.Errorf("digit filter = %+v, want bob", digits)
	}

	// Contact name filter.
	names := map[string]string{bob.Contact: "Robert"}
	byName, _ := db.ListConversations(ctx, ConversationQuery{
		Filter:      "rob",
		ContactName: func(n string) string { return names[n] },
	})
	if len(byName) != 1 || byName[0].Conversation != bob {
		t.Errorf("name filter = %+v, want bob", byName)
	}

	// Draft filter.
	invoice, _ := db.ListConversations(ctx, ConversationQuery{Filter: "invoice"})
	if len(invoice) != 1 || invoice[0].Conversation != carol {
		t.Errorf("draft filter = %+v, want carol", invoice)
	}
}

func TestListConversationsArchived(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	_, _ = db.MergeRemoteMessages(ctx, []RemoteMessage{remote(t, 1, testContact, 1000, true, "hi")}, false)
	if err := db.Archive(ctx, conv); err != nil {
		t.Fatal(err)
	}

	active, _ := db.ListConversations(ctx, ConversationQuery{})
	if len(active) != 0 {
		t.Errorf("active = %d, want 0", len(active))
	}
	archived, _ := db.ListConversations(ctx, ConversationQuery{Archived: true})
	if len(archived) != 1 || !archived[0].Archived {
		t.Errorf("archived = %+v, want one archived conversation", archived)
	}
	if archived[0].UnreadCount != 1 {
		t.Errorf("unread count = %d, want 1", archived[0].UnreadCount)
	}

	if err := db.Unarchive(ctx, conv); err != nil {
		t.Fatal(err)
	}
	active, _ = db.ListConversations(ctx, ConversationQuery{})
	if len(active) != 1 {
		t.Errorf("active after unarchive = %d, want 1", len(active))
	}
}

func TestDraft(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	if err := db.SetDraft(ctx, conv, "first"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetDraft(ctx, conv, "second"); err != nil {
		t.Fatal(err)
	}
	got, err := db.Draft(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if got != "second" {
		t.Errorf("draft = %q, want second", got)
	}

	if err := db.SetDraft(ctx, conv, ""); err != nil {
		t.Fatal(err)
	}
	got, _ = db.Draft(ctx, conv)
	if got != "" {
		t.Errorf("draft after clear = %q, want empty", got)
	}
}

func TestDeleteConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	_, _ = db.MergeRemoteMessages(ctx, []RemoteMessage{
		remote(t, 1, testContact, 1000, true, "a"),
		remote(t, 2, testContact, 1001, true, "b"),
	}, false)
	_, _ = db.InsertProvisionalOutgoing(ctx, conv, "pending")
	_ = db.SetDraft(ctx, conv, "draft")
	_ = db.Archive(ctx, conv)

	if err := db.DeleteConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	n, _ := db.CountMessages(ctx, conv)
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
	ts, _ := db.Tombstones(ctx)
	if len(ts) != 2 {
		t.Errorf("tombstones = %d, want 2", len(ts))
	}
	if d, _ := db.Draft(ctx, conv); d != "" {
		t.Errorf("draft = %q, want empty", d)
	}
	if a, _ := db.IsArchived(ctx, conv); a {
		t.Error("archive flag should be cleared")
	}

	cleared, err := db.ClearTombstones(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cleared != 2 {
		t.Errorf("cleared = %d, want 2", cleared)
	}
}

func TestPruneDIDs(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	other, err := NewRemoteMessage(5, "5552222222", testContact, time.Unix(1000, 0), true, "x")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = db.MergeRemoteMessages(ctx, []RemoteMessage{remote(t, 1, testContact, 1000, true, "keep"), other}, false)

	removed, err := db.PruneDIDs(ctx, []string{testDID})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	dids, _ := db.DIDs(ctx)
	if len(dids) != 1 || dids[0] != testDID {
		t.Errorf("dids = %v, want [%s]", dids, testDID)
	}
}

func TestFailStaleDeliveries(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	id, _ := db.InsertProvisionalOutgoing(ctx, conv, "stuck")
	n, err := db.FailStaleDeliveries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("failed = %d, want 1", n)
	}
	m, _ := db.Message(ctx, id)
	if m.State() != Failed {
		t.Errorf("state = %s, want FAILED", m.State())
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, ok, err := db.Checkpoint(ctx, "last_full_sync"); err != nil || ok {
		t.Fatalf("Checkpoint on empty = ok %v err %v, want false nil", ok, err)
	}
	if err := db.SetCheckpoint(ctx, "last_full_sync", "100"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint(ctx, "last_full_sync", "200"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.Checkpoint(ctx, "last_full_sync")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || v != "200" {
		t.Errorf("checkpoint = %q (%v), want 200", v, ok)
	}
}

func TestExportImport(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	_, _ = db.MergeRemoteMessages(ctx, []RemoteMessage{remote(t, 1, testContact, 1000, true, "before export")}, false)

	var buf bytes.Buffer
	if err := db.Export(ctx, &buf); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		t.Fatal("export wrote no bytes")
	}

	// The store keeps working after export.
	if _, err := db.InsertProvisionalOutgoing(ctx, conv, "after export"); err != nil {
		t.Fatal(err)
	}
	n, _ := db.CountMessages(ctx, conv)
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	if err := db.Import(ctx, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatal(err)
	}
	n, _ = db.CountMessages(ctx, conv)
	if n != 1 {
		t.Errorf("count after import = %d, want 1", n)
	}
	if _, err := os.Stat(db.Path() + ".backup"); !os.IsNotExist(err) {
		t.Errorf("backup file should be removed, stat err = %v", err)
	}
}

func TestImportRestoresBackupOnInvalidFile(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	conv := testConv(t, testDID, testContact)

	_, _ = db.MergeRemoteMessages(ctx, []RemoteMessage{remote(t, 1, testContact, 1000, true, "keep me")}, false)

	err := db.Import(ctx, bytes.NewReader([]byte("definitely not a database file, just some text padding it out")))
	if err == nil {
		t.Fatal("Import of garbage should fail")
	}

	n, err := db.CountMessages(ctx, conv)
	if err != nil {
		t.Fatalf("store unusable after failed import: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1 after restore", n)
	}
}

func TestClosedStore(t *testing.T) {
	db := testDB(t)
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Message(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
