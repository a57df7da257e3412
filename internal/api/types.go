package api

import (
	"encoding/json"
	"time"

	"github.com/voipsms/smsd/internal/outbox"
	"github.com/voipsms/smsd/internal/store"
	intsync "github.com/voipsms/smsd/internal/sync"
)

// Conversation names a conversation on the wire.
type Conversation struct {
	DID     string `json:"did"`
	Contact string `json:"contact"`
}

// ID validates the numbers and returns the store identifier.
func (c Conversation) ID() (store.ConversationID, error) {
	return store.NewConversationID(c.DID, c.Contact)
}

type Empty struct{}

// SyncService

type SyncRequest struct {
	RecentOnly bool `json:"recent_only"`
	// Async returns as soon as the cycle has started.
	Async bool `json:"async"`
}

type SyncResponse struct {
	Started bool            `json:"started"`
	Result  *intsync.Result `json:"result,omitempty"`
}

type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type StatusResponse struct {
	Session       string           `json:"session"`
	PID           int              `json:"pid"`
	State         string           `json:"state"`
	StateSince    time.Time        `json:"state_since"`
	Detail        string           `json:"detail,omitempty"`
	Progress      intsync.Progress `json:"progress"`
	LastFullSync  time.Time        `json:"last_full_sync,omitzero"`
	NextSync      time.Time        `json:"next_sync,omitzero"`
	Conversations int              `json:"conversations"`
}

type WatchRequest struct {
	// Namespaces filters by event kind prefix; empty means every event.
	Namespaces []string `json:"namespaces,omitempty"`
}

// Event is a bus event delivered by WatchEvents.
type Event struct {
	ID         string          `json:"id"`
	Session    string          `json:"session"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MessageService

type SendRequest struct {
	Conversation Conversation `json:"conversation"`
	Text         string       `json:"text"`
}

type SendResponse struct {
	Result *outbox.Result `json:"result"`
}

type ResendRequest struct {
	ID int64 `json:"id"`
}

type ListMessagesRequest struct {
	Conversation Conversation `json:"conversation"`
	Before       store.Cursor `json:"before"`
	Limit        int          `json:"limit"`
}

type ListMessagesResponse struct {
	Messages []store.Message `json:"messages"`
	// Next is the cursor of the following page, nil on the last page.
	Next *store.Cursor `json:"next,omitempty"`
}

type DeleteMessageRequest struct {
	ID int64 `json:"id"`
}

// ConversationService

type ListConversationsRequest struct {
	Filter   string `json:"filter,omitempty"`
	Archived bool   `json:"archived"`
}

// ConversationItem is a conversation summary with the configured contact name.
type ConversationItem struct {
	store.ConversationSummary
	ContactName string `json:"contact_name,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []ConversationItem `json:"conversations"`
}

type ConversationRequest struct {
	Conversation Conversation `json:"conversation"`
}

type DraftResponse struct {
	Text string `json:"text"`
}

type SetDraftRequest struct {
	Conversation Conversation `json:"conversation"`
	Text         string       `json:"text"`
}

// AccountService

type DIDInfo struct {
	Number      string `json:"number"`
	Description string `json:"description,omitempty"`
	Retrieve    bool   `json:"retrieve"`
	Send        bool   `json:"send"`
	Show        bool   `json:"show"`
	Configured  bool   `json:"configured"`
}

type ListDIDsRequest struct {
	// Remote also asks the provider for the account's numbers.
	Remote bool `json:"remote"`
}

type ListDIDsResponse struct {
	DIDs []DIDInfo `json:"dids"`
}

type RefreshDIDsResponse struct {
	Added  []string `json:"added"`
	Pruned int64    `json:"pruned"`
}

type ClearTombstonesResponse struct {
	Cleared int64 `json:"cleared"`
}

// BackupRequest names a file on the daemon's host.
type BackupRequest struct {
	Path string `json:"path"`
}

type BackupResponse struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}
