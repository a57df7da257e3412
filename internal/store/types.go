package store

import (
	"fmt"
	"time"

	"github.com/voipsms/smsd/internal/phone"
)

// ConversationID identifies the conversation between one DID and one counterpart.
// Build it with NewConversationID so both numbers are validated.
type ConversationID struct {
	DID     string `json:"did"`
	Contact string `json:"contact"`
}

// NewConversationID validates both numbers and strips the North American
// country code from an 11-digit contact.
func NewConversationID(did, contact string) (ConversationID, error) {
	if err := phone.Validate(did); err != nil {
		return ConversationID{}, fmt.Errorf("did: %w", err)
	}
	if err := phone.Validate(contact); err != nil {
		return ConversationID{}, fmt.Errorf("contact: %w", err)
	}
	return ConversationID{DID: did, Contact: phone.NormalizeContact(contact)}, nil
}

func (c ConversationID) String() string {
	return c.DID + ":" + c.Contact
}

// DeliveryState is the derived delivery status of a message.
type DeliveryState string

const (
	Received DeliveryState = "RECEIVED"
	Created  DeliveryState = "CREATED"
	Sent     DeliveryState = "SENT"
	Failed   DeliveryState = "FAILED"
)

// Message represents one stored SMS.
type Message struct {
	ID                 int64  `json:"id"`
	ProviderID         int64  `json:"provider_id,omitempty"` // 0 until the provider assigns one
	DID                string `json:"did"`
	Contact            string `json:"contact"`
	Timestamp          int64  `json:"timestamp"` // unix seconds
	Incoming           bool   `json:"incoming"`
	Text               string `json:"text"`
	Unread             bool   `json:"unread"`
	Delivered          bool   `json:"delivered"`
	DeliveryInProgress bool   `json:"delivery_in_progress"`
}

// Conversation returns the conversation the message belongs to.
func (m Message) Conversation() ConversationID {
	return ConversationID{DID: m.DID, Contact: m.Contact}
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.Unix(m.Timestamp, 0)
}

// State reports where the message sits in the delivery state machine.
func (m Message) State() DeliveryState {
	switch {
	case m.Incoming:
		return Received
	case m.DeliveryInProgress:
		return Created
	case m.Delivered:
		return Sent
	default:
		return Failed
	}
}

// RemoteMessage is a message as reported by the provider, the input of a merge.
type RemoteMessage struct {
	ProviderID int64
	DID        string
	Contact    string
	Timestamp  int64
	Incoming   bool
	Text       string
}

// NewRemoteMessage validates a provider record before it can be merged.
func NewRemoteMessage(providerID int64, did, contact string, ts time.Time, incoming bool, text string) (RemoteMessage, error) {
	if providerID <= 0 {
		return RemoteMessage{}, fmt.Errorf("provider id %d must be positive", providerID)
	}
	conv, err := NewConversationID(did, contact)
	if err != nil {
		return RemoteMessage{}, err
	}
	return RemoteMessage{
		ProviderID: providerID,
		DID:        conv.DID,
		Contact:    conv.Contact,
		Timestamp:  ts.Unix(),
		Incoming:   incoming,
		Text:       text,
	}, nil
}

// Conversation returns the conversation the record belongs to.
func (r RemoteMessage) Conversation() ConversationID {
	return ConversationID{DID: r.DID, Contact: r.Contact}
}

// Tombstone records a locally deleted provider message.
type Tombstone struct {
	DID        string
	ProviderID int64
}

// Draft is the unsent text of a conversation.
type Draft struct {
	Conversation ConversationID
	Text         string
}

// ConversationSummary is one row of the conversation list: the most recent
// message, or the draft when one exists.
type ConversationSummary struct {
	Conversation ConversationID `json:"conversation"`
	Last         Message        `json:"last"`
	Draft        string         `json:"draft,omitempty"`
	Archived     bool           `json:"archived"`
	UnreadCount  int            `json:"unread_count"`
}

// Cursor is a keyset position in a conversation, (timestamp, id) of the last
// message already seen. The zero Cursor starts from the newest message.
type Cursor struct {
	Timestamp int64 `json:"timestamp"`
	ID        int64 `json:"id"`
}

// IsZero reports whether c is the starting cursor.
func (c Cursor) IsZero() bool {
	return c.Timestamp == 0 && c.ID == 0
}

// MergeResult describes what a merge added.
type MergeResult struct {
	Inserted int
	Skipped  int
	// Conversations holds every conversation that gained a message.
	Conversations map[ConversationID]struct{}
	// Incoming holds the conversations that gained an incoming message.
	Incoming map[ConversationID]struct{}
}

func newMergeResult() *MergeResult {
	return &MergeResult{
		Conversations: make(map[ConversationID]struct{}),
		Incoming:      make(map[ConversationID]struct{}),
	}
}
