package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter on the namespace prefix ("sync.", "message.").
const (
	SyncStarted   = "sync.started"
	SyncProgress  = "sync.progress"
	SyncCompleted = "sync.completed"
	SyncFailed    = "sync.failed"
	SyncCancelled = "sync.cancelled"

	MessagesMerged    = "message.merged"
	MessageQueued     = "message.queued"
	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"

	NotifyNewMessages = "notify.new_messages"

	StatusChanged = "daemon.status_changed"
)

// NewEvent builds an event stamped with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
