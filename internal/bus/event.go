package bus

import "time"

// Event kinds published by the daemon.
const (
	KindMessagesChanged      = "message.changed"
	KindConversationsChanged = "conversation.changed"
	KindSendAck              = "message.send_ack"
	KindSendFailed           = "message.send_failed"
	KindSyncProgress         = "sync.progress"
	KindSyncState            = "sync.state"
	KindStatusChanged        = "session.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ConversationRef is the payload of the *.changed kinds.
type ConversationRef struct {
	JID string
}

// SendResult is the payload of the send acknowledgement kinds.
type SendResult struct {
	ClientMsgID string
	ServerMsgID string
	JID         string
	Error       string
}

// SyncProgress is the payload of KindSyncProgress.
type SyncProgress struct {
	Phase   string
	Status  string
	Current int
	Total   int
}

// SyncState is the payload of KindSyncState.
type SyncState struct {
	Syncing bool
}
