package store

import (
	"fmt"
	"time"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusDisplayed    Status = "displayed"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// Rank orders the non-failed statuses. Failed and unknown values rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDisplayed:
		return 3
	case StatusAcknowledged:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusFailed || s.Rank() > 0
}

// Sender tells who authored a message.
type Sender string

const (
	SenderMe   Sender = "me"
	SenderThem Sender = "them"
)

// MarkerType is the kind of chat marker a pseudo-message carries.
type MarkerType string

const (
	MarkerNone         MarkerType = ""
	MarkerReceived     MarkerType = "received"
	MarkerDisplayed    MarkerType = "displayed"
	MarkerAcknowledged MarkerType = "acknowledged"
)

// Message is a cached chat message or marker pseudo-message.
type Message struct {
	MessageID       string
	ConversationJID string
	Body            string
	Timestamp       time.Time
	From            Sender
	Status          Status
	TempID          string
	// Provisional is set when Timestamp was stamped locally rather than
	// taken from the server.
	Provisional bool
	MarkerType  MarkerType
	MarkerFor   string
}

// IsMarker reports whether m is a marker pseudo-message.
func (m *Message) IsMarker() bool {
	return m.MarkerType != MarkerNone
}

// Validate checks the record-level invariants.
func (m *Message) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("message has no id")
	}
	if m.ConversationJID == "" {
		return fmt.Errorf("message %q has no conversation", m.MessageID)
	}
	if m.IsMarker() && m.Body != "" {
		return fmt.Errorf("marker %q carries a body", m.MessageID)
	}
	if m.IsMarker() != (m.MarkerFor != "") {
		return fmt.Errorf("message %q: marker type and target must be set together", m.MessageID)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("message %q: unknown status %q", m.MessageID, m.Status)
	}
	return nil
}

// LastMessage is the summary of the newest message in a conversation.
type LastMessage struct {
	Body      string
	Timestamp time.Time
	From      Sender
	MessageID string
}

// Conversation is a cached conversation summary.
type Conversation struct {
	JID         string
	DisplayName string
	LastMessage LastMessage
	UnreadCount int
	UpdatedAt   time.Time
	AvatarData  string
	AvatarType  string
}

// SyncMetadata holds the synchronization cursors. There is at most one.
type SyncMetadata struct {
	LastSync               time.Time
	LastToken              string
	ConversationTokens     map[string]string
	InitialSyncComplete    bool
	InitialSyncCompletedAt time.Time
}

// DirectoryEntry is profile data for an address.
type DirectoryEntry struct {
	JID        string
	Name       string
	AvatarData string
	AvatarType string
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID              int64
	ClientMsgID     string
	ConversationJID string
	Body            string
	Status          string // queued, sending, sent, failed
	ErrorMessage    string
	ServerMsgID     string
	CreatedAt       time.Time
}

// ToMillis converts t to Unix milliseconds, mapping the zero time to 0.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of ToMillis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// MarkerID is the deterministic id of the marker of type t pointing at target,
// so repeated sightings of the same marker collapse into one record.
func MarkerID(t MarkerType, target string) string {
	return "marker-" + string(t) + "-" + target
}
