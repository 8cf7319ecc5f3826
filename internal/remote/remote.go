// Package remote is the boundary to the history service that owns the
// authoritative message archive.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/jid"
	"github.com/matheus3301/chatsync/internal/store"
)

// ArchiveItem is one raw line of the conversation list. From and To are
// full addresses; the caller groups items by counterpart.
type ArchiveItem struct {
	ID   string
	From string
	To   string
	Body string
	Type string
	// Timestamp is the server delay stamp, zero when absent.
	Timestamp time.Time
}

// ListQuery selects a window of the conversation list.
type ListQuery struct {
	Start      time.Time
	End        time.Time
	MaxResults int
	AfterToken string
}

// ConversationPage is one page of the conversation list.
type ConversationPage struct {
	Items     []ArchiveItem
	NextToken string
	Complete  bool
}

// MessageQuery selects a page of one conversation's history. Tokens are
// opaque and must be passed back verbatim.
type MessageQuery struct {
	MaxResults  int
	AfterToken  string
	BeforeToken string
	// Since is used instead of a token when none is known.
	Since time.Time
}

// MessagePage is one page of a conversation's history.
type MessagePage struct {
	Messages   []store.Message
	FirstToken string
	LastToken  string
	Complete   bool
}

// Remote is the history service as seen by the sync engine.
type Remote interface {
	FetchConversationList(ctx context.Context, q ListQuery) (ConversationPage, error)
	FetchMessagesForContact(ctx context.Context, conversationJID string, q MessageQuery) (MessagePage, error)
	FetchDirectory(ctx context.Context, jids []string) ([]store.DirectoryEntry, error)
	SendMessage(ctx context.Context, to, body, clientID string) (serverID string, err error)
}

// EventKind distinguishes live stream events.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventMarker  EventKind = "marker"
)

// Event is one frame of the live stream.
type Event struct {
	Kind EventKind
	ID   string
	From string
	To   string
	Body string
	// Timestamp is the server delay stamp, zero when absent.
	Timestamp time.Time
	// OriginID is the client id the sender attached, if any.
	OriginID   string
	MarkerType store.MarkerType
	MarkerFor  string
}

// HTTPError is a non-2xx response from the history service.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// wireMessage is the JSON form shared by history pages and live frames.
type wireMessage struct {
	Type      string `json:"type,omitempty"`
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body,omitempty"`
	TS        int64  `json:"ts,omitempty"`
	OriginID  string `json:"origin_id,omitempty"`
	Marker    string `json:"marker,omitempty"`
	MarkerFor string `json:"marker_for,omitempty"`
}

func (w wireMessage) timestamp() time.Time {
	return store.FromMillis(w.TS)
}

// toMessage converts a history line into a stored record, seen from self.
func (w wireMessage) toMessage(self string) (store.Message, error) {
	peer, fromMe, err := jid.Counterpart(self, w.From, w.To)
	if err != nil {
		return store.Message{}, err
	}
	m := store.Message{
		MessageID:       w.ID,
		ConversationJID: peer,
		Body:            w.Body,
		Timestamp:       w.timestamp(),
		From:            store.SenderThem,
		Status:          store.StatusSent,
		TempID:          w.OriginID,
	}
	if fromMe {
		m.From = store.SenderMe
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
		m.Provisional = true
	}
	if w.Marker != "" {
		m.Body = ""
		m.MarkerType = store.MarkerType(w.Marker)
		m.MarkerFor = w.MarkerFor
		if m.MessageID == "" {
			m.MessageID = store.MarkerID(m.MarkerType, w.MarkerFor)
		}
	}
	return m, nil
}

func (w wireMessage) toEvent() Event {
	e := Event{
		Kind:      EventKind(w.Type),
		ID:        w.ID,
		From:      w.From,
		To:        w.To,
		Body:      w.Body,
		Timestamp: w.timestamp(),
		OriginID:  w.OriginID,
	}
	if w.Marker != "" {
		e.MarkerType = store.MarkerType(w.Marker)
		e.MarkerFor = w.MarkerFor
	}
	return e
}
