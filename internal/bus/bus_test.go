package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessagesChanged, Payload: ConversationRef{JID: "a@x.com"}})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessagesChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessagesChanged)
		}
		if ref, ok := evt.Payload.(ConversationRef); !ok || ref.JID != "a@x.com" {
			t.Errorf("payload = %#v", evt.Payload)
		}
		if evt.ID == "" || evt.Timestamp.IsZero() {
			t.Errorf("id/timestamp not filled: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPublishKeepsGivenID(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	b.Publish(Event{ID: "fixed", Kind: KindSyncState})
	if evt := <-ch; evt.ID != "fixed" {
		t.Errorf("id = %q", evt.ID)
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindStatusChanged})
	b.Publish(Event{Kind: KindSyncProgress})

	select {
	case evt := <-ch:
		if evt.Kind != KindSyncProgress {
			t.Errorf("got kind %q, want %s", evt.Kind, KindSyncProgress)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindStatusChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conversation.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindConversationsChanged, Payload: ConversationRef{JID: "a@x.com"}})
	b.Publish(Event{Kind: KindConversationsChanged, Payload: ConversationRef{JID: "b@x.com"}})

	evt := <-ch
	if ref := evt.Payload.(ConversationRef); ref.JID != "a@x.com" {
		t.Errorf("got %q, want a@x.com", ref.JID)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}
