package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/repository"
	"github.com/matheus3301/chatsync/internal/store"
)

func newLive(t *testing.T) (*Live, Repositories) {
	t.Helper()
	repos := testRepos(t)
	return NewLive(nil, repos, self, nil, nil), repos
}

func TestLiveInboundMessage(t *testing.T) {
	ctx := context.Background()
	l, repos := newLive(t)

	e := remote.Event{Kind: remote.EventMessage, ID: "m1", From: "A@x.com/phone", To: self, Body: "hi", Timestamp: at(1)}
	if err := l.HandleEvent(ctx, e); err != nil {
		t.Fatal(err)
	}
	// Redelivery after a reconnect must not count twice.
	if err := l.HandleEvent(ctx, e); err != nil {
		t.Fatal(err)
	}

	c, err := repos.Conversations.Get(ctx, "a@x.com")
	if err != nil || c == nil {
		t.Fatalf("conversation = %+v, %v", c, err)
	}
	if c.UnreadCount != 1 || c.LastMessage.MessageID != "m1" || c.LastMessage.Body != "hi" {
		t.Errorf("conversation = %+v", c)
	}
	m, _ := repos.Messages.Get(ctx, "m1")
	if m == nil || m.From != store.SenderThem || m.Provisional || !m.Timestamp.Equal(at(1)) {
		t.Errorf("message = %+v", m)
	}
}

func TestLiveMessageWithoutStampIsProvisional(t *testing.T) {
	ctx := context.Background()
	l, repos := newLive(t)

	before := time.Now().Add(-time.Second)
	if err := l.HandleEvent(ctx, remote.Event{Kind: remote.EventMessage, ID: "m1", From: "a@x.com", To: self, Body: "now"}); err != nil {
		t.Fatal(err)
	}
	m, _ := repos.Messages.Get(ctx, "m1")
	if m == nil || !m.Provisional || m.Timestamp.Before(before) {
		t.Fatalf("message = %+v", m)
	}

	// The history copy carries the server time and replaces the local one.
	err := repos.Messages.SaveAll(ctx, []store.Message{{
		MessageID: "m1", ConversationJID: "a@x.com", Body: "now", Timestamp: at(1),
		From: store.SenderThem, Status: store.StatusSent,
	}})
	if err != nil {
		t.Fatal(err)
	}
	m, _ = repos.Messages.Get(ctx, "m1")
	if m.Provisional || !m.Timestamp.Equal(at(1)) {
		t.Errorf("after history merge = %+v", m)
	}
}

func TestLiveEchoMergesOptimisticSend(t *testing.T) {
	ctx := context.Background()
	l, repos := newLive(t)

	err := repos.Messages.SaveAll(ctx, []store.Message{{
		MessageID: "c1", TempID: "c1", ConversationJID: "a@x.com", Body: "hello",
		Timestamp: time.Now(), Provisional: true, From: store.SenderMe, Status: store.StatusPending,
	}})
	if err != nil {
		t.Fatal(err)
	}

	echo := remote.Event{Kind: remote.EventMessage, ID: "srv1", From: self + "/laptop", To: "a@x.com", Body: "hello", Timestamp: at(1), OriginID: "c1"}
	if err := l.HandleEvent(ctx, echo); err != nil {
		t.Fatal(err)
	}

	msgs, _ := repos.Messages.GetForConversation(ctx, "a@x.com", repository.QueryOptions{})
	if len(msgs) != 1 || msgs[0].MessageID != "srv1" || msgs[0].Status != store.StatusSent || msgs[0].TempID != "c1" {
		t.Fatalf("messages = %+v", msgs)
	}
	c, _ := repos.Conversations.Get(ctx, "a@x.com")
	if c.UnreadCount != 0 || c.LastMessage.From != store.SenderMe {
		t.Errorf("conversation = %+v", c)
	}
}

func TestLiveMarkerAdvancesStatus(t *testing.T) {
	ctx := context.Background()
	l, repos := newLive(t)

	err := repos.Messages.SaveAll(ctx, []store.Message{{
		MessageID: "m1", ConversationJID: "a@x.com", Body: "hello", Timestamp: at(1),
		From: store.SenderMe, Status: store.StatusSent,
	}})
	if err != nil {
		t.Fatal(err)
	}

	marker := remote.Event{Kind: remote.EventMarker, From: "a@x.com", To: self, MarkerType: store.MarkerDisplayed, MarkerFor: "m1", Timestamp: at(2)}
	for range 2 {
		if err := l.HandleEvent(ctx, marker); err != nil {
			t.Fatal(err)
		}
	}

	m, _ := repos.Messages.Get(ctx, "m1")
	if m.Status != store.StatusDisplayed {
		t.Errorf("status = %s, want displayed", m.Status)
	}
	mk, _ := repos.Messages.Get(ctx, store.MarkerID(store.MarkerDisplayed, "m1"))
	if mk == nil || mk.MarkerFor != "m1" || mk.Body != "" {
		t.Errorf("marker record = %+v", mk)
	}
	if n, _ := repos.Messages.CountForConversation(ctx, "a@x.com"); n != 2 {
		t.Errorf("records = %d, want message plus one marker", n)
	}

	ack := marker
	ack.MarkerType = store.MarkerAcknowledged
	if err := l.HandleEvent(ctx, ack); err != nil {
		t.Fatal(err)
	}
	if err := l.HandleEvent(ctx, marker); err != nil {
		t.Fatal(err)
	}
	m, _ = repos.Messages.Get(ctx, "m1")
	if m.Status != store.StatusAcknowledged {
		t.Errorf("status = %s, want acknowledged kept", m.Status)
	}
}

func TestLiveOwnDisplayedMarkerMarksRead(t *testing.T) {
	ctx := context.Background()
	l, repos := newLive(t)

	in := remote.Event{Kind: remote.EventMessage, ID: "m1", From: "a@x.com", To: self, Body: "hi", Timestamp: at(1)}
	if err := l.HandleEvent(ctx, in); err != nil {
		t.Fatal(err)
	}
	read := remote.Event{Kind: remote.EventMarker, From: self + "/phone", To: "a@x.com", MarkerType: store.MarkerDisplayed, MarkerFor: "m1"}
	if err := l.HandleEvent(ctx, read); err != nil {
		t.Fatal(err)
	}
	c, _ := repos.Conversations.Get(ctx, "a@x.com")
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
	m, _ := repos.Messages.Get(ctx, "m1")
	if m.Status != store.StatusSent {
		t.Errorf("inbound status changed to %s", m.Status)
	}
}

func TestLiveRejectsMalformedEvents(t *testing.T) {
	ctx := context.Background()
	l, _ := newLive(t)
	bad := []remote.Event{
		{Kind: remote.EventMessage, From: "a@x.com", To: self, Body: "no id"},
		{Kind: remote.EventMessage, ID: "m1", From: "nodomain", To: self},
		{Kind: remote.EventMarker, From: "a@x.com", To: self, MarkerType: store.MarkerDisplayed},
		{Kind: "presence", From: "a@x.com"},
	}
	for _, e := range bad {
		if err := l.HandleEvent(ctx, e); err == nil {
			t.Errorf("HandleEvent(%+v) accepted", e)
		}
	}
}

type fakeSource struct {
	events []remote.Event
	err    error
}

func (s *fakeSource) Run(ctx context.Context, handle func(remote.Event)) error {
	for _, e := range s.events {
		handle(e)
	}
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

func TestLiveStartStop(t *testing.T) {
	repos := testRepos(t)
	src := &fakeSource{events: []remote.Event{
		{Kind: remote.EventMessage, ID: "m1", From: "a@x.com", To: self, Body: "hi", Timestamp: at(1)},
	}}
	l := NewLive(src, repos, self, nil, nil)
	l.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for {
		if m, _ := repos.Messages.Get(context.Background(), "m1"); m != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
	l.Stop()
	if l.Err() != nil {
		t.Errorf("Err() = %v", l.Err())
	}
}

func TestLiveSourceFailureIsReported(t *testing.T) {
	repos := testRepos(t)
	l := NewLive(&fakeSource{err: errors.New("rejected")}, repos, self, nil, nil)
	l.Start(context.Background())
	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("source did not return")
	}
	if l.Err() == nil {
		t.Error("source error lost")
	}
}

func TestLiveProvisionalSummaryTakesServerTime(t *testing.T) {
	ctx := context.Background()
	l, repos := newLive(t)

	o := newOrchestrator(newFakeRemote(), repos, Options{})
	e := remote.Event{Kind: remote.EventMessage, ID: "m1", From: "a@x.com", To: self, Body: "hi"}
	if err := l.HandleEvent(ctx, e); err != nil {
		t.Fatal(err)
	}

	err := repos.Messages.SaveAll(ctx, []store.Message{{
		MessageID: "m1", ConversationJID: "a@x.com", Body: "hi", Timestamp: at(1),
		From: store.SenderThem, Status: store.StatusSent,
	}})
	if err != nil {
		t.Fatal(err)
	}
	if err := o.reconcileSummary(ctx, "a@x.com"); err != nil {
		t.Fatal(err)
	}
	c, _ := repos.Conversations.Get(ctx, "a@x.com")
	if c.LastMessage.MessageID != "m1" || !c.LastMessage.Timestamp.Equal(at(1)) {
		t.Fatalf("summary = %+v, want m1 at server time", c.LastMessage)
	}

	// A redelivery without a stamp keeps the server time.
	if err := l.HandleEvent(ctx, e); err != nil {
		t.Fatal(err)
	}
	c, _ = repos.Conversations.Get(ctx, "a@x.com")
	if !c.LastMessage.Timestamp.Equal(at(1)) {
		t.Errorf("summary ts after redelivery = %v, want %v", c.LastMessage.Timestamp, at(1))
	}
}

func TestLiveIgnoresEmptyBody(t *testing.T) {
	ctx := context.Background()
	l, repos := newLive(t)

	if err := l.HandleEvent(ctx, remote.Event{Kind: remote.EventMessage, ID: "m1", From: "a@x.com", To: self, Body: "hi", Timestamp: at(1)}); err != nil {
		t.Fatal(err)
	}
	if err := l.HandleEvent(ctx, remote.Event{Kind: remote.EventMessage, ID: "m2", From: "a@x.com", To: self, Body: "  ", Timestamp: at(2)}); err != nil {
		t.Fatal(err)
	}
	if m, _ := repos.Messages.Get(ctx, "m2"); m != nil {
		t.Errorf("empty message stored: %+v", m)
	}
	c, _ := repos.Conversations.Get(ctx, "a@x.com")
	if c.LastMessage.Body != "hi" || c.UnreadCount != 1 {
		t.Errorf("conversation = %+v, want preview hi and one unread", c)
	}
}
