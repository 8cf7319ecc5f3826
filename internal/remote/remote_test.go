package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/chatsync/internal/store"
)

const self = "me@x.com"

func newTestClient(t *testing.T, h http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(HTTPOptions{BaseURL: srv.URL, Token: "secret", SelfJID: self, MaxTries: 3})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchConversationList(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/archive" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing auth header")
		}
		gotQuery = r.URL.RawQuery
		writeJSON(w, 200, map[string]any{
			"items": []map[string]any{
				{"id": "m1", "from": "a@x.com/phone", "to": self, "body": "hi", "type": "chat", "ts": 1000},
				{"id": "m2", "from": self, "to": "b@x.com", "body": "yo", "type": "chat"},
			},
			"next":     "tok-2",
			"complete": false,
		})
	}))

	page, err := c.FetchConversationList(context.Background(), ListQuery{MaxResults: 100, AfterToken: "tok-1", Start: time.UnixMilli(500)})
	if err != nil {
		t.Fatal(err)
	}
	if gotQuery != "after=tok-1&max=100&start=500" {
		t.Errorf("query = %q", gotQuery)
	}
	if len(page.Items) != 2 || page.NextToken != "tok-2" || page.Complete {
		t.Fatalf("page = %+v", page)
	}
	if !page.Items[0].Timestamp.Equal(time.UnixMilli(1000)) {
		t.Errorf("ts = %v", page.Items[0].Timestamp)
	}
	if !page.Items[1].Timestamp.IsZero() {
		t.Errorf("missing ts should stay zero, got %v", page.Items[1].Timestamp)
	}
}

func TestFetchMessagesForContact(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/archive/a@x.com" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("after") != "opaque==" {
			t.Errorf("token not passed verbatim: %q", r.URL.Query().Get("after"))
		}
		if r.URL.Query().Get("since") != "" {
			t.Error("since sent alongside a token")
		}
		writeJSON(w, 200, map[string]any{
			"messages": []map[string]any{
				{"id": "m1", "from": "A@x.com/phone", "to": self, "body": "hi", "ts": 1000},
				{"id": "m2", "from": self + "/laptop", "to": "a@x.com", "body": "hello", "ts": 2000, "origin_id": "c1"},
				{"id": "", "from": "a@x.com", "to": self, "marker": "displayed", "marker_for": "m2", "ts": 3000},
				{"id": "bad", "from": "nodomain", "to": "alsobad"},
			},
			"first":    "f",
			"last":     "l",
			"complete": true,
		})
	}))

	page, err := c.FetchMessagesForContact(context.Background(), "a@x.com", MessageQuery{MaxResults: 50, AfterToken: "opaque==", Since: time.UnixMilli(1)})
	if err != nil {
		t.Fatal(err)
	}
	if page.FirstToken != "f" || page.LastToken != "l" || !page.Complete {
		t.Errorf("page tokens = %+v", page)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(page.Messages))
	}
	m1, m2, mk := page.Messages[0], page.Messages[1], page.Messages[2]
	if m1.ConversationJID != "a@x.com" || m1.From != store.SenderThem || m1.Provisional {
		t.Errorf("m1 = %+v", m1)
	}
	if m2.ConversationJID != "a@x.com" || m2.From != store.SenderMe || m2.TempID != "c1" {
		t.Errorf("m2 = %+v", m2)
	}
	if mk.MessageID != "marker-displayed-m2" || mk.MarkerType != store.MarkerDisplayed || mk.Body != "" {
		t.Errorf("marker = %+v", mk)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "busy"})
			return
		}
		writeJSON(w, 200, map[string]any{"id": "srv1"})
	}))

	id, err := c.SendMessage(context.Background(), "a@x.com", "hi", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if id != "srv1" || calls.Load() != 3 {
		t.Errorf("id = %q after %d calls", id, calls.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "no_such_contact", "message": "unknown"})
	}))

	_, err := c.FetchMessagesForContact(context.Background(), "a@x.com", MessageQuery{})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != 404 || httpErr.Code != "no_such_contact" {
		t.Errorf("httpErr = %+v", httpErr)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, nil)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.FetchConversationList(ctx, ListQuery{}); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestFetchDirectory(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JIDs []string `json:"jids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if r.Method != http.MethodPost || len(req.JIDs) != 2 {
			t.Errorf("method %s jids %v", r.Method, req.JIDs)
		}
		writeJSON(w, 200, map[string]any{"entries": []map[string]string{{"jid": "a@x.com", "name": "Alice"}}})
	}))
	entries, err := c.FetchDirectory(context.Background(), []string{"a@x.com", "b@x.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "Alice" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestStreamDeliversAndReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/events" || r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "nope", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := context.Background()
		if conns.Add(1) == 1 {
			_ = wsjson.Write(ctx, c, map[string]any{"type": "message", "id": "m1", "from": "a@x.com", "to": self, "body": "hi"})
			_ = wsjson.Write(ctx, c, map[string]any{"type": "presence", "from": "a@x.com"})
			_ = wsjson.Write(ctx, c, map[string]any{"type": "marker", "id": "k1", "from": "a@x.com", "to": self, "marker": "displayed", "marker_for": "m0", "ts": 5000})
			_ = c.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		_ = wsjson.Write(ctx, c, map[string]any{"type": "message", "id": "m2", "from": "a@x.com", "to": self, "body": "again"})
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	events := make(chan Event, 10)
	var connects []bool
	var drops atomic.Int32
	s := NewStream(StreamOptions{
		BaseURL:        srv.URL,
		Token:          "secret",
		InitialBackoff: 10 * time.Millisecond,
		OnConnect:      func(reconnect bool) { connects = append(connects, reconnect) },
		OnDisconnect:   func(error) { drops.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, func(e Event) { events <- e }) }()

	var got []Event
	for len(got) < 3 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout after %d events", len(got))
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v after cancel", err)
	}

	if got[0].Kind != EventMessage || got[0].ID != "m1" || !got[0].Timestamp.IsZero() {
		t.Errorf("event 0 = %+v", got[0])
	}
	if got[1].Kind != EventMarker || got[1].MarkerType != store.MarkerDisplayed || got[1].MarkerFor != "m0" {
		t.Errorf("event 1 = %+v", got[1])
	}
	if got[2].ID != "m2" {
		t.Errorf("event 2 = %+v", got[2])
	}
	if len(connects) != 2 || connects[0] || !connects[1] {
		t.Errorf("connects = %v, want [false true]", connects)
	}
	if drops.Load() != 1 {
		t.Errorf("drops = %d, want 1", drops.Load())
	}
}

func TestStreamRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewStream(StreamOptions{BaseURL: srv.URL, InitialBackoff: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx, func(Event) {})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("err = %v, want 401 HTTPError", err)
	}
}
