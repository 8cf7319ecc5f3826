package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/jid"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/repository"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// EventSource delivers live events until its context ends.
type EventSource interface {
	Run(ctx context.Context, handle func(remote.Event)) error
}

// Live applies live stream events through the same repository write paths
// as the sync passes.
type Live struct {
	source  EventSource
	repos   Repositories
	selfJID string
	metrics *metrics.Metrics
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewLive creates an adapter for events from source.
func NewLive(source EventSource, repos Repositories, selfJID string, m *metrics.Metrics, logger *zap.Logger) *Live {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Live{source: source, repos: repos, selfJID: selfJID, metrics: m, logger: logger}
}

// Start consumes the source in the background.
func (l *Live) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		l.err = l.source.Run(ctx, func(e remote.Event) {
			if err := l.HandleEvent(ctx, e); err != nil {
				l.logger.Error("failed to apply live event", zap.String("kind", string(e.Kind)),
					zap.String("id", e.ID), zap.Error(err))
			}
		})
	}()
}

// Stop stops consuming and waits for the source to return.
func (l *Live) Stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
}

// Done is closed once the source has returned.
func (l *Live) Done() <-chan struct{} {
	return l.done
}

// Err is the error the source returned, valid after Done is closed.
func (l *Live) Err() error {
	return l.err
}

// HandleEvent applies one event.
func (l *Live) HandleEvent(ctx context.Context, e remote.Event) error {
	switch e.Kind {
	case remote.EventMessage:
		l.metrics.LiveEvent(string(e.Kind))
		return l.applyMessage(ctx, e)
	case remote.EventMarker:
		l.metrics.LiveEvent(string(e.Kind))
		return l.applyMarker(ctx, e)
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

func (l *Live) applyMessage(ctx context.Context, e remote.Event) error {
	if e.ID == "" {
		return errors.New("message event without id")
	}
	peer, fromMe, err := jid.Counterpart(l.selfJID, e.From, e.To)
	if err != nil {
		return err
	}
	if strings.TrimSpace(e.Body) == "" {
		l.logger.Debug("ignoring message event without body", zap.String("id", e.ID))
		return nil
	}
	ts, provisional := eventTime(e)

	m := store.Message{
		MessageID:       e.ID,
		ConversationJID: peer,
		Body:            e.Body,
		Timestamp:       ts,
		Provisional:     provisional,
		From:            sender(fromMe),
		Status:          store.StatusSent,
	}
	if fromMe {
		// Our own message echoed from another device or from the send path.
		m.TempID = e.OriginID
	}

	existing, err := l.repos.Messages.Get(ctx, e.ID)
	if err != nil {
		return err
	}
	if err := l.repos.Messages.SaveAll(ctx, []store.Message{m}); err != nil {
		return err
	}
	l.metrics.MessagesSaved(1)

	// The summary takes the merged record, so a redelivery without a stamp
	// cannot move it past the stored server time.
	stored, err := l.repos.Messages.Get(ctx, e.ID)
	if err != nil {
		return err
	}
	if stored == nil {
		stored = &m
	}
	err = l.repos.Conversations.SaveAll(ctx, []store.Conversation{{
		JID: peer,
		LastMessage: store.LastMessage{
			Body:      stored.Body,
			Timestamp: stored.Timestamp,
			From:      stored.From,
			MessageID: stored.MessageID,
		},
	}})
	if err != nil {
		return err
	}
	if existing == nil && !fromMe {
		return l.repos.Conversations.IncrementUnread(ctx, peer)
	}
	return nil
}

func (l *Live) applyMarker(ctx context.Context, e remote.Event) error {
	if e.MarkerType == store.MarkerNone || e.MarkerFor == "" {
		return errors.New("marker event without type or target")
	}
	peer, fromMe, err := jid.Counterpart(l.selfJID, e.From, e.To)
	if err != nil {
		return err
	}
	ts, provisional := eventTime(e)

	id := e.ID
	if id == "" {
		id = store.MarkerID(e.MarkerType, e.MarkerFor)
	}
	err = l.repos.Messages.SaveAll(ctx, []store.Message{{
		MessageID:       id,
		ConversationJID: peer,
		Timestamp:       ts,
		Provisional:     provisional,
		From:            sender(fromMe),
		Status:          store.StatusSent,
		MarkerType:      e.MarkerType,
		MarkerFor:       e.MarkerFor,
	}})
	if err != nil {
		return err
	}

	if fromMe {
		// Read on another of our devices.
		if e.MarkerType == store.MarkerDisplayed {
			err := l.repos.Conversations.MarkAsRead(ctx, peer)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
		}
		return nil
	}

	switch e.MarkerType {
	case store.MarkerDisplayed:
		return l.repos.Messages.UpdateStatus(ctx, e.MarkerFor, store.StatusDisplayed)
	case store.MarkerAcknowledged:
		return l.repos.Messages.UpdateStatus(ctx, e.MarkerFor, store.StatusAcknowledged)
	}
	return nil
}

// eventTime returns the server stamp of e, or now marked provisional.
func eventTime(e remote.Event) (time.Time, bool) {
	if e.Timestamp.IsZero() {
		return time.Now(), true
	}
	return e.Timestamp, false
}

func sender(fromMe bool) store.Sender {
	if fromMe {
		return store.SenderMe
	}
	return store.SenderThem
}
