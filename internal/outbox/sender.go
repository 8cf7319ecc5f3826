package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/jid"
	"github.com/matheus3301/chatsync/internal/repository"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// TextSender delivers a text message to the remote service.
type TextSender interface {
	SendMessage(ctx context.Context, to, body, clientID string) (serverID string, err error)
}

// Repositories are the stores the sender writes the optimistic record to.
type Repositories struct {
	Messages      *repository.MessageRepository
	Conversations *repository.ConversationRepository
}

// Sender drains the outbox. Each entry is shown immediately as a pending
// placeholder keyed by its client id, then reconciled with the server id
// once the remote accepts it.
type Sender struct {
	db       *store.DB
	repos    Repositories
	sender   TextSender
	bus      *bus.Bus
	interval time.Duration
	logger   *zap.Logger
	kick     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSender creates a new outbox sender. interval is the polling period.
func NewSender(db *store.DB, repos Repositories, sender TextSender, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Sender{
		db:       db,
		repos:    repos,
		sender:   sender,
		bus:      b,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Queue adds a text message to the outbox and returns its client id. An
// empty clientMsgID gets a fresh one; queuing the same id twice is a no-op.
func (s *Sender) Queue(ctx context.Context, to, body, clientMsgID string) (string, error) {
	conv, err := jid.Normalize(to)
	if err != nil {
		return "", err
	}
	if body == "" {
		return "", fmt.Errorf("empty message body")
	}
	if clientMsgID == "" {
		clientMsgID = uuid.NewString()
	}
	if err := s.db.QueueOutbox(ctx, clientMsgID, conv, body); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return clientMsgID, nil
}

// Start requeues entries an earlier process left in flight and begins
// draining the outbox.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueSending(ctx); err != nil {
		s.logger.Error("failed to requeue in-flight messages", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued in-flight messages", zap.Int64("count", n))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.processPending(ctx)
	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-s.kick:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox(ctx)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	log := s.logger.With(zap.String("client_msg_id", entry.ClientMsgID), zap.String("jid", entry.ConversationJID))
	if err := s.db.MarkOutboxSending(ctx, entry.ClientMsgID); err != nil {
		log.Error("failed to mark sending", zap.Error(err))
		return
	}

	// A requeued entry may already have been accepted before the process
	// stopped; its record then carries the server id.
	prior, err := s.repos.Messages.GetByTempID(ctx, entry.ClientMsgID)
	if err != nil {
		log.Error("failed to look up stored message", zap.Error(err))
	}
	if prior != nil && prior.MessageID != entry.ClientMsgID && prior.Status.Rank() >= store.StatusSent.Rank() {
		s.acknowledge(ctx, log, entry, prior.MessageID)
		return
	}

	// Optimistic insert: the message is visible before the remote answers.
	now := time.Now()
	placeholder := store.Message{
		MessageID:       entry.ClientMsgID,
		TempID:          entry.ClientMsgID,
		ConversationJID: entry.ConversationJID,
		Body:            entry.Body,
		Timestamp:       now,
		Provisional:     true,
		From:            store.SenderMe,
		Status:          store.StatusPending,
	}
	if err := s.repos.Messages.SaveAll(ctx, []store.Message{placeholder}); err != nil {
		log.Error("failed to store pending message", zap.Error(err))
	}
	err = s.repos.Conversations.SaveAll(ctx, []store.Conversation{{
		JID: entry.ConversationJID,
		LastMessage: store.LastMessage{
			Body:      entry.Body,
			Timestamp: now,
			From:      store.SenderMe,
			MessageID: entry.ClientMsgID,
		},
	}})
	if err != nil {
		log.Error("failed to update conversation", zap.Error(err))
	}

	serverMsgID, err := s.sender.SendMessage(ctx, entry.ConversationJID, entry.Body, entry.ClientMsgID)
	if err != nil {
		log.Error("failed to send message", zap.Error(err))
		if uerr := s.repos.Messages.UpdateStatus(ctx, entry.ClientMsgID, store.StatusFailed); uerr != nil {
			log.Error("failed to mark message failed", zap.Error(uerr))
		}
		if merr := s.db.MarkOutboxFailed(ctx, entry.ClientMsgID, err.Error()); merr != nil {
			log.Error("failed to mark outbox failed", zap.Error(merr))
		}
		s.publish(bus.KindSendFailed, bus.SendResult{
			ClientMsgID: entry.ClientMsgID,
			JID:         entry.ConversationJID,
			Error:       err.Error(),
		})
		return
	}

	if err := s.repos.Messages.UpdateMessageID(ctx, entry.ClientMsgID, serverMsgID); err != nil {
		log.Error("failed to reconcile server id", zap.String("server_msg_id", serverMsgID), zap.Error(err))
	}
	s.acknowledge(ctx, log, entry, serverMsgID)
}

func (s *Sender) acknowledge(ctx context.Context, log *zap.Logger, entry store.OutboxEntry, serverMsgID string) {
	if err := s.db.MarkOutboxSent(ctx, entry.ClientMsgID, serverMsgID); err != nil {
		log.Error("failed to mark sent", zap.Error(err))
	}

	log.Info("message sent", zap.String("server_msg_id", serverMsgID))
	s.publish(bus.KindSendAck, bus.SendResult{
		ClientMsgID: entry.ClientMsgID,
		ServerMsgID: serverMsgID,
		JID:         entry.ConversationJID,
	})
}

func (s *Sender) publish(kind string, res bus.SendResult) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: res})
}
