package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/repository"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultMessageLimit = 50
	watchBuffer         = 256
)

// Queuer accepts outgoing text messages.
type Queuer interface {
	Queue(ctx context.Context, to, body, clientMsgID string) (string, error)
}

// Syncer runs the cache maintenance operations that must not overlap a sync
// pass. Both fail with intsync.ErrSyncInProgress while one runs.
type Syncer interface {
	Reset(ctx context.Context) error
	Reconcile(ctx context.Context) ([]string, error)
}

// Options wires a CacheService to the daemon's components. Outbox, Sync,
// Trigger and Metadata may be nil; the operations that need them then answer
// Unavailable or omit the affected fields.
type Options struct {
	SessionName   string
	DB            *store.DB
	Conversations *repository.ConversationRepository
	Messages      *repository.MessageRepository
	Metadata      *repository.MetadataRepository
	Outbox        Queuer
	Machine       *status.Machine
	Syncing       *intsync.Status
	Sync          Syncer
	// Trigger starts a sync pass in the background and reports whether one
	// was started.
	Trigger func() bool
	Bus     *bus.Bus
	Logger  *zap.Logger
}

// CacheService implements CacheServer over the local cache.
type CacheService struct {
	opts      Options
	startedAt time.Time
	logger    *zap.Logger
}

// NewCacheService creates a new cache service.
func NewCacheService(opts Options) *CacheService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{opts: opts, startedAt: time.Now(), logger: logger}
}

// ListConversations returns {conversations: [...], has_more}. An optional
// positive "limit" caps the list.
func (s *CacheService) ListConversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convs, err := s.opts.Conversations.GetAll(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list conversations: %v", err)
	}
	hasMore := false
	if limit := intField(req, "limit"); limit > 0 && len(convs) > limit {
		convs = convs[:limit]
		hasMore = true
	}
	items := make([]any, 0, len(convs))
	for _, c := range convs {
		items = append(items, conversationToMap(c))
	}
	return newStruct(map[string]any{"conversations": items, "has_more": hasMore})
}

// ListMessages returns {messages: [...], has_more} for "jid", oldest first.
// "limit" defaults to 50, "before_ms" pages backwards and markers are left
// out unless "include_markers" is set.
func (s *CacheService) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := jidField(req, "jid")
	if err != nil {
		return nil, err
	}
	limit := intField(req, "limit")
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	msgs, err := s.opts.Messages.GetForConversation(ctx, conv, repository.QueryOptions{
		Limit:          limit,
		Before:         store.FromMillis(int64(intField(req, "before_ms"))),
		ExcludeMarkers: !boolField(req, "include_markers"),
	})
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	items := make([]any, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, messageToMap(m))
	}
	return newStruct(map[string]any{"messages": items, "has_more": len(msgs) == limit})
}

// MarkAsRead resets the unread counter of "jid".
func (s *CacheService) MarkAsRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := jidField(req, "jid")
	if err != nil {
		return nil, err
	}
	if err := s.opts.Conversations.MarkAsRead(ctx, conv); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, grpcstatus.Errorf(codes.NotFound, "conversation %q not found", conv)
		}
		return nil, grpcstatus.Errorf(codes.Internal, "mark as read: %v", err)
	}
	return newStruct(map[string]any{"jid": conv})
}

// SendText queues "body" for "jid". "client_msg_id" is optional; the id the
// message was queued under is returned.
func (s *CacheService) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.opts.Outbox == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "outbox not initialized")
	}
	conv, err := jidField(req, "jid")
	if err != nil {
		return nil, err
	}
	body := stringField(req, "body")
	if strings.TrimSpace(body) == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "body is required")
	}
	id, err := s.opts.Outbox.Queue(ctx, conv, body, stringField(req, "client_msg_id"))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "queue outbox: %v", err)
	}
	return newStruct(map[string]any{"accepted": true, "client_msg_id": id, "message": "queued"})
}

// GetSyncStatus reports the daemon state, the syncing flag and cache sizes.
func (s *CacheService) GetSyncStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"session":   s.opts.SessionName,
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
	}
	if s.opts.Machine != nil {
		resp["state"] = string(s.opts.Machine.Current())
	}
	if s.opts.Syncing != nil {
		resp["syncing"] = s.opts.Syncing.IsSyncing()
	}
	if s.opts.DB != nil {
		convs, msgs, err := s.opts.DB.Counts(ctx)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "count cache: %v", err)
		}
		resp["conversation_count"] = convs
		resp["message_count"] = msgs
	}
	if s.opts.Metadata != nil {
		meta, err := s.opts.Metadata.Get(ctx)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "read sync metadata: %v", err)
		}
		if meta != nil {
			resp["last_sync_ms"] = store.ToMillis(meta.LastSync)
			resp["initial_sync_complete"] = meta.InitialSyncComplete
		}
	}
	return newStruct(resp)
}

// StartSync asks the daemon to run a sync pass now.
func (s *CacheService) StartSync(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.opts.Trigger == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "sync not available")
	}
	if !s.opts.Trigger() {
		return newStruct(map[string]any{"started": false, "message": "already syncing"})
	}
	return newStruct(map[string]any{"started": true, "message": "sync started"})
}

// ClearCache deletes every cached record. It is refused while a sync pass is
// running. With "resync" set a fresh full sync is started afterwards.
func (s *CacheService) ClearCache(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.opts.Sync == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "sync not available")
	}
	if err := s.opts.Sync.Reset(ctx); err != nil {
		if errors.Is(err, intsync.ErrSyncInProgress) {
			return nil, grpcstatus.Errorf(codes.FailedPrecondition, "sync in progress")
		}
		return nil, grpcstatus.Errorf(codes.Internal, "clear cache: %v", err)
	}
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(bus.Event{Kind: bus.KindConversationsChanged, Payload: bus.ConversationRef{}})
	}
	resynced := false
	if boolField(req, "resync") && s.opts.Trigger != nil {
		resynced = s.opts.Trigger()
	}
	return newStruct(map[string]any{"cleared": true, "resync_started": resynced})
}

// Reconcile deletes the conversations the remote no longer lists and
// returns {removed: [...]}. It is refused while a sync pass is running.
func (s *CacheService) Reconcile(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.opts.Sync == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "sync not available")
	}
	removed, err := s.opts.Sync.Reconcile(ctx)
	if err != nil {
		if errors.Is(err, intsync.ErrSyncInProgress) {
			return nil, grpcstatus.Errorf(codes.FailedPrecondition, "sync in progress")
		}
		return nil, grpcstatus.Errorf(codes.Unavailable, "reconcile: %v", err)
	}
	items := make([]any, len(removed))
	for i, j := range removed {
		items[i] = j
	}
	return newStruct(map[string]any{"removed": items})
}

// Watch streams daemon events. An optional "jid" restricts the stream to
// changes of that conversation; an optional "namespace" (for example
// "message.") restricts it by kind prefix.
func (s *CacheService) Watch(req *structpb.Struct, stream WatchServer) error {
	if s.opts.Bus == nil {
		return grpcstatus.Errorf(codes.Unavailable, "event bus not initialized")
	}
	var filter string
	if stringField(req, "jid") != "" {
		conv, err := jidField(req, "jid")
		if err != nil {
			return err
		}
		filter = conv
	}
	ch, unsub := s.opts.Bus.Subscribe(stringField(req, "namespace"), watchBuffer)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if filter != "" && !concerns(evt, filter) {
				continue
			}
			env, err := newStruct(s.envelope(evt))
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *CacheService) envelope(evt bus.Event) map[string]any {
	return map[string]any{
		"event_id":       evt.ID,
		"session":        s.opts.SessionName,
		"kind":           evt.Kind,
		"occurred_at_ms": evt.Timestamp.UnixMilli(),
		"payload":        payloadToMap(evt.Payload),
	}
}

// concerns reports whether evt is about conversation conv. A change with no
// conversation attached affects every conversation.
func concerns(evt bus.Event, conv string) bool {
	switch p := evt.Payload.(type) {
	case bus.ConversationRef:
		return p.JID == "" || p.JID == conv
	case bus.SendResult:
		return p.JID == conv
	default:
		return false
	}
}
