package api

import (
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/jid"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func intField(s *structpb.Struct, name string) int {
	return int(s.GetFields()[name].GetNumberValue())
}

func boolField(s *structpb.Struct, name string) bool {
	return s.GetFields()[name].GetBoolValue()
}

func jidField(s *structpb.Struct, name string) (string, error) {
	raw := stringField(s, name)
	if raw == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	conv, err := jid.Normalize(raw)
	if err != nil {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	return conv, nil
}

func conversationToMap(c store.Conversation) map[string]any {
	return map[string]any{
		"jid":           c.JID,
		"display_name":  c.DisplayName,
		"unread_count":  c.UnreadCount,
		"updated_at_ms": store.ToMillis(c.UpdatedAt),
		"avatar_data":   c.AvatarData,
		"avatar_type":   c.AvatarType,
		"last_message": map[string]any{
			"body":         c.LastMessage.Body,
			"timestamp_ms": store.ToMillis(c.LastMessage.Timestamp),
			"from":         string(c.LastMessage.From),
			"message_id":   c.LastMessage.MessageID,
		},
	}
}

func messageToMap(m store.Message) map[string]any {
	out := map[string]any{
		"message_id":       m.MessageID,
		"conversation_jid": m.ConversationJID,
		"body":             m.Body,
		"timestamp_ms":     store.ToMillis(m.Timestamp),
		"from":             string(m.From),
		"status":           string(m.Status),
		"temp_id":          m.TempID,
		"provisional":      m.Provisional,
	}
	if m.IsMarker() {
		out["marker_type"] = string(m.MarkerType)
		out["marker_for"] = m.MarkerFor
	}
	return out
}

func payloadToMap(p any) map[string]any {
	switch v := p.(type) {
	case bus.ConversationRef:
		return map[string]any{"jid": v.JID}
	case bus.SendResult:
		return map[string]any{
			"client_msg_id": v.ClientMsgID,
			"server_msg_id": v.ServerMsgID,
			"jid":           v.JID,
			"error":         v.Error,
		}
	case bus.SyncProgress:
		return map[string]any{
			"phase":   v.Phase,
			"status":  v.Status,
			"current": v.Current,
			"total":   v.Total,
		}
	case bus.SyncState:
		return map[string]any{"syncing": v.Syncing}
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	default:
		return map[string]any{}
	}
}
