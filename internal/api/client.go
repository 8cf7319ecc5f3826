package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon's cache service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with req as the request fields and returns the
// response fields.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func (c *Client) ListConversations(ctx context.Context, limit int) (map[string]any, error) {
	return c.Call(ctx, MethodListConversations, map[string]any{"limit": limit})
}

func (c *Client) ListMessages(ctx context.Context, conv string, limit int, beforeMs int64) (map[string]any, error) {
	return c.Call(ctx, MethodListMessages, map[string]any{"jid": conv, "limit": limit, "before_ms": beforeMs})
}

func (c *Client) MarkAsRead(ctx context.Context, conv string) error {
	_, err := c.Call(ctx, MethodMarkAsRead, map[string]any{"jid": conv})
	return err
}

func (c *Client) SendText(ctx context.Context, conv, body, clientMsgID string) (map[string]any, error) {
	return c.Call(ctx, MethodSendText, map[string]any{"jid": conv, "body": body, "client_msg_id": clientMsgID})
}

func (c *Client) GetSyncStatus(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodGetSyncStatus, nil)
}

func (c *Client) StartSync(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodStartSync, nil)
}

func (c *Client) ClearCache(ctx context.Context, resync bool) (map[string]any, error) {
	return c.Call(ctx, MethodClearCache, map[string]any{"resync": resync})
}

func (c *Client) Reconcile(ctx context.Context) (map[string]any, error) {
	return c.Call(ctx, MethodReconcile, nil)
}

// Watch streams events to fn until ctx is done, the server ends the stream,
// or fn returns an error. An empty conv watches every conversation.
func (c *Client) Watch(ctx context.Context, conv, namespace string, fn func(map[string]any) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], MethodWatch)
	if err != nil {
		return err
	}
	req, err := structpb.NewStruct(map[string]any{"jid": conv, "namespace": namespace})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(evt.AsMap()); err != nil {
			return err
		}
	}
}
