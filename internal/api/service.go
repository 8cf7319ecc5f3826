package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.CacheService"

// Full method names, as used by clients.
const (
	MethodListConversations = "/" + ServiceName + "/ListConversations"
	MethodListMessages      = "/" + ServiceName + "/ListMessages"
	MethodMarkAsRead        = "/" + ServiceName + "/MarkAsRead"
	MethodSendText          = "/" + ServiceName + "/SendText"
	MethodGetSyncStatus     = "/" + ServiceName + "/GetSyncStatus"
	MethodStartSync         = "/" + ServiceName + "/StartSync"
	MethodClearCache        = "/" + ServiceName + "/ClearCache"
	MethodReconcile         = "/" + ServiceName + "/Reconcile"
	MethodWatch             = "/" + ServiceName + "/Watch"
)

// CacheServer is the server API of the cache service. Requests and
// responses are free-form structs; field names are documented on each
// CacheService method.
type CacheServer interface {
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkAsRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSyncStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearCache(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reconcile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, WatchServer) error
}

// WatchServer is the server side of a Watch stream.
type WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchServer struct {
	grpc.ServerStream
}

func (x *watchServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterCacheServer registers srv on s.
func RegisterCacheServer(s grpc.ServiceRegistrar, srv CacheServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the cache service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CacheServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListConversations", Handler: unary(MethodListConversations, CacheServer.ListConversations)},
		{MethodName: "ListMessages", Handler: unary(MethodListMessages, CacheServer.ListMessages)},
		{MethodName: "MarkAsRead", Handler: unary(MethodMarkAsRead, CacheServer.MarkAsRead)},
		{MethodName: "SendText", Handler: unary(MethodSendText, CacheServer.SendText)},
		{MethodName: "GetSyncStatus", Handler: unary(MethodGetSyncStatus, CacheServer.GetSyncStatus)},
		{MethodName: "StartSync", Handler: unary(MethodStartSync, CacheServer.StartSync)},
		{MethodName: "ClearCache", Handler: unary(MethodClearCache, CacheServer.ClearCache)},
		{MethodName: "Reconcile", Handler: unary(MethodReconcile, CacheServer.Reconcile)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/cache.proto",
}

type unaryMethod func(CacheServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CacheServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CacheServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CacheServer).Watch(in, &watchServer{stream})
}
