package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "movecore.v1.WorldService"

const (
	getEntityMethod      = "/" + ServiceName + "/GetEntity"
	listEntitiesMethod   = "/" + ServiceName + "/ListEntities"
	streamTimeSyncMethod = "/" + ServiceName + "/StreamTimeSync"
	streamDiffsMethod    = "/" + ServiceName + "/StreamDiffs"
)

// WorldServer is the server API of the world service. Messages are protobuf
// well-known types so no generated code is required.
type WorldServer interface {
	GetEntity(context.Context, *wrapperspb.UInt32Value) (*structpb.Struct, error)
	ListEntities(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	StreamTimeSync(*wrapperspb.UInt32Value, grpc.ServerStreamingServer[structpb.Struct]) error
	StreamDiffs(*emptypb.Empty, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

// WorldServiceDesc describes the service for grpc.Server.RegisterService.
var WorldServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorldServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetEntity", Handler: getEntityHandler},
		{MethodName: "ListEntities", Handler: listEntitiesHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamTimeSync", Handler: streamTimeSyncHandler, ServerStreams: true},
		{StreamName: "StreamDiffs", Handler: streamDiffsHandler, ServerStreams: true},
	},
	Metadata: "movecore/v1/world.proto",
}

// RegisterWorldServer attaches srv to registrar.
func RegisterWorldServer(registrar grpc.ServiceRegistrar, srv WorldServer) {
	registrar.RegisterService(&WorldServiceDesc, srv)
}

func getEntityHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.UInt32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorldServer).GetEntity(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getEntityMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorldServer).GetEntity(ctx, req.(*wrapperspb.UInt32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func listEntitiesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorldServer).ListEntities(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listEntitiesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorldServer).ListEntities(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func streamTimeSyncHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.UInt32Value)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(WorldServer).StreamTimeSync(in, &grpc.GenericServerStream[wrapperspb.UInt32Value, structpb.Struct]{ServerStream: stream})
}

func streamDiffsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(WorldServer).StreamDiffs(in, &grpc.GenericServerStream[emptypb.Empty, wrapperspb.BytesValue]{ServerStream: stream})
}

// WorldClient calls the world service over a client connection.
type WorldClient struct {
	cc grpc.ClientConnInterface
}

// NewWorldClient wraps cc.
func NewWorldClient(cc grpc.ClientConnInterface) *WorldClient {
	return &WorldClient{cc: cc}
}

// GetEntity fetches one entity row.
func (c *WorldClient) GetEntity(ctx context.Context, id uint32, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getEntityMethod, wrapperspb.UInt32(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListEntities fetches every entity row.
func (c *WorldClient) ListEntities(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, listEntitiesMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamTimeSync opens the offset stream for entityID.
func (c *WorldClient) StreamTimeSync(ctx context.Context, entityID uint32, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &WorldServiceDesc.Streams[0], streamTimeSyncMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.UInt32Value, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(wrapperspb.UInt32(entityID)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// StreamDiffs opens the compressed diff stream.
func (c *WorldClient) StreamDiffs(ctx context.Context, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.BytesValue], error) {
	stream, err := c.cc.NewStream(ctx, &WorldServiceDesc.Streams[1], streamDiffsMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, wrapperspb.BytesValue]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
