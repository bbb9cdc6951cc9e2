package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Messages are
// google.protobuf.Struct on both sides, so clients need no generated code.
const ServiceName = "limitbook.v1.LevelService"

// LevelServiceServer is implemented by Server.
type LevelServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Fill(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConsumeHead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Depth(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type method func(LevelServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LevelServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LevelServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LevelServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", LevelServiceServer.Submit),
		unary("Fill", LevelServiceServer.Fill),
		unary("Cancel", LevelServiceServer.Cancel),
		unary("ConsumeHead", LevelServiceServer.ConsumeHead),
		unary("Depth", LevelServiceServer.Depth),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "limitbook/v1/level_service",
}

func Register(s grpc.ServiceRegistrar, srv LevelServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls LevelService over conn.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
