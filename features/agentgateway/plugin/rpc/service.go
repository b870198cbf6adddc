// Package rpc defines the gRPC service the agent subprocess plugin speaks.
// Messages are google.golang.org/protobuf's structpb.Struct rather than a
// protoc-generated message set: the wire contract here is small and
// changes with the agent protocol, and structpb gives genuine protobuf
// encoding without a codegen step. The service is registered by hand
// through grpc.ServiceDesc, the same lower-level API protoc-gen-go-grpc
// itself emits into.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server is implemented by the subprocess side (the agent binary).
type Server interface {
	Launch(req *structpb.Struct, stream grpc.ServerStream) error
	Continue(req *structpb.Struct, stream grpc.ServerStream) error
	Kill(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListKnownAgents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func launchHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(Server).Launch(req, stream)
}

func continueHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(Server).Continue(req, stream)
}

func killHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(structpb.Struct)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(Server).Kill(ctx, req)
}

func listKnownAgentsHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	req := new(structpb.Struct)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(Server).ListKnownAgents(ctx, req)
}

// ServiceDesc is registered against the go-plugin gRPC broker's *grpc.Server
// on the subprocess side.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "ashep.AgentGateway",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Kill", Handler: killHandler},
		{MethodName: "ListKnownAgents", Handler: listKnownAgentsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Launch", Handler: launchHandler, ServerStreams: true},
		{StreamName: "Continue", Handler: continueHandler, ServerStreams: true},
	},
}

// Client wraps a *grpc.ClientConn with the ServiceDesc's methods, used by
// the host process.
type Client struct{ cc *grpc.ClientConn }

// NewClient wraps an established connection to a plugin subprocess.
func NewClient(cc *grpc.ClientConn) *Client { return &Client{cc: cc} }

// Launch opens a server-streaming call and returns the raw stream; callers
// decode Events from it with stream.RecvMsg.
func (c *Client) Launch(ctx context.Context, req *structpb.Struct) (grpc.ClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/ashep.AgentGateway/Launch")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

// Continue opens a server-streaming call resuming an existing session.
func (c *Client) Continue(ctx context.Context, req *structpb.Struct) (grpc.ClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], "/ashep.AgentGateway/Continue")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *Client) Kill(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/ashep.AgentGateway/Kill", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListKnownAgents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/ashep.AgentGateway/ListKnownAgents", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
