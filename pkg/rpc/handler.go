package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// unaryHandler builds the grpc.methodHandler a generated _Xxx_Method_Handler
// function would contain, parameterized over the server interface type S and
// the request/response message types. It exists so each service file only
// has to name its methods once instead of hand-rolling the decode/intercept/
// dispatch boilerplate protoc-gen-go-grpc emits per RPC.
func unaryHandler[S any, Req any, Resp any](fullMethod string, call func(s S, ctx context.Context, req *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(S)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(s, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServerStream is the typed send side of a server-streaming RPC, exported
// so implementations of a streaming service interface (declared in another
// package) can name the parameter type. serverStream is its only
// implementation.
type ServerStream[Resp any] interface {
	Send(*Resp) error
	grpc.ServerStream
}

// serverStream is the narrow grpc.ServerStream surface a typed stream
// wrapper needs.
type serverStream[Resp any] struct {
	grpc.ServerStream
}

func (s *serverStream[Resp]) Send(m *Resp) error {
	return s.ServerStream.SendMsg(m)
}

// streamHandler builds a grpc.StreamDesc.Handler for a server-streaming RPC
// (one request message, many response messages), used by
// TaskService.SubscribeTaskEvents.
func streamHandler[S any, Req any, Resp any](call func(s S, req *Req, stream ServerStream[Resp]) error) func(srv interface{}, stream grpc.ServerStream) error {
	return func(srv interface{}, stream grpc.ServerStream) error {
		in := new(Req)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return call(srv.(S), in, &serverStream[Resp]{ServerStream: stream})
	}
}

// clientStream is the typed wrapper a hand-written client stub hands back
// from a server-streaming call, mirroring the Recv method generated code
// exposes on a Xxx_YyyClient.
type clientStream[Resp any] struct {
	grpc.ClientStream
}

func (c *clientStream[Resp]) Recv() (*Resp, error) {
	m := new(Resp)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// invokeUnary is the client-side counterpart to unaryHandler: it calls
// fullMethod over cc with the json codec and decodes the typed response.
func invokeUnary[Req any, Resp any](ctx context.Context, cc grpc.ClientConnInterface, fullMethod string, req *Req, opts ...grpc.CallOption) (*Resp, error) {
	resp := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod, req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

// invokeServerStream is the client-side counterpart to streamHandler.
func invokeServerStream[Req any, Resp any](ctx context.Context, cc grpc.ClientConnInterface, desc *grpc.StreamDesc, fullMethod string, req *Req, opts ...grpc.CallOption) (*clientStream[Resp], error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := cc.NewStream(ctx, desc, fullMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &clientStream[Resp]{ClientStream: stream}, nil
}
