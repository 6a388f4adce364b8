package rpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// BearerTokenInterceptor creates a gRPC unary interceptor that requires an
// "authorization: Bearer <token>" metadata entry matching token. It backs
// SMS_WEB_ADMIN_TOKEN gating on the PlacementService/InvocationService
// endpoints the Admin BFF calls.
func BearerTokenInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing authorization metadata")
		}
		values := md.Get("authorization")
		if len(values) == 0 || !strings.HasPrefix(values[0], "Bearer ") {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		if strings.TrimPrefix(values[0], "Bearer ") != token {
			return nil, status.Error(codes.PermissionDenied, "invalid bearer token")
		}
		return handler(ctx, req)
	}
}

// WithBearerToken attaches an authorization header to an outgoing client
// context for calls against a BearerTokenInterceptor-protected server.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}
