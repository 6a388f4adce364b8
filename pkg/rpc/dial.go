package rpc

import (
	"crypto/tls"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial opens a connection to addr for use with this package's client stubs.
// A nil tlsConfig dials with insecure transport credentials (development,
// or a trusted localhost link between SMS and a co-located Spearlet); a
// non-nil one enables mTLS the same way pkg/client's connectWithMTLS does.
func Dial(addr string, tlsConfig *tls.Config) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}
	return grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
}

// Serve builds a *grpc.Server with the given TLS config (nil for
// insecure) and the admin bearer-token interceptor when token is
// non-empty, mirroring pkg/api's NewServer/Start split between
// construction and listening.
func Serve(tlsConfig *tls.Config, token string) *grpc.Server {
	var opts []grpc.ServerOption
	if tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	if token != "" {
		opts = append(opts, grpc.UnaryInterceptor(BearerTokenInterceptor(token)))
	}
	return grpc.NewServer(opts...)
}
