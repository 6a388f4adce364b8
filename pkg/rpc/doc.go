// Package rpc implements the SMS/Spearlet wire layer described in spec.md
// §6 without a protoc code-generation step. It registers a JSON
// encoding.Codec with google.golang.org/grpc and hand-writes the
// grpc.ServiceDesc/client-stub pairs that protoc-gen-go-grpc would
// otherwise emit for NodeService, TaskService, PlacementService,
// InvocationService and ExecutionService.
//
// Callers dial with Dial, which only sets transport credentials; the
// client stubs add grpc.CallContentSubtype("json") to every call they
// make, so their calls use this codec. Servers register with
// the per-service RegisterXxxServer functions against a *grpc.Server built
// the same way pkg/api builds one (TLS credentials, then Serve on a
// net.Listener).
package rpc
