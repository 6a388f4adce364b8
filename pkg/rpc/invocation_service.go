package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/lfedgeai/spear/pkg/runtime"
)

// Payload carries an invocation's request/response body, field names
// matching spec.md §6's input{content_type, data}.
type Payload struct {
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data,omitempty"`
}

type InvokeRequest struct {
	InvocationID    string                `json:"invocation_id"`
	ExecutionID     string                `json:"execution_id,omitempty"`
	TaskID          string                `json:"task_id"`
	FunctionName    string                `json:"function_name,omitempty"`
	Input           Payload               `json:"input"`
	Headers         map[string]string     `json:"headers,omitempty"`
	Environment     map[string]string     `json:"environment,omitempty"`
	TimeoutMS       int64                 `json:"timeout_ms,omitempty"`
	SessionID       string                `json:"session_id,omitempty"`
	Mode            runtime.ExecutionMode `json:"mode,omitempty"`
	ForceNewInstance bool                 `json:"force_new_instance,omitempty"`
	Metadata        map[string]string     `json:"metadata,omitempty"`
}

type InvokeResponse struct {
	InvocationID string                  `json:"invocation_id"`
	ExecutionID  string                  `json:"execution_id,omitempty"`
	InstanceID   string                  `json:"instance_id,omitempty"`
	Status       runtime.ExecutionStatus `json:"status"`
	Output       Payload                 `json:"output,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

// InvocationServiceServer is implemented by the Spearlet-side invocation
// endpoint that fronts pkg/tem.Manager.SubmitExecution.
type InvocationServiceServer interface {
	Invoke(context.Context, *InvokeRequest) (*InvokeResponse, error)
}

const invocationServiceName = "spear.InvocationService"

var InvocationServiceDesc = grpc.ServiceDesc{
	ServiceName: invocationServiceName,
	HandlerType: (*InvocationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: unaryHandler[InvocationServiceServer, InvokeRequest, InvokeResponse](invocationServiceName+"/Invoke", InvocationServiceServer.Invoke)},
	},
	Metadata: "invocation_service.rpc",
}

func RegisterInvocationServiceServer(s *grpc.Server, srv InvocationServiceServer) {
	s.RegisterService(&InvocationServiceDesc, srv)
}

type InvocationServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewInvocationServiceClient(cc grpc.ClientConnInterface) *InvocationServiceClient {
	return &InvocationServiceClient{cc: cc}
}

func (c *InvocationServiceClient) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	return invokeUnary[InvokeRequest, InvokeResponse](ctx, c.cc, "/"+invocationServiceName+"/Invoke", req)
}
