package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/lfedgeai/spear/pkg/runtime"
)

type GetExecutionRequest struct {
	ExecutionID   string `json:"execution_id"`
	IncludeOutput bool   `json:"include_output,omitempty"`
}

type GetExecutionResponse struct {
	ExecutionID  string                  `json:"execution_id"`
	TaskID       string                  `json:"task_id"`
	Status       runtime.ExecutionStatus `json:"status"`
	Output       Payload                 `json:"output,omitempty"`
	Error        string                  `json:"error,omitempty"`
	StartedAt    int64                   `json:"started_at"`
	CompletedAt  int64                   `json:"completed_at,omitempty"`
	DurationMS   int64                   `json:"duration_ms,omitempty"`
}

type CancelExecutionRequest struct {
	ExecutionID string `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

type CancelExecutionResponse struct {
	Success bool `json:"success"`
}

// ExecutionServiceServer is implemented by the Spearlet-side execution
// lookup/cancel endpoint, backed by pkg/tem.Manager's execution table.
type ExecutionServiceServer interface {
	GetExecution(context.Context, *GetExecutionRequest) (*GetExecutionResponse, error)
	CancelExecution(context.Context, *CancelExecutionRequest) (*CancelExecutionResponse, error)
}

const executionServiceName = "spear.ExecutionService"

var ExecutionServiceDesc = grpc.ServiceDesc{
	ServiceName: executionServiceName,
	HandlerType: (*ExecutionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetExecution", Handler: unaryHandler[ExecutionServiceServer, GetExecutionRequest, GetExecutionResponse](executionServiceName+"/GetExecution", ExecutionServiceServer.GetExecution)},
		{MethodName: "CancelExecution", Handler: unaryHandler[ExecutionServiceServer, CancelExecutionRequest, CancelExecutionResponse](executionServiceName+"/CancelExecution", ExecutionServiceServer.CancelExecution)},
	},
	Metadata: "execution_service.rpc",
}

func RegisterExecutionServiceServer(s *grpc.Server, srv ExecutionServiceServer) {
	s.RegisterService(&ExecutionServiceDesc, srv)
}

type ExecutionServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewExecutionServiceClient(cc grpc.ClientConnInterface) *ExecutionServiceClient {
	return &ExecutionServiceClient{cc: cc}
}

func (c *ExecutionServiceClient) GetExecution(ctx context.Context, req *GetExecutionRequest) (*GetExecutionResponse, error) {
	return invokeUnary[GetExecutionRequest, GetExecutionResponse](ctx, c.cc, "/"+executionServiceName+"/GetExecution", req)
}

func (c *ExecutionServiceClient) CancelExecution(ctx context.Context, req *CancelExecutionRequest) (*CancelExecutionResponse, error) {
	return invokeUnary[CancelExecutionRequest, CancelExecutionResponse](ctx, c.cc, "/"+executionServiceName+"/CancelExecution", req)
}
