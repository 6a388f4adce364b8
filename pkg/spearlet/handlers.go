package spearlet

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lfedgeai/spear/pkg/rpc"
	"github.com/lfedgeai/spear/pkg/runtime"
	"github.com/lfedgeai/spear/pkg/tem"
)

// invocationHandler and executionHandler share Spearlet's layout so the
// conversions in RegisterServices are free pointer casts, the same pattern
// pkg/sms's handlers use over *SMS.
type invocationHandler Spearlet
type executionHandler Spearlet

// Invoke submits req to the TEM. Sync and Stream modes block for a result
// (Stream has no separate streaming transport here, spec.md's invocation
// flow only requires request/response semantics at this boundary); Async
// returns as soon as the execution is accepted.
func (h *invocationHandler) Invoke(ctx context.Context, req *rpc.InvokeRequest) (*rpc.InvokeResponse, error) {
	m := (*Spearlet)(h)

	wait := req.Mode != runtime.Async
	reply, err := m.tem.SubmitExecution(ctx, tem.SubmitRequest{
		ExecutionID:   req.ExecutionID,
		TaskID:        req.TaskID,
		ExecutionMode: req.Mode,
		Wait:          wait,
		Payload:       req.Input.Data,
		TimeoutMS:     req.TimeoutMS,
		FunctionName:  req.FunctionName,
	})
	if err != nil {
		return nil, mapTemErr(err)
	}

	if !wait {
		return &rpc.InvokeResponse{
			InvocationID: req.InvocationID,
			Status:       runtime.Pending,
		}, nil
	}

	select {
	case exec, ok := <-reply:
		if !ok || exec == nil {
			return nil, status.Error(codes.Internal, "execution completed without a result")
		}
		resp := &rpc.InvokeResponse{
			InvocationID: req.InvocationID,
			ExecutionID:  exec.ExecutionID,
			Status:       exec.Status,
			Output:       rpc.Payload{Data: exec.Data},
			Error:        exec.ErrorMessage,
		}
		return resp, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// GetExecution reports the TEM's current view of an execution by id.
func (h *executionHandler) GetExecution(ctx context.Context, req *rpc.GetExecutionRequest) (*rpc.GetExecutionResponse, error) {
	m := (*Spearlet)(h)

	exec, ok := m.tem.GetExecution(req.ExecutionID)
	if !ok {
		return nil, status.Error(codes.NotFound, "execution not found")
	}

	resp := &rpc.GetExecutionResponse{
		ExecutionID: exec.ExecutionID,
		TaskID:      exec.TaskID,
		Status:      exec.Status,
		Error:       exec.ErrorMessage,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		DurationMS:  exec.DurationMS,
	}
	if req.IncludeOutput {
		resp.Output = rpc.Payload{Data: exec.Data}
	}
	return resp, nil
}

// CancelExecution marks a non-final execution as cancelled in the TEM's
// bookkeeping.
func (h *executionHandler) CancelExecution(ctx context.Context, req *rpc.CancelExecutionRequest) (*rpc.CancelExecutionResponse, error) {
	m := (*Spearlet)(h)

	if _, err := m.tem.CancelExecution(req.ExecutionID, req.Reason); err != nil {
		return nil, mapTemErr(err)
	}
	return &rpc.CancelExecutionResponse{Success: true}, nil
}

func mapTemErr(err error) error {
	temErr, ok := err.(*tem.Error)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	switch temErr.Kind {
	case tem.TaskNotFound:
		return status.Error(codes.NotFound, temErr.Error())
	case tem.InvalidRequest:
		return status.Error(codes.InvalidArgument, temErr.Error())
	case tem.ResourceExhausted:
		return status.Error(codes.ResourceExhausted, temErr.Error())
	case tem.NotSupported:
		return status.Error(codes.Unimplemented, temErr.Error())
	default:
		return status.Error(codes.Internal, temErr.Error())
	}
}
