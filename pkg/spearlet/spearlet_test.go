package spearlet

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lfedgeai/spear/pkg/rpc"
	"github.com/lfedgeai/spear/pkg/runtime"
	"github.com/lfedgeai/spear/pkg/tasks"
)

// fakeSMS is a minimal stand-in for an SMS process, just enough of
// NodeService/TaskService/ObjectService for New and the invocation/
// execution handlers to exercise a full round trip without a real SMS.
type fakeSMS struct {
	tasks map[string]*tasks.Task
}

func (f *fakeSMS) RegisterNode(ctx context.Context, req *rpc.RegisterNodeRequest) (*rpc.RegisterNodeResponse, error) {
	return &rpc.RegisterNodeResponse{Success: true, NodeUUID: req.UUID}, nil
}
func (f *fakeSMS) UpdateNode(ctx context.Context, req *rpc.UpdateNodeRequest) (*rpc.UpdateNodeResponse, error) {
	return &rpc.UpdateNodeResponse{Node: &req.Node}, nil
}
func (f *fakeSMS) DeleteNode(ctx context.Context, req *rpc.DeleteNodeRequest) (*rpc.DeleteNodeResponse, error) {
	return &rpc.DeleteNodeResponse{Success: true}, nil
}
func (f *fakeSMS) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	return &rpc.HeartbeatResponse{Success: true, ServerTimestamp: req.Timestamp}, nil
}
func (f *fakeSMS) ListNodes(ctx context.Context, req *rpc.ListNodesRequest) (*rpc.ListNodesResponse, error) {
	return &rpc.ListNodesResponse{}, nil
}
func (f *fakeSMS) GetNode(ctx context.Context, req *rpc.GetNodeRequest) (*rpc.GetNodeResponse, error) {
	return &rpc.GetNodeResponse{}, nil
}
func (f *fakeSMS) UpdateNodeResource(ctx context.Context, req *rpc.UpdateNodeResourceRequest) (*rpc.UpdateNodeResourceResponse, error) {
	return &rpc.UpdateNodeResourceResponse{Resource: &req.Resource}, nil
}
func (f *fakeSMS) GetNodeResource(ctx context.Context, req *rpc.GetNodeResourceRequest) (*rpc.GetNodeResourceResponse, error) {
	return &rpc.GetNodeResourceResponse{}, nil
}
func (f *fakeSMS) ListNodeResources(ctx context.Context, req *rpc.ListNodeResourcesRequest) (*rpc.ListNodeResourcesResponse, error) {
	return &rpc.ListNodeResourcesResponse{}, nil
}
func (f *fakeSMS) GetNodeWithResource(ctx context.Context, req *rpc.GetNodeWithResourceRequest) (*rpc.GetNodeWithResourceResponse, error) {
	return &rpc.GetNodeWithResourceResponse{}, nil
}

func (f *fakeSMS) RegisterTask(ctx context.Context, req *rpc.RegisterTaskRequest) (*rpc.RegisterTaskResponse, error) {
	return &rpc.RegisterTaskResponse{Success: true}, nil
}
func (f *fakeSMS) GetTask(ctx context.Context, req *rpc.GetTaskRequest) (*rpc.GetTaskResponse, error) {
	t, ok := f.tasks[req.TaskID]
	if !ok {
		return nil, status.Error(codes.NotFound, "task not found")
	}
	return &rpc.GetTaskResponse{Task: t}, nil
}
func (f *fakeSMS) ListTasks(ctx context.Context, req *rpc.ListTasksRequest) (*rpc.ListTasksResponse, error) {
	return &rpc.ListTasksResponse{}, nil
}
func (f *fakeSMS) UnregisterTask(ctx context.Context, req *rpc.UnregisterTaskRequest) (*rpc.UnregisterTaskResponse, error) {
	return &rpc.UnregisterTaskResponse{Success: true}, nil
}
func (f *fakeSMS) UpdateTaskStatus(ctx context.Context, req *rpc.UpdateTaskStatusRequest) (*rpc.UpdateTaskStatusResponse, error) {
	return &rpc.UpdateTaskStatusResponse{Task: f.tasks[req.TaskID]}, nil
}
func (f *fakeSMS) UpdateTaskResult(ctx context.Context, req *rpc.UpdateTaskResultRequest) (*rpc.UpdateTaskResultResponse, error) {
	return &rpc.UpdateTaskResultResponse{Task: f.tasks[req.TaskID]}, nil
}
func (f *fakeSMS) SubscribeTaskEvents(req *rpc.SubscribeTaskEventsRequest, stream rpc.ServerStream[rpc.TaskEvent]) error {
	return nil
}

func (f *fakeSMS) PutObject(ctx context.Context, req *rpc.PutObjectRequest) (*rpc.PutObjectResponse, error) {
	return &rpc.PutObjectResponse{Key: req.Key}, nil
}
func (f *fakeSMS) GetObject(ctx context.Context, req *rpc.GetObjectRequest) (*rpc.GetObjectResponse, error) {
	return nil, status.Error(codes.NotFound, "object not found")
}
func (f *fakeSMS) DeleteObject(ctx context.Context, req *rpc.DeleteObjectRequest) (*rpc.DeleteObjectResponse, error) {
	return &rpc.DeleteObjectResponse{Success: true}, nil
}
func (f *fakeSMS) ListObjects(ctx context.Context, req *rpc.ListObjectsRequest) (*rpc.ListObjectsResponse, error) {
	return &rpc.ListObjectsResponse{}, nil
}

func startFakeSMS(t *testing.T, tasksByID map[string]*tasks.Task) (string, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fake := &fakeSMS{tasks: tasksByID}
	srv := rpc.Serve(nil, "")
	rpc.RegisterNodeServiceServer(srv, fake)
	rpc.RegisterTaskServiceServer(srv, fake)
	rpc.RegisterObjectServiceServer(srv, fake)
	go func() { _ = srv.Serve(lis) }()

	return lis.Addr().String(), func() {
		srv.GracefulStop()
	}
}

func newTestSpearlet(t *testing.T, tasksByID map[string]*tasks.Task) (*Spearlet, func()) {
	t.Helper()
	addr, cleanup := startFakeSMS(t, tasksByID)
	sl, err := New(context.Background(), Config{NodeUUID: "node-1", SMSAddr: addr})
	require.NoError(t, err)
	return sl, cleanup
}

func TestSpearletInvokeSyncProcessTask(t *testing.T) {
	sl, cleanup := newTestSpearlet(t, map[string]*tasks.Task{
		"task-1": {TaskID: "task-1", Executable: tasks.Executable{Kind: tasks.Process, URI: "/bin/cat"}},
	})
	defer cleanup()

	h := (*invocationHandler)(sl)
	resp, err := h.Invoke(context.Background(), &rpc.InvokeRequest{
		InvocationID: "inv-1",
		TaskID:       "task-1",
		Mode:         runtime.Sync,
		Input:        rpc.Payload{Data: []byte("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, runtime.Completed, resp.Status)
	assert.Equal(t, "hello", string(resp.Output.Data))
	assert.NotEmpty(t, resp.ExecutionID)
}

func TestSpearletInvokeUnknownTaskFails(t *testing.T) {
	sl, cleanup := newTestSpearlet(t, map[string]*tasks.Task{})
	defer cleanup()

	h := (*invocationHandler)(sl)
	_, err := h.Invoke(context.Background(), &rpc.InvokeRequest{
		InvocationID: "inv-1",
		TaskID:       "does-not-exist",
		Mode:         runtime.Sync,
	})
	assert.Error(t, err)
}

func TestExecutionHandlerGetAndCancel(t *testing.T) {
	sl, cleanup := newTestSpearlet(t, map[string]*tasks.Task{
		"task-1": {TaskID: "task-1", Executable: tasks.Executable{Kind: tasks.Process, URI: "/bin/cat"}},
	})
	defer cleanup()

	invH := (*invocationHandler)(sl)
	execH := (*executionHandler)(sl)

	invokeResp, err := invH.Invoke(context.Background(), &rpc.InvokeRequest{
		InvocationID: "inv-1",
		TaskID:       "task-1",
		Mode:         runtime.Sync,
		Input:        rpc.Payload{Data: []byte("hi")},
	})
	require.NoError(t, err)

	got, err := execH.GetExecution(context.Background(), &rpc.GetExecutionRequest{ExecutionID: invokeResp.ExecutionID, IncludeOutput: true})
	require.NoError(t, err)
	assert.Equal(t, runtime.Completed, got.Status)
	assert.Equal(t, "hi", string(got.Output.Data))

	_, err = execH.GetExecution(context.Background(), &rpc.GetExecutionRequest{ExecutionID: "nope"})
	assert.Error(t, err)

	cancelResp, err := execH.CancelExecution(context.Background(), &rpc.CancelExecutionRequest{ExecutionID: invokeResp.ExecutionID, Reason: "test"})
	require.NoError(t, err)
	assert.True(t, cancelResp.Success)
}

func TestSamplerProducesPlausibleReading(t *testing.T) {
	s, err := newSampler("/")
	require.NoError(t, err)

	first := s.Sample(context.Background(), "node-1")
	assert.Equal(t, "node-1", first.NodeUUID)
	assert.GreaterOrEqual(t, first.DiskTotal, uint64(0))

	second := s.Sample(context.Background(), "node-1")
	assert.GreaterOrEqual(t, second.CPUPct, float64(0))
	assert.LessOrEqual(t, second.CPUPct, float64(100))
}
