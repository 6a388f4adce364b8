package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/lfedgeai/spear/pkg/noderegistry"
	"github.com/lfedgeai/spear/pkg/resources"
)

type fakeNodeServer struct {
	nodes map[string]*noderegistry.Node
}

func (f *fakeNodeServer) RegisterNode(ctx context.Context, req *RegisterNodeRequest) (*RegisterNodeResponse, error) {
	f.nodes[req.UUID] = &noderegistry.Node{UUID: req.UUID, IP: req.IP, Port: req.Port, Status: noderegistry.Active}
	return &RegisterNodeResponse{Success: true, NodeUUID: req.UUID}, nil
}
func (f *fakeNodeServer) UpdateNode(ctx context.Context, req *UpdateNodeRequest) (*UpdateNodeResponse, error) {
	return &UpdateNodeResponse{Node: &req.Node}, nil
}
func (f *fakeNodeServer) DeleteNode(ctx context.Context, req *DeleteNodeRequest) (*DeleteNodeResponse, error) {
	delete(f.nodes, req.UUID)
	return &DeleteNodeResponse{Success: true}, nil
}
func (f *fakeNodeServer) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	return &HeartbeatResponse{Success: true, ServerTimestamp: req.Timestamp}, nil
}
func (f *fakeNodeServer) ListNodes(ctx context.Context, req *ListNodesRequest) (*ListNodesResponse, error) {
	var out []*noderegistry.Node
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return &ListNodesResponse{Nodes: out}, nil
}
func (f *fakeNodeServer) GetNode(ctx context.Context, req *GetNodeRequest) (*GetNodeResponse, error) {
	return &GetNodeResponse{Node: f.nodes[req.UUID]}, nil
}
func (f *fakeNodeServer) UpdateNodeResource(ctx context.Context, req *UpdateNodeResourceRequest) (*UpdateNodeResourceResponse, error) {
	return &UpdateNodeResourceResponse{Resource: &req.Resource}, nil
}
func (f *fakeNodeServer) GetNodeResource(ctx context.Context, req *GetNodeResourceRequest) (*GetNodeResourceResponse, error) {
	return &GetNodeResourceResponse{Resource: &resources.Info{NodeUUID: req.NodeUUID}}, nil
}
func (f *fakeNodeServer) ListNodeResources(ctx context.Context, req *ListNodeResourcesRequest) (*ListNodeResourcesResponse, error) {
	return &ListNodeResourcesResponse{}, nil
}
func (f *fakeNodeServer) GetNodeWithResource(ctx context.Context, req *GetNodeWithResourceRequest) (*GetNodeWithResourceResponse, error) {
	return &GetNodeWithResourceResponse{Node: f.nodes[req.UUID]}, nil
}

func startServer(t *testing.T, register func(*grpc.Server)) (*grpc.ClientConn, func()) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := Serve(nil, "")
	register(srv)
	go func() { _ = srv.Serve(lis) }()

	conn, err := Dial(lis.Addr().String(), nil)
	require.NoError(t, err)

	return conn, func() {
		conn.Close()
		srv.GracefulStop()
	}
}

func TestNodeServiceRoundTrip(t *testing.T) {
	fake := &fakeNodeServer{nodes: make(map[string]*noderegistry.Node)}
	conn, cleanup := startServer(t, func(s *grpc.Server) { RegisterNodeServiceServer(s, fake) })
	defer cleanup()

	client := NewNodeServiceClient(conn)
	ctx := context.Background()

	reg, err := client.RegisterNode(ctx, &RegisterNodeRequest{UUID: "node-1", IP: "10.0.0.5", Port: 7000})
	require.NoError(t, err)
	assert.True(t, reg.Success)

	got, err := client.GetNode(ctx, &GetNodeRequest{UUID: "node-1"})
	require.NoError(t, err)
	require.NotNil(t, got.Node)
	assert.Equal(t, "10.0.0.5", got.Node.IP)
	assert.Equal(t, 7000, got.Node.Port)

	hb, err := client.Heartbeat(ctx, &HeartbeatRequest{UUID: "node-1", Timestamp: 42})
	require.NoError(t, err)
	assert.EqualValues(t, 42, hb.ServerTimestamp)
}

type fakeTaskServer struct {
	events []TaskEvent
}

func (f *fakeTaskServer) RegisterTask(ctx context.Context, req *RegisterTaskRequest) (*RegisterTaskResponse, error) {
	return &RegisterTaskResponse{Success: true, TaskID: "task-1"}, nil
}
func (f *fakeTaskServer) GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error) {
	return &GetTaskResponse{}, nil
}
func (f *fakeTaskServer) ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error) {
	return &ListTasksResponse{}, nil
}
func (f *fakeTaskServer) UnregisterTask(ctx context.Context, req *UnregisterTaskRequest) (*UnregisterTaskResponse, error) {
	return &UnregisterTaskResponse{Success: true}, nil
}
func (f *fakeTaskServer) UpdateTaskStatus(ctx context.Context, req *UpdateTaskStatusRequest) (*UpdateTaskStatusResponse, error) {
	return &UpdateTaskStatusResponse{}, nil
}
func (f *fakeTaskServer) UpdateTaskResult(ctx context.Context, req *UpdateTaskResultRequest) (*UpdateTaskResultResponse, error) {
	return &UpdateTaskResultResponse{}, nil
}
func (f *fakeTaskServer) SubscribeTaskEvents(req *SubscribeTaskEventsRequest, stream ServerStream[TaskEvent]) error {
	for _, ev := range f.events {
		if ev.EventID <= req.LastEventID {
			continue
		}
		if err := stream.Send(&ev); err != nil {
			return err
		}
	}
	return nil
}

func TestTaskServiceSubscribeStreamsEvents(t *testing.T) {
	fake := &fakeTaskServer{events: []TaskEvent{
		{EventID: 1, NodeUUID: "node-1", Kind: "create", TaskID: "task-1"},
		{EventID: 2, NodeUUID: "node-1", Kind: "update", TaskID: "task-1"},
	}}
	conn, cleanup := startServer(t, func(s *grpc.Server) { RegisterTaskServiceServer(s, fake) })
	defer cleanup()

	client := NewTaskServiceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.SubscribeTaskEvents(ctx, &SubscribeTaskEventsRequest{NodeUUID: "node-1"})
	require.NoError(t, err)

	var got []TaskEvent
	for {
		ev, err := stream.Recv()
		if err != nil {
			break
		}
		got = append(got, *ev)
	}
	require.Len(t, got, 2)
	assert.EqualValues(t, 1, got[0].EventID)
	assert.EqualValues(t, 2, got[1].EventID)
}
