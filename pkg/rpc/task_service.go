package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/lfedgeai/spear/pkg/eventbus"
	"github.com/lfedgeai/spear/pkg/tasks"
)

// Message types for TaskService, field names matching spec.md §6.

type RegisterTaskRequest struct {
	Name          string              `json:"name"`
	Description   string              `json:"description,omitempty"`
	Priority      tasks.Priority      `json:"priority,omitempty"`
	NodeUUID      string              `json:"node_uuid,omitempty"`
	Endpoint      string              `json:"endpoint,omitempty"`
	Version       string              `json:"version,omitempty"`
	Capabilities  []string            `json:"capabilities,omitempty"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
	Config        map[string]string   `json:"config,omitempty"`
	Executable    tasks.Executable    `json:"executable"`
	ExecutionKind tasks.ExecutionKind `json:"execution_kind,omitempty"`
}

type RegisterTaskResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	TaskID  string      `json:"task_id"`
	Task    *tasks.Task `json:"task,omitempty"`
}

type GetTaskRequest struct {
	TaskID string `json:"task_id"`
}

type GetTaskResponse struct {
	Task *tasks.Task `json:"task"`
}

type ListTasksRequest struct {
	NodeUUID      string        `json:"node_uuid,omitempty"`
	StatusFilter  tasks.Status  `json:"status_filter,omitempty"`
	PriorityFilter tasks.Priority `json:"priority_filter,omitempty"`
	Limit         int           `json:"limit,omitempty"`
	Offset        int           `json:"offset,omitempty"`
}

type ListTasksResponse struct {
	Tasks []*tasks.Task `json:"tasks"`
}

type UnregisterTaskRequest struct {
	TaskID string `json:"task_id"`
}

type UnregisterTaskResponse struct {
	Success bool `json:"success"`
}

type UpdateTaskStatusRequest struct {
	TaskID        string       `json:"task_id"`
	Status        tasks.Status `json:"status"`
	NodeUUID      string       `json:"node_uuid,omitempty"`
	StatusVersion uint64       `json:"status_version,omitempty"`
	UpdatedAt     int64        `json:"updated_at,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

type UpdateTaskStatusResponse struct {
	Task *tasks.Task `json:"task"`
}

type UpdateTaskResultRequest struct {
	TaskID         string            `json:"task_id"`
	ResultURI      string            `json:"result_uri"`
	ResultStatus   string            `json:"result_status"`
	CompletedAt    int64             `json:"completed_at"`
	ResultMetadata map[string]string `json:"result_metadata,omitempty"`
}

type UpdateTaskResultResponse struct {
	Task *tasks.Task `json:"task"`
}

type SubscribeTaskEventsRequest struct {
	NodeUUID    string `json:"node_uuid"`
	LastEventID uint64 `json:"last_event_id,omitempty"`
}

// TaskEvent is the streamed message, reusing the durable event log's wire
// shape.
type TaskEvent = eventbus.TaskEvent

// TaskServiceServer is implemented by the SMS-side task service
// composition. SubscribeTaskEvents owns the stream: it must replay from
// LastEventID then block forwarding live events until ctx is canceled,
// per spec.md §6/§7's resync-on-lag contract.
type TaskServiceServer interface {
	RegisterTask(context.Context, *RegisterTaskRequest) (*RegisterTaskResponse, error)
	GetTask(context.Context, *GetTaskRequest) (*GetTaskResponse, error)
	ListTasks(context.Context, *ListTasksRequest) (*ListTasksResponse, error)
	UnregisterTask(context.Context, *UnregisterTaskRequest) (*UnregisterTaskResponse, error)
	UpdateTaskStatus(context.Context, *UpdateTaskStatusRequest) (*UpdateTaskStatusResponse, error)
	UpdateTaskResult(context.Context, *UpdateTaskResultRequest) (*UpdateTaskResultResponse, error)
	SubscribeTaskEvents(req *SubscribeTaskEventsRequest, stream ServerStream[TaskEvent]) error
}

const taskServiceName = "spear.TaskService"

var TaskServiceDesc = grpc.ServiceDesc{
	ServiceName: taskServiceName,
	HandlerType: (*TaskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterTask", Handler: unaryHandler[TaskServiceServer, RegisterTaskRequest, RegisterTaskResponse](taskServiceName+"/RegisterTask", TaskServiceServer.RegisterTask)},
		{MethodName: "GetTask", Handler: unaryHandler[TaskServiceServer, GetTaskRequest, GetTaskResponse](taskServiceName+"/GetTask", TaskServiceServer.GetTask)},
		{MethodName: "ListTasks", Handler: unaryHandler[TaskServiceServer, ListTasksRequest, ListTasksResponse](taskServiceName+"/ListTasks", TaskServiceServer.ListTasks)},
		{MethodName: "UnregisterTask", Handler: unaryHandler[TaskServiceServer, UnregisterTaskRequest, UnregisterTaskResponse](taskServiceName+"/UnregisterTask", TaskServiceServer.UnregisterTask)},
		{MethodName: "UpdateTaskStatus", Handler: unaryHandler[TaskServiceServer, UpdateTaskStatusRequest, UpdateTaskStatusResponse](taskServiceName+"/UpdateTaskStatus", TaskServiceServer.UpdateTaskStatus)},
		{MethodName: "UpdateTaskResult", Handler: unaryHandler[TaskServiceServer, UpdateTaskResultRequest, UpdateTaskResultResponse](taskServiceName+"/UpdateTaskResult", TaskServiceServer.UpdateTaskResult)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeTaskEvents",
			Handler:       streamHandler[TaskServiceServer, SubscribeTaskEventsRequest, TaskEvent](TaskServiceServer.SubscribeTaskEvents),
			ServerStreams: true,
		},
	},
	Metadata: "task_service.rpc",
}

func RegisterTaskServiceServer(s *grpc.Server, srv TaskServiceServer) {
	s.RegisterService(&TaskServiceDesc, srv)
}

type TaskServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewTaskServiceClient(cc grpc.ClientConnInterface) *TaskServiceClient {
	return &TaskServiceClient{cc: cc}
}

func (c *TaskServiceClient) RegisterTask(ctx context.Context, req *RegisterTaskRequest) (*RegisterTaskResponse, error) {
	return invokeUnary[RegisterTaskRequest, RegisterTaskResponse](ctx, c.cc, "/"+taskServiceName+"/RegisterTask", req)
}

func (c *TaskServiceClient) GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error) {
	return invokeUnary[GetTaskRequest, GetTaskResponse](ctx, c.cc, "/"+taskServiceName+"/GetTask", req)
}

func (c *TaskServiceClient) ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error) {
	return invokeUnary[ListTasksRequest, ListTasksResponse](ctx, c.cc, "/"+taskServiceName+"/ListTasks", req)
}

func (c *TaskServiceClient) UnregisterTask(ctx context.Context, req *UnregisterTaskRequest) (*UnregisterTaskResponse, error) {
	return invokeUnary[UnregisterTaskRequest, UnregisterTaskResponse](ctx, c.cc, "/"+taskServiceName+"/UnregisterTask", req)
}

func (c *TaskServiceClient) UpdateTaskStatus(ctx context.Context, req *UpdateTaskStatusRequest) (*UpdateTaskStatusResponse, error) {
	return invokeUnary[UpdateTaskStatusRequest, UpdateTaskStatusResponse](ctx, c.cc, "/"+taskServiceName+"/UpdateTaskStatus", req)
}

func (c *TaskServiceClient) UpdateTaskResult(ctx context.Context, req *UpdateTaskResultRequest) (*UpdateTaskResultResponse, error) {
	return invokeUnary[UpdateTaskResultRequest, UpdateTaskResultResponse](ctx, c.cc, "/"+taskServiceName+"/UpdateTaskResult", req)
}

var taskEventsStreamDesc = &grpc.StreamDesc{
	StreamName:    "SubscribeTaskEvents",
	ServerStreams: true,
}

// SubscribeTaskEvents opens the server-streaming RPC; callers Recv() in a
// loop until it returns an error (io.EOF on a clean server-side close,
// or the aborted/failed_precondition resync errors spec.md §7 describes).
func (c *TaskServiceClient) SubscribeTaskEvents(ctx context.Context, req *SubscribeTaskEventsRequest) (*clientStream[TaskEvent], error) {
	return invokeServerStream[SubscribeTaskEventsRequest, TaskEvent](ctx, c.cc, taskEventsStreamDesc, "/"+taskServiceName+"/SubscribeTaskEvents", req)
}
