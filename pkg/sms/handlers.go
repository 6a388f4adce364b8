package sms

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lfedgeai/spear/pkg/eventbus"
	"github.com/lfedgeai/spear/pkg/noderegistry"
	"github.com/lfedgeai/spear/pkg/placement"
	"github.com/lfedgeai/spear/pkg/resources"
	"github.com/lfedgeai/spear/pkg/rpc"
	"github.com/lfedgeai/spear/pkg/tasks"
)

// generateTaskID mints a task_id. RegisterTaskRequest carries no task_id
// field (spec.md §6): the service always assigns a fresh one.
func generateTaskID() string {
	return uuid.NewString()
}

// nodeServiceHandler fronts the node registry and resource service as a
// rpc.NodeServiceServer. Converting *SMS to *nodeServiceHandler is free:
// both share SMS's underlying memory layout.
type nodeServiceHandler SMS

func (h *nodeServiceHandler) RegisterNode(ctx context.Context, req *rpc.RegisterNodeRequest) (*rpc.RegisterNodeResponse, error) {
	s := (*SMS)(h)
	if _, err := s.nodes.RegisterNode(ctx, req.UUID, req.IP, req.Port, req.Metadata); err != nil {
		if errors.Is(err, noderegistry.ErrAlreadyExists) {
			return &rpc.RegisterNodeResponse{Success: false, Message: err.Error(), NodeUUID: req.UUID}, nil
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.RegisterNodeResponse{Success: true, NodeUUID: req.UUID}, nil
}

func (h *nodeServiceHandler) UpdateNode(ctx context.Context, req *rpc.UpdateNodeRequest) (*rpc.UpdateNodeResponse, error) {
	s := (*SMS)(h)
	updated, err := s.nodes.UpdateNode(ctx, req.UUID, func(n *noderegistry.Node) {
		n.IP = req.Node.IP
		n.Port = req.Node.Port
		n.Status = req.Node.Status
		n.Metadata = req.Node.Metadata
	})
	if err != nil {
		if errors.Is(err, noderegistry.ErrNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.UpdateNodeResponse{Node: updated}, nil
}

func (h *nodeServiceHandler) DeleteNode(ctx context.Context, req *rpc.DeleteNodeRequest) (*rpc.DeleteNodeResponse, error) {
	s := (*SMS)(h)
	if err := s.nodes.RemoveNode(ctx, req.UUID); err != nil {
		if errors.Is(err, noderegistry.ErrNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.DeleteNodeResponse{Success: true}, nil
}

func (h *nodeServiceHandler) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	s := (*SMS)(h)
	ts := req.Timestamp
	when := time.Now()
	if ts != 0 {
		when = time.Unix(ts, 0)
	} else {
		ts = when.Unix()
	}
	if err := s.nodes.UpdateHeartbeat(ctx, req.UUID, when); err != nil {
		if errors.Is(err, noderegistry.ErrNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.HeartbeatResponse{Success: true, ServerTimestamp: ts}, nil
}

func (h *nodeServiceHandler) ListNodes(ctx context.Context, req *rpc.ListNodesRequest) (*rpc.ListNodesResponse, error) {
	s := (*SMS)(h)
	return &rpc.ListNodesResponse{Nodes: s.nodes.ListNodes(noderegistry.Status(req.StatusFilter))}, nil
}

func (h *nodeServiceHandler) GetNode(ctx context.Context, req *rpc.GetNodeRequest) (*rpc.GetNodeResponse, error) {
	s := (*SMS)(h)
	n, err := s.nodes.GetNode(req.UUID)
	if err != nil {
		if errors.Is(err, noderegistry.ErrNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.GetNodeResponse{Node: n}, nil
}

func (h *nodeServiceHandler) UpdateNodeResource(ctx context.Context, req *rpc.UpdateNodeResourceRequest) (*rpc.UpdateNodeResourceResponse, error) {
	s := (*SMS)(h)
	info, err := s.resources.UpdateResource(ctx, req.Resource)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.UpdateNodeResourceResponse{Resource: info}, nil
}

func (h *nodeServiceHandler) GetNodeResource(ctx context.Context, req *rpc.GetNodeResourceRequest) (*rpc.GetNodeResourceResponse, error) {
	s := (*SMS)(h)
	info, err := s.resources.GetResource(req.NodeUUID)
	if err != nil {
		if errors.Is(err, resources.ErrNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.GetNodeResourceResponse{Resource: info}, nil
}

func (h *nodeServiceHandler) ListNodeResources(ctx context.Context, req *rpc.ListNodeResourcesRequest) (*rpc.ListNodeResourcesResponse, error) {
	s := (*SMS)(h)
	if len(req.NodeUUIDs) == 0 {
		return &rpc.ListNodeResourcesResponse{Resources: s.resources.ListResources()}, nil
	}
	return &rpc.ListNodeResourcesResponse{Resources: s.resources.ListResourcesByNodes(req.NodeUUIDs)}, nil
}

func (h *nodeServiceHandler) GetNodeWithResource(ctx context.Context, req *rpc.GetNodeWithResourceRequest) (*rpc.GetNodeWithResourceResponse, error) {
	s := (*SMS)(h)
	n, err := s.nodes.GetNode(req.UUID)
	if err != nil {
		if errors.Is(err, noderegistry.ErrNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	resp := &rpc.GetNodeWithResourceResponse{Node: n}
	if info, err := s.resources.GetResource(req.UUID); err == nil {
		resp.Resource = info
	}
	return resp, nil
}

// taskServiceHandler fronts the task catalog and event bus as a
// rpc.TaskServiceServer.
type taskServiceHandler SMS

func (h *taskServiceHandler) RegisterTask(ctx context.Context, req *rpc.RegisterTaskRequest) (*rpc.RegisterTaskResponse, error) {
	s := (*SMS)(h)
	t := tasks.Task{
		TaskID:        generateTaskID(),
		Name:          req.Name,
		Description:   req.Description,
		Priority:      req.Priority,
		NodeUUID:      req.NodeUUID,
		Endpoint:      req.Endpoint,
		Version:       req.Version,
		Capabilities:  req.Capabilities,
		Metadata:      req.Metadata,
		Config:        req.Config,
		Executable:    req.Executable,
		ExecutionKind: req.ExecutionKind,
	}
	registered, err := s.tasks.RegisterTask(ctx, t)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.RegisterTaskResponse{Success: true, TaskID: registered.TaskID, Task: registered}, nil
}

func (h *taskServiceHandler) GetTask(ctx context.Context, req *rpc.GetTaskRequest) (*rpc.GetTaskResponse, error) {
	s := (*SMS)(h)
	t, err := s.tasks.GetTask(req.TaskID)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.GetTaskResponse{Task: t}, nil
}

func (h *taskServiceHandler) ListTasks(ctx context.Context, req *rpc.ListTasksRequest) (*rpc.ListTasksResponse, error) {
	s := (*SMS)(h)
	f := tasks.Filters{
		NodeUUID: req.NodeUUID,
		Status:   req.StatusFilter,
		Priority: req.PriorityFilter,
		Limit:    req.Limit,
		Offset:   req.Offset,
	}
	return &rpc.ListTasksResponse{Tasks: s.tasks.ListTasksWithFilters(f)}, nil
}

func (h *taskServiceHandler) UnregisterTask(ctx context.Context, req *rpc.UnregisterTaskRequest) (*rpc.UnregisterTaskResponse, error) {
	s := (*SMS)(h)
	if err := s.tasks.RemoveTask(ctx, req.TaskID); err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.UnregisterTaskResponse{Success: true}, nil
}

func (h *taskServiceHandler) UpdateTaskStatus(ctx context.Context, req *rpc.UpdateTaskStatusRequest) (*rpc.UpdateTaskStatusResponse, error) {
	s := (*SMS)(h)
	t, err := s.tasks.UpdateTaskStatus(ctx, req.TaskID, req.Status, req.Reason)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.UpdateTaskStatusResponse{Task: t}, nil
}

func (h *taskServiceHandler) UpdateTaskResult(ctx context.Context, req *rpc.UpdateTaskResultRequest) (*rpc.UpdateTaskResultResponse, error) {
	s := (*SMS)(h)
	t, err := s.tasks.UpdateTaskResult(ctx, req.TaskID, req.ResultURI, req.ResultStatus, req.CompletedAt, req.ResultMetadata)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.UpdateTaskResultResponse{Task: t}, nil
}

// SubscribeTaskEvents replays history since req.LastEventID, then forwards
// live events until the stream's context is canceled or the subscriber
// lags and must resync, per spec.md §7's "aborted: watch lagged; resync
// required" contract.
func (h *taskServiceHandler) SubscribeTaskEvents(req *rpc.SubscribeTaskEventsRequest, stream rpc.ServerStream[rpc.TaskEvent]) error {
	s := (*SMS)(h)

	// Subscribe before replaying so events published during the replay are
	// buffered rather than missed; the loop below skips the ones the replay
	// already sent.
	sub := s.bus.Subscribe(req.NodeUUID)
	defer sub.Close()

	backlog, err := s.bus.ReplaySince(stream.Context(), req.NodeUUID, req.LastEventID, 0)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	lastSent := req.LastEventID
	for _, ev := range backlog {
		if err := stream.Send(ev); err != nil {
			return err
		}
		lastSent = ev.EventID
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case err := <-sub.Resync():
			if err != nil {
				return status.Error(codes.Aborted, eventbus.ErrResyncRequired.Error())
			}
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if ev.EventID <= lastSent {
				continue
			}
			if err := stream.Send(ev); err != nil {
				return err
			}
			lastSent = ev.EventID
		}
	}
}

// placementServiceHandler fronts the placement engine as a
// rpc.PlacementServiceServer.
type placementServiceHandler SMS

func (h *placementServiceHandler) PlaceInvocation(ctx context.Context, req *rpc.PlaceInvocationRequest) (*rpc.PlaceInvocationResponse, error) {
	s := (*SMS)(h)
	decisionID, candidates, err := s.placement.Place(ctx, req.RequestID, req.TaskID, req.MaxCandidates)
	if err != nil {
		if errors.Is(err, placement.ErrEmptyRequestID) || errors.Is(err, placement.ErrEmptyTaskID) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	out := make([]rpc.PlacementCandidate, 0, len(candidates))
	for _, c := range candidates {
		pc := rpc.PlacementCandidate{NodeUUID: c.NodeUUID, Score: c.Score}
		if n, err := s.nodes.GetNode(c.NodeUUID); err == nil {
			pc.IP = n.IP
			pc.Port = n.Port
		}
		out = append(out, pc)
	}
	return &rpc.PlaceInvocationResponse{DecisionID: decisionID, Candidates: out}, nil
}

func (h *placementServiceHandler) ReportInvocationOutcome(ctx context.Context, req *rpc.ReportInvocationOutcomeRequest) (*rpc.ReportInvocationOutcomeResponse, error) {
	s := (*SMS)(h)
	s.placement.ReportInvocationOutcome(req.NodeUUID, placement.OutcomeClass(req.OutcomeClass), req.ErrorMessage)
	return &rpc.ReportInvocationOutcomeResponse{Accepted: true}, nil
}
