package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Message types for PlacementService, field names matching spec.md §6.

type PlaceInvocationRequest struct {
	RequestID     string            `json:"request_id"`
	TaskID        string            `json:"task_id"`
	MaxCandidates int               `json:"max_candidates,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// PlacementCandidate is one scored candidate node, including the dial
// coordinates PlaceInvocationResponse needs that placement.Candidate
// itself (an internal scoring type) doesn't carry.
type PlacementCandidate struct {
	NodeUUID string  `json:"node_uuid"`
	IP       string  `json:"ip"`
	Port     int     `json:"port"`
	Score    float64 `json:"score"`
}

type PlaceInvocationResponse struct {
	DecisionID string                `json:"decision_id"`
	Candidates []PlacementCandidate `json:"candidates"`
}

type ReportInvocationOutcomeRequest struct {
	DecisionID   string `json:"decision_id,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	NodeUUID     string `json:"node_uuid"`
	OutcomeClass string `json:"outcome_class"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type ReportInvocationOutcomeResponse struct {
	Accepted bool `json:"accepted"`
}

// PlacementServiceServer is implemented by the SMS-side placement engine
// composition.
type PlacementServiceServer interface {
	PlaceInvocation(context.Context, *PlaceInvocationRequest) (*PlaceInvocationResponse, error)
	ReportInvocationOutcome(context.Context, *ReportInvocationOutcomeRequest) (*ReportInvocationOutcomeResponse, error)
}

const placementServiceName = "spear.PlacementService"

var PlacementServiceDesc = grpc.ServiceDesc{
	ServiceName: placementServiceName,
	HandlerType: (*PlacementServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PlaceInvocation", Handler: unaryHandler[PlacementServiceServer, PlaceInvocationRequest, PlaceInvocationResponse](placementServiceName+"/PlaceInvocation", PlacementServiceServer.PlaceInvocation)},
		{MethodName: "ReportInvocationOutcome", Handler: unaryHandler[PlacementServiceServer, ReportInvocationOutcomeRequest, ReportInvocationOutcomeResponse](placementServiceName+"/ReportInvocationOutcome", PlacementServiceServer.ReportInvocationOutcome)},
	},
	Metadata: "placement_service.rpc",
}

func RegisterPlacementServiceServer(s *grpc.Server, srv PlacementServiceServer) {
	s.RegisterService(&PlacementServiceDesc, srv)
}

type PlacementServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewPlacementServiceClient(cc grpc.ClientConnInterface) *PlacementServiceClient {
	return &PlacementServiceClient{cc: cc}
}

func (c *PlacementServiceClient) PlaceInvocation(ctx context.Context, req *PlaceInvocationRequest) (*PlaceInvocationResponse, error) {
	return invokeUnary[PlaceInvocationRequest, PlaceInvocationResponse](ctx, c.cc, "/"+placementServiceName+"/PlaceInvocation", req)
}

func (c *PlacementServiceClient) ReportInvocationOutcome(ctx context.Context, req *ReportInvocationOutcomeRequest) (*ReportInvocationOutcomeResponse, error) {
	return invokeUnary[ReportInvocationOutcomeRequest, ReportInvocationOutcomeResponse](ctx, c.cc, "/"+placementServiceName+"/ReportInvocationOutcome", req)
}
