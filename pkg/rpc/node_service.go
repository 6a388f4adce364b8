package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/lfedgeai/spear/pkg/noderegistry"
	"github.com/lfedgeai/spear/pkg/resources"
)

// Message types for NodeService, field names matching spec.md §6.

type RegisterNodeRequest struct {
	UUID     string            `json:"uuid"`
	IP       string            `json:"ip"`
	Port     int               `json:"port"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type RegisterNodeResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	NodeUUID string `json:"node_uuid"`
}

type UpdateNodeRequest struct {
	UUID string            `json:"uuid"`
	Node noderegistry.Node `json:"node"`
}

type UpdateNodeResponse struct {
	Node *noderegistry.Node `json:"node"`
}

type DeleteNodeRequest struct {
	UUID string `json:"uuid"`
}

type DeleteNodeResponse struct {
	Success bool `json:"success"`
}

type HeartbeatRequest struct {
	UUID       string            `json:"uuid"`
	Timestamp  int64             `json:"timestamp"`
	HealthInfo map[string]string `json:"health_info,omitempty"`
}

type HeartbeatResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	ServerTimestamp int64  `json:"server_timestamp"`
}

type ListNodesRequest struct {
	StatusFilter string `json:"status_filter,omitempty"`
}

type ListNodesResponse struct {
	Nodes []*noderegistry.Node `json:"nodes"`
}

type GetNodeRequest struct {
	UUID string `json:"uuid"`
}

type GetNodeResponse struct {
	Node *noderegistry.Node `json:"node"`
}

type UpdateNodeResourceRequest struct {
	Resource resources.Info `json:"resource"`
}

type UpdateNodeResourceResponse struct {
	Resource *resources.Info `json:"resource"`
}

type GetNodeResourceRequest struct {
	NodeUUID string `json:"node_uuid"`
}

type GetNodeResourceResponse struct {
	Resource *resources.Info `json:"resource"`
}

type ListNodeResourcesRequest struct {
	NodeUUIDs []string `json:"node_uuids,omitempty"`
}

type ListNodeResourcesResponse struct {
	Resources []*resources.Info `json:"resources"`
}

type GetNodeWithResourceRequest struct {
	UUID string `json:"uuid"`
}

type GetNodeWithResourceResponse struct {
	Node     *noderegistry.Node `json:"node"`
	Resource *resources.Info    `json:"resource,omitempty"`
}

// NodeServiceServer is implemented by the SMS-side node registry/resource
// service composition.
type NodeServiceServer interface {
	RegisterNode(context.Context, *RegisterNodeRequest) (*RegisterNodeResponse, error)
	UpdateNode(context.Context, *UpdateNodeRequest) (*UpdateNodeResponse, error)
	DeleteNode(context.Context, *DeleteNodeRequest) (*DeleteNodeResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	ListNodes(context.Context, *ListNodesRequest) (*ListNodesResponse, error)
	GetNode(context.Context, *GetNodeRequest) (*GetNodeResponse, error)
	UpdateNodeResource(context.Context, *UpdateNodeResourceRequest) (*UpdateNodeResourceResponse, error)
	GetNodeResource(context.Context, *GetNodeResourceRequest) (*GetNodeResourceResponse, error)
	ListNodeResources(context.Context, *ListNodeResourcesRequest) (*ListNodeResourcesResponse, error)
	GetNodeWithResource(context.Context, *GetNodeWithResourceRequest) (*GetNodeWithResourceResponse, error)
}

const nodeServiceName = "spear.NodeService"

// NodeServiceDesc is the hand-written counterpart to the ServiceDesc
// protoc-gen-go-grpc would generate for NodeService.
var NodeServiceDesc = grpc.ServiceDesc{
	ServiceName: nodeServiceName,
	HandlerType: (*NodeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterNode", Handler: unaryHandler[NodeServiceServer, RegisterNodeRequest, RegisterNodeResponse](nodeServiceName+"/RegisterNode", NodeServiceServer.RegisterNode)},
		{MethodName: "UpdateNode", Handler: unaryHandler[NodeServiceServer, UpdateNodeRequest, UpdateNodeResponse](nodeServiceName+"/UpdateNode", NodeServiceServer.UpdateNode)},
		{MethodName: "DeleteNode", Handler: unaryHandler[NodeServiceServer, DeleteNodeRequest, DeleteNodeResponse](nodeServiceName+"/DeleteNode", NodeServiceServer.DeleteNode)},
		{MethodName: "Heartbeat", Handler: unaryHandler[NodeServiceServer, HeartbeatRequest, HeartbeatResponse](nodeServiceName+"/Heartbeat", NodeServiceServer.Heartbeat)},
		{MethodName: "ListNodes", Handler: unaryHandler[NodeServiceServer, ListNodesRequest, ListNodesResponse](nodeServiceName+"/ListNodes", NodeServiceServer.ListNodes)},
		{MethodName: "GetNode", Handler: unaryHandler[NodeServiceServer, GetNodeRequest, GetNodeResponse](nodeServiceName+"/GetNode", NodeServiceServer.GetNode)},
		{MethodName: "UpdateNodeResource", Handler: unaryHandler[NodeServiceServer, UpdateNodeResourceRequest, UpdateNodeResourceResponse](nodeServiceName+"/UpdateNodeResource", NodeServiceServer.UpdateNodeResource)},
		{MethodName: "GetNodeResource", Handler: unaryHandler[NodeServiceServer, GetNodeResourceRequest, GetNodeResourceResponse](nodeServiceName+"/GetNodeResource", NodeServiceServer.GetNodeResource)},
		{MethodName: "ListNodeResources", Handler: unaryHandler[NodeServiceServer, ListNodeResourcesRequest, ListNodeResourcesResponse](nodeServiceName+"/ListNodeResources", NodeServiceServer.ListNodeResources)},
		{MethodName: "GetNodeWithResource", Handler: unaryHandler[NodeServiceServer, GetNodeWithResourceRequest, GetNodeWithResourceResponse](nodeServiceName+"/GetNodeWithResource", NodeServiceServer.GetNodeWithResource)},
	},
	Metadata: "node_service.rpc",
}

// RegisterNodeServiceServer registers srv on s, the same way a generated
// proto.RegisterNodeServiceServer would.
func RegisterNodeServiceServer(s *grpc.Server, srv NodeServiceServer) {
	s.RegisterService(&NodeServiceDesc, srv)
}

// NodeServiceClient is the hand-written client stub.
type NodeServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewNodeServiceClient(cc grpc.ClientConnInterface) *NodeServiceClient {
	return &NodeServiceClient{cc: cc}
}

func (c *NodeServiceClient) RegisterNode(ctx context.Context, req *RegisterNodeRequest) (*RegisterNodeResponse, error) {
	return invokeUnary[RegisterNodeRequest, RegisterNodeResponse](ctx, c.cc, "/"+nodeServiceName+"/RegisterNode", req)
}

func (c *NodeServiceClient) UpdateNode(ctx context.Context, req *UpdateNodeRequest) (*UpdateNodeResponse, error) {
	return invokeUnary[UpdateNodeRequest, UpdateNodeResponse](ctx, c.cc, "/"+nodeServiceName+"/UpdateNode", req)
}

func (c *NodeServiceClient) DeleteNode(ctx context.Context, req *DeleteNodeRequest) (*DeleteNodeResponse, error) {
	return invokeUnary[DeleteNodeRequest, DeleteNodeResponse](ctx, c.cc, "/"+nodeServiceName+"/DeleteNode", req)
}

func (c *NodeServiceClient) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	return invokeUnary[HeartbeatRequest, HeartbeatResponse](ctx, c.cc, "/"+nodeServiceName+"/Heartbeat", req)
}

func (c *NodeServiceClient) ListNodes(ctx context.Context, req *ListNodesRequest) (*ListNodesResponse, error) {
	return invokeUnary[ListNodesRequest, ListNodesResponse](ctx, c.cc, "/"+nodeServiceName+"/ListNodes", req)
}

func (c *NodeServiceClient) GetNode(ctx context.Context, req *GetNodeRequest) (*GetNodeResponse, error) {
	return invokeUnary[GetNodeRequest, GetNodeResponse](ctx, c.cc, "/"+nodeServiceName+"/GetNode", req)
}

func (c *NodeServiceClient) UpdateNodeResource(ctx context.Context, req *UpdateNodeResourceRequest) (*UpdateNodeResourceResponse, error) {
	return invokeUnary[UpdateNodeResourceRequest, UpdateNodeResourceResponse](ctx, c.cc, "/"+nodeServiceName+"/UpdateNodeResource", req)
}

func (c *NodeServiceClient) GetNodeResource(ctx context.Context, req *GetNodeResourceRequest) (*GetNodeResourceResponse, error) {
	return invokeUnary[GetNodeResourceRequest, GetNodeResourceResponse](ctx, c.cc, "/"+nodeServiceName+"/GetNodeResource", req)
}

func (c *NodeServiceClient) ListNodeResources(ctx context.Context, req *ListNodeResourcesRequest) (*ListNodeResourcesResponse, error) {
	return invokeUnary[ListNodeResourcesRequest, ListNodeResourcesResponse](ctx, c.cc, "/"+nodeServiceName+"/ListNodeResources", req)
}

func (c *NodeServiceClient) GetNodeWithResource(ctx context.Context, req *GetNodeWithResourceRequest) (*GetNodeWithResourceResponse, error) {
	return invokeUnary[GetNodeWithResourceRequest, GetNodeWithResourceResponse](ctx, c.cc, "/"+nodeServiceName+"/GetNodeWithResource", req)
}
