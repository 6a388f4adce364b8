package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ObjectService provides CRUD access to the blobs executions read and
// write (task result artifacts, invocation payloads too large to inline),
// per spec.md §6's "ObjectService CRUD for blobs". Objects are addressed
// by an opaque key; callers choose the namespacing convention.

type PutObjectRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

type PutObjectResponse struct {
	Key string `json:"key"`
	Size int64 `json:"size"`
}

type GetObjectRequest struct {
	Key string `json:"key"`
}

type GetObjectResponse struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

type DeleteObjectRequest struct {
	Key string `json:"key"`
}

type DeleteObjectResponse struct {
	Success bool `json:"success"`
}

type ListObjectsRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

type ListObjectsResponse struct {
	Keys []string `json:"keys"`
}

// ObjectServiceServer is implemented by the blob store backing task
// results and oversized invocation payloads.
type ObjectServiceServer interface {
	PutObject(context.Context, *PutObjectRequest) (*PutObjectResponse, error)
	GetObject(context.Context, *GetObjectRequest) (*GetObjectResponse, error)
	DeleteObject(context.Context, *DeleteObjectRequest) (*DeleteObjectResponse, error)
	ListObjects(context.Context, *ListObjectsRequest) (*ListObjectsResponse, error)
}

const objectServiceName = "spear.ObjectService"

var ObjectServiceDesc = grpc.ServiceDesc{
	ServiceName: objectServiceName,
	HandlerType: (*ObjectServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PutObject", Handler: unaryHandler[ObjectServiceServer, PutObjectRequest, PutObjectResponse](objectServiceName+"/PutObject", ObjectServiceServer.PutObject)},
		{MethodName: "GetObject", Handler: unaryHandler[ObjectServiceServer, GetObjectRequest, GetObjectResponse](objectServiceName+"/GetObject", ObjectServiceServer.GetObject)},
		{MethodName: "DeleteObject", Handler: unaryHandler[ObjectServiceServer, DeleteObjectRequest, DeleteObjectResponse](objectServiceName+"/DeleteObject", ObjectServiceServer.DeleteObject)},
		{MethodName: "ListObjects", Handler: unaryHandler[ObjectServiceServer, ListObjectsRequest, ListObjectsResponse](objectServiceName+"/ListObjects", ObjectServiceServer.ListObjects)},
	},
	Metadata: "object_service.rpc",
}

func RegisterObjectServiceServer(s *grpc.Server, srv ObjectServiceServer) {
	s.RegisterService(&ObjectServiceDesc, srv)
}

type ObjectServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewObjectServiceClient(cc grpc.ClientConnInterface) *ObjectServiceClient {
	return &ObjectServiceClient{cc: cc}
}

func (c *ObjectServiceClient) PutObject(ctx context.Context, req *PutObjectRequest) (*PutObjectResponse, error) {
	return invokeUnary[PutObjectRequest, PutObjectResponse](ctx, c.cc, "/"+objectServiceName+"/PutObject", req)
}

func (c *ObjectServiceClient) GetObject(ctx context.Context, req *GetObjectRequest) (*GetObjectResponse, error) {
	return invokeUnary[GetObjectRequest, GetObjectResponse](ctx, c.cc, "/"+objectServiceName+"/GetObject", req)
}

func (c *ObjectServiceClient) DeleteObject(ctx context.Context, req *DeleteObjectRequest) (*DeleteObjectResponse, error) {
	return invokeUnary[DeleteObjectRequest, DeleteObjectResponse](ctx, c.cc, "/"+objectServiceName+"/DeleteObject", req)
}

func (c *ObjectServiceClient) ListObjects(ctx context.Context, req *ListObjectsRequest) (*ListObjectsResponse, error) {
	return invokeUnary[ListObjectsRequest, ListObjectsResponse](ctx, c.cc, "/"+objectServiceName+"/ListObjects", req)
}
