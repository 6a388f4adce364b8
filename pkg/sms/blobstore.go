package sms

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lfedgeai/spear/pkg/kv"
	"github.com/lfedgeai/spear/pkg/rpc"
)

// objectKeyPrefix namespaces blob entries within the shared KV store,
// alongside node:/resource:/task:/event: (spec.md §6).
const objectKeyPrefix = "object:"

func objectKey(key string) string { return objectKeyPrefix + key }

// blob is the envelope persisted for one object key.
type blob struct {
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

// blobStore implements rpc.ObjectServiceServer directly on top of the
// already-wired kv.Store, the same storage backend node/resource/task
// records use. Task result artifacts and oversized invocation payloads
// are addressed by an opaque key the caller chooses.
type blobStore struct {
	store kv.Store
}

func newBlobStore(store kv.Store) *blobStore {
	return &blobStore{store: store}
}

func (b *blobStore) PutObject(ctx context.Context, req *rpc.PutObjectRequest) (*rpc.PutObjectResponse, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("sms: object key must not be empty")
	}
	entry := blob{ContentType: req.ContentType, Data: req.Data}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("sms: marshal object %s: %w", req.Key, err)
	}
	if err := b.store.Put(ctx, objectKey(req.Key), data); err != nil {
		return nil, fmt.Errorf("sms: put object %s: %w", req.Key, err)
	}
	return &rpc.PutObjectResponse{Key: req.Key, Size: int64(len(req.Data))}, nil
}

func (b *blobStore) GetObject(ctx context.Context, req *rpc.GetObjectRequest) (*rpc.GetObjectResponse, error) {
	data, err := b.store.Get(ctx, objectKey(req.Key))
	if err != nil {
		return nil, fmt.Errorf("sms: get object %s: %w", req.Key, err)
	}
	var entry blob
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("sms: decode object %s: %w", req.Key, err)
	}
	return &rpc.GetObjectResponse{Key: req.Key, ContentType: entry.ContentType, Data: entry.Data}, nil
}

func (b *blobStore) DeleteObject(ctx context.Context, req *rpc.DeleteObjectRequest) (*rpc.DeleteObjectResponse, error) {
	existed, err := b.store.Delete(ctx, objectKey(req.Key))
	if err != nil {
		return nil, fmt.Errorf("sms: delete object %s: %w", req.Key, err)
	}
	return &rpc.DeleteObjectResponse{Success: existed}, nil
}

func (b *blobStore) ListObjects(ctx context.Context, req *rpc.ListObjectsRequest) (*rpc.ListObjectsResponse, error) {
	keys, err := b.store.KeysWithPrefix(ctx, objectKey(req.Prefix))
	if err != nil {
		return nil, fmt.Errorf("sms: list objects: %w", err)
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k[len(objectKeyPrefix):]
	}
	return &rpc.ListObjectsResponse{Keys: out}, nil
}
