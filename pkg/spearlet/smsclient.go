package spearlet

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lfedgeai/spear/pkg/rpc"
	"github.com/lfedgeai/spear/pkg/tasks"
)

// smsTaskClient adapts rpc.TaskServiceClient to tem.SMSClient, letting the
// TEM talk to a remote SMS the same way it would talk to an in-process
// *tasks.Service in an embedded deployment.
type smsTaskClient struct {
	client *rpc.TaskServiceClient
}

func newSMSTaskClient(client *rpc.TaskServiceClient) *smsTaskClient {
	return &smsTaskClient{client: client}
}

// GetTask has no context parameter because tem.SMSClient doesn't give it
// one; context.Background() is appropriate here since the TEM only calls
// this to resolve a task it's about to run for a long time regardless.
func (c *smsTaskClient) GetTask(taskID string) (*tasks.Task, error) {
	resp, err := c.client.GetTask(context.Background(), &rpc.GetTaskRequest{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (c *smsTaskClient) UpdateTaskStatus(ctx context.Context, taskID string, status tasks.Status, reason string) (*tasks.Task, error) {
	resp, err := c.client.UpdateTaskStatus(ctx, &rpc.UpdateTaskStatusRequest{TaskID: taskID, Status: status, Reason: reason})
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (c *smsTaskClient) UpdateTaskResult(ctx context.Context, taskID, resultURI, resultStatus string, completedAt int64, metadata map[string]string) (*tasks.Task, error) {
	resp, err := c.client.UpdateTaskResult(ctx, &rpc.UpdateTaskResultRequest{
		TaskID:         taskID,
		ResultURI:      resultURI,
		ResultStatus:   resultStatus,
		CompletedAt:    completedAt,
		ResultMetadata: metadata,
	})
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// artifactFetcher resolves an Executable.URI to raw module bytes for
// pkg/runtime/wasm.New. "file://" and bare paths read the local filesystem
// (the common case: a task's WASM module staged alongside the Spearlet);
// "object://" addresses a blob by key through SMS's ObjectService, for
// modules registered centrally rather than pre-staged per node.
type artifactFetcher struct {
	objects *rpc.ObjectServiceClient
}

func newArtifactFetcher(objects *rpc.ObjectServiceClient) *artifactFetcher {
	return &artifactFetcher{objects: objects}
}

func (f *artifactFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	switch {
	case strings.HasPrefix(location, "object://"):
		key := strings.TrimPrefix(location, "object://")
		resp, err := f.objects.GetObject(ctx, &rpc.GetObjectRequest{Key: key})
		if err != nil {
			return nil, fmt.Errorf("spearlet: fetch object %s: %w", key, err)
		}
		return resp.Data, nil
	case strings.HasPrefix(location, "file://"):
		path := strings.TrimPrefix(location, "file://")
		return os.ReadFile(path)
	default:
		return os.ReadFile(location)
	}
}
