package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/pkg/eventbus"
	"github.com/lfedgeai/spear/pkg/kv"
)

func newTestService(t *testing.T) (*Service, *eventbus.Bus) {
	t.Helper()
	store := kv.NewMemoryStore()
	bus := eventbus.New(store)
	svc, err := New(context.Background(), store, bus)
	require.NoError(t, err)
	return svc, bus
}

func TestRegisterTaskAssignsDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	task, err := svc.RegisterTask(context.Background(), Task{TaskID: "task-1", Name: "demo", NodeUUID: "node-1"})
	require.NoError(t, err)
	assert.Equal(t, Registered, task.Status)
	assert.Equal(t, PriorityUnknown, task.Priority)
	assert.Equal(t, ShortRunning, task.ExecutionKind)
	assert.Equal(t, uint64(1), task.StatusVersion)
}

func TestRegisterTaskDeducesLongRunningFromMetadata(t *testing.T) {
	svc, _ := newTestService(t)
	task, err := svc.RegisterTask(context.Background(), Task{
		TaskID:   "task-1",
		NodeUUID: "node-1",
		Metadata: map[string]string{"execution_kind": "long_running"},
	})
	require.NoError(t, err)
	assert.Equal(t, LongRunning, task.ExecutionKind)
}

func TestRegisterTaskUpsertsAndBumpsStatusVersion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterTask(ctx, Task{TaskID: "task-1", NodeUUID: "node-1"})
	require.NoError(t, err)

	updated, err := svc.RegisterTask(ctx, Task{TaskID: "task-1", NodeUUID: "node-1", Status: Active})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.StatusVersion)
	assert.Equal(t, Active, updated.Status)

	assert.Len(t, svc.ListTasks(), 1)
}

func TestRegisterTaskPublishesCreateThenUpdateEvents(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	sub := bus.Subscribe("node-1")
	defer sub.Close()

	_, err := svc.RegisterTask(ctx, Task{TaskID: "task-1", NodeUUID: "node-1"})
	require.NoError(t, err)
	_, err = svc.RegisterTask(ctx, Task{TaskID: "task-1", NodeUUID: "node-1", Status: Active})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, eventbus.Create, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for create event")
	}
	select {
	case ev := <-sub.Events():
		assert.Equal(t, eventbus.Update, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update event")
	}
}

func TestRemoveTaskPublishesDeleteEvent(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterTask(ctx, Task{TaskID: "task-1", NodeUUID: "node-1"})
	require.NoError(t, err)

	sub := bus.Subscribe("node-1")
	defer sub.Close()

	require.NoError(t, svc.RemoveTask(ctx, "task-1"))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, eventbus.Delete, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delete event")
	}

	_, err = svc.GetTask("task-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTasksWithFiltersByNodeStatusPriority(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterTask(ctx, Task{TaskID: "task-1", NodeUUID: "node-1", Priority: PriorityHigh})
	require.NoError(t, err)
	_, err = svc.RegisterTask(ctx, Task{TaskID: "task-2", NodeUUID: "node-2", Priority: PriorityLow})
	require.NoError(t, err)

	got := svc.ListTasksWithFilters(Filters{NodeUUID: "node-1"})
	require.Len(t, got, 1)
	assert.Equal(t, "task-1", got[0].TaskID)

	got = svc.ListTasksWithFilters(Filters{Priority: PriorityLow})
	require.Len(t, got, 1)
	assert.Equal(t, "task-2", got[0].TaskID)
}

func TestListTasksWithFiltersPagination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := svc.RegisterTask(ctx, Task{TaskID: string(rune('a' + i)), NodeUUID: "node-1"})
		require.NoError(t, err)
	}

	got := svc.ListTasksWithFilters(Filters{Limit: 2, Offset: 4})
	assert.Len(t, got, 1)

	got = svc.ListTasksWithFilters(Filters{Offset: 10})
	assert.Empty(t, got)
}

func TestUpdateTaskStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterTask(ctx, Task{TaskID: "task-1", NodeUUID: "node-1"})
	require.NoError(t, err)

	updated, err := svc.UpdateTaskStatus(ctx, "task-1", Inactive, "idle timeout")
	require.NoError(t, err)
	assert.Equal(t, Inactive, updated.Status)
	assert.Equal(t, uint64(2), updated.StatusVersion)
}

func TestUpdateTaskResultAppendsHistory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterTask(ctx, Task{TaskID: "task-1", NodeUUID: "node-1"})
	require.NoError(t, err)

	updated, err := svc.UpdateTaskResult(ctx, "task-1", "s3://bucket/result-1", "success", time.Now().Unix(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://bucket/result-1"}, updated.ResultURIs)
	assert.Equal(t, "s3://bucket/result-1", updated.LastResultURI)

	updated, err = svc.UpdateTaskResult(ctx, "task-1", "s3://bucket/result-2", "success", time.Now().Unix(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://bucket/result-1", "s3://bucket/result-2"}, updated.ResultURIs)
}

func TestTasksSurviveRestart(t *testing.T) {
	store := kv.NewMemoryStore()
	bus := eventbus.New(store)
	ctx := context.Background()

	svc1, err := New(ctx, store, bus)
	require.NoError(t, err)
	_, err = svc1.RegisterTask(ctx, Task{TaskID: "task-1", NodeUUID: "node-1"})
	require.NoError(t, err)

	svc2, err := New(ctx, store, bus)
	require.NoError(t, err)
	task, err := svc2.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.TaskID)
}
