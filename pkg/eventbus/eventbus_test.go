package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/pkg/kv"
)

type taskSnapshot struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func TestPublishAssignsMonotonicIDsPerNode(t *testing.T) {
	bus := New(kv.NewMemoryStore())
	ctx := context.Background()

	e1, err := bus.PublishCreate(ctx, "node-a", "task-1", taskSnapshot{TaskID: "task-1", Status: "pending"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.EventID)

	e2, err := bus.PublishUpdate(ctx, "node-a", "task-1", taskSnapshot{TaskID: "task-1", Status: "running"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.EventID)

	// A different node gets its own independent sequence.
	e3, err := bus.PublishCreate(ctx, "node-b", "task-2", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e3.EventID)
}

func TestPublishPersistsBeforeBroadcast(t *testing.T) {
	store := kv.NewMemoryStore()
	bus := New(store)
	ctx := context.Background()

	_, err := bus.PublishCreate(ctx, "node-a", "task-1", nil)
	require.NoError(t, err)

	ok, err := store.Exists(ctx, kv.EventKey("node-a", 1))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReplaySinceReturnsAscendingTail(t *testing.T) {
	bus := New(kv.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := bus.PublishUpdate(ctx, "node-a", "task-1", nil)
		require.NoError(t, err)
	}

	events, err := bus.ReplaySince(ctx, "node-a", 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].EventID)
	assert.Equal(t, uint64(4), events[1].EventID)
	assert.Equal(t, uint64(5), events[2].EventID)
}

func TestReplaySinceRespectsMax(t *testing.T) {
	bus := New(kv.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := bus.PublishUpdate(ctx, "node-a", "task-1", nil)
		require.NoError(t, err)
	}

	events, err := bus.ReplaySince(ctx, "node-a", 0, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].EventID)
	assert.Equal(t, uint64(2), events[1].EventID)
}

func TestReplaySinceSurvivesRestart(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	bus1 := New(store)
	_, err := bus1.PublishCreate(ctx, "node-a", "task-1", nil)
	require.NoError(t, err)
	_, err = bus1.PublishUpdate(ctx, "node-a", "task-1", nil)
	require.NoError(t, err)

	// A fresh Bus over the same store must pick up event IDs where the log
	// left off instead of restarting from 1.
	bus2 := New(store)
	e3, err := bus2.PublishUpdate(ctx, "node-a", "task-1", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e3.EventID)
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	bus := New(kv.NewMemoryStore())
	ctx := context.Background()

	sub := bus.Subscribe("node-a")
	defer sub.Close()

	published, err := bus.PublishCreate(ctx, "node-a", "task-1", nil)
	require.NoError(t, err)

	select {
	case got := <-sub.Events():
		assert.Equal(t, published.EventID, got.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeOnlySeesItsOwnNode(t *testing.T) {
	bus := New(kv.NewMemoryStore())
	ctx := context.Background()

	sub := bus.Subscribe("node-a")
	defer sub.Close()

	_, err := bus.PublishCreate(ctx, "node-b", "task-1", nil)
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for node-a subscriber: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLaggedSubscriberGetsResyncSignal(t *testing.T) {
	bus := New(kv.NewMemoryStore())
	ctx := context.Background()

	sub := bus.Subscribe("node-a")

	for i := 0; i < subscriberBuffer+1; i++ {
		_, err := bus.PublishUpdate(ctx, "node-a", "task-1", nil)
		require.NoError(t, err)
	}

	select {
	case err := <-sub.Resync():
		assert.ErrorIs(t, err, ErrResyncRequired)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resync signal")
	}

	// The events buffered before the drop are still delivered before the
	// close is observed.
	for i := 0; i < subscriberBuffer; i++ {
		_, ok := <-sub.Events()
		require.True(t, ok)
	}
	_, stillOpen := <-sub.Events()
	assert.False(t, stillOpen, "events channel should be closed after lag-drop")
}

func TestCloseUnregistersSubscription(t *testing.T) {
	bus := New(kv.NewMemoryStore())
	sub := bus.Subscribe("node-a")
	sub.Close()

	bus.subMu.RLock()
	_, stillTracked := bus.subs["node-a"]
	bus.subMu.RUnlock()
	assert.False(t, stillTracked)

	// Closing twice must not panic.
	sub.Close()
}
