package resources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/pkg/kv"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(context.Background(), kv.NewMemoryStore())
	require.NoError(t, err)
	return svc
}

func TestUpdateResourceDefaultsUpdatedAt(t *testing.T) {
	svc := newTestService(t)
	info, err := svc.UpdateResource(context.Background(), Info{NodeUUID: "node-1", CPUPct: 10})
	require.NoError(t, err)
	assert.NotZero(t, info.UpdatedAt)
}

func TestUpdateResourceUpsertsByNodeUUID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.UpdateResource(ctx, Info{NodeUUID: "node-1", CPUPct: 10})
	require.NoError(t, err)
	_, err = svc.UpdateResource(ctx, Info{NodeUUID: "node-1", CPUPct: 50})
	require.NoError(t, err)

	info, err := svc.GetResource("node-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, info.CPUPct)
	assert.Len(t, svc.ListResources(), 1)
}

func TestUpdateResourcePreservesExplicitUpdatedAt(t *testing.T) {
	svc := newTestService(t)
	explicit := time.Now().Add(-time.Hour).Unix()
	info, err := svc.UpdateResource(context.Background(), Info{NodeUUID: "node-1", UpdatedAt: explicit})
	require.NoError(t, err)
	assert.Equal(t, explicit, info.UpdatedAt)
}

func TestListResourcesByNodesSkipsMissing(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.UpdateResource(ctx, Info{NodeUUID: "node-1"})
	require.NoError(t, err)

	got := svc.ListResourcesByNodes([]string{"node-1", "node-missing"})
	require.Len(t, got, 1)
	assert.Equal(t, "node-1", got[0].NodeUUID)
}

func TestRemoveResource(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.UpdateResource(ctx, Info{NodeUUID: "node-1"})
	require.NoError(t, err)

	require.NoError(t, svc.RemoveResource(ctx, "node-1"))

	_, err = svc.GetResource("node-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupStaleResources(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpdateResource(ctx, Info{NodeUUID: "stale", UpdatedAt: time.Now().Add(-time.Hour).Unix()})
	require.NoError(t, err)
	_, err = svc.UpdateResource(ctx, Info{NodeUUID: "fresh"})
	require.NoError(t, err)

	removed, err := svc.CleanupStaleResources(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = svc.GetResource("stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.GetResource("fresh")
	assert.NoError(t, err)
}

func TestResourcesSurviveRestart(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	svc1, err := New(ctx, store)
	require.NoError(t, err)
	_, err = svc1.UpdateResource(ctx, Info{NodeUUID: "node-1", CPUPct: 42})
	require.NoError(t, err)

	svc2, err := New(ctx, store)
	require.NoError(t, err)
	info, err := svc2.GetResource("node-1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, info.CPUPct)
}
