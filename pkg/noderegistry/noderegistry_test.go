package noderegistry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/pkg/kv"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(context.Background(), kv.NewMemoryStore())
	require.NoError(t, err)
	return reg
}

func TestRegisterNodeDefaultsToActive(t *testing.T) {
	reg := newTestRegistry(t)
	n, err := reg.RegisterNode(context.Background(), "node-1", "10.0.0.1", 9000, nil)
	require.NoError(t, err)
	assert.Equal(t, Active, n.Status)
	assert.NotZero(t, n.RegisteredAt)
}

func TestRegisterNodeRejectsDuplicateUUID(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.RegisterNode(ctx, "node-1", "10.0.0.1", 9000, nil)
	require.NoError(t, err)

	_, err = reg.RegisterNode(ctx, "node-1", "10.0.0.2", 9001, nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestUpdateNodeRequiresExisting(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.UpdateNode(context.Background(), "missing", func(n *Node) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeatRevivesUnhealthyNode(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.RegisterNode(ctx, "node-1", "10.0.0.1", 9000, nil)
	require.NoError(t, err)

	_, err = reg.UpdateNode(ctx, "node-1", func(n *Node) { n.Status = Unhealthy })
	require.NoError(t, err)

	err = reg.UpdateHeartbeat(ctx, "node-1", time.Now())
	require.NoError(t, err)

	n, err := reg.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, Active, n.Status)
}

func TestMarkUnhealthyNodesOffline(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.RegisterNode(ctx, "node-1", "10.0.0.1", 9000, nil)
	require.NoError(t, err)

	_, err = reg.UpdateNode(ctx, "node-1", func(n *Node) {
		n.LastHeartbeat = time.Now().Add(-time.Hour).Unix()
	})
	require.NoError(t, err)

	transitioned, err := reg.MarkUnhealthyNodesOffline(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, transitioned)

	n, err := reg.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, Unhealthy, n.Status)
}

func TestMarkUnhealthyNodesOfflineIgnoresRecentHeartbeats(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.RegisterNode(ctx, "node-1", "10.0.0.1", 9000, nil)
	require.NoError(t, err)

	transitioned, err := reg.MarkUnhealthyNodesOffline(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, transitioned)
}

func TestDecommissioningRejectsButDoesNotRemove(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.RegisterNode(ctx, "node-1", "10.0.0.1", 9000, nil)
	require.NoError(t, err)

	_, err = reg.UpdateNode(ctx, "node-1", func(n *Node) { n.Status = Decommissioning })
	require.NoError(t, err)

	n, err := reg.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, Decommissioning, n.Status)
}

func TestRemoveNodeCascadesToResourceHook(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.RegisterNode(ctx, "node-1", "10.0.0.1", 9000, nil)
	require.NoError(t, err)

	var cleanedUp string
	reg.SetResourceCleanupHook(func(nodeUUID string) { cleanedUp = nodeUUID })

	err = reg.RemoveNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", cleanedUp)

	_, err = reg.GetNode("node-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNodesFiltersByStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.RegisterNode(ctx, "node-1", "10.0.0.1", 9000, nil)
	require.NoError(t, err)
	_, err = reg.RegisterNode(ctx, "node-2", "10.0.0.2", 9001, nil)
	require.NoError(t, err)
	_, err = reg.UpdateNode(ctx, "node-2", func(n *Node) { n.Status = Inactive })
	require.NoError(t, err)

	active := reg.ListNodes(Active)
	require.Len(t, active, 1)
	assert.Equal(t, "node-1", active[0].UUID)

	all := reg.ListNodes("")
	assert.Len(t, all, 2)
}

func TestRegistryLoadsPersistedNodesOnRestart(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	reg1, err := New(ctx, store)
	require.NoError(t, err)
	_, err = reg1.RegisterNode(ctx, "node-1", "10.0.0.1", 9000, nil)
	require.NoError(t, err)

	reg2, err := New(ctx, store)
	require.NoError(t, err)
	n, err := reg2.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", n.IP)
}
