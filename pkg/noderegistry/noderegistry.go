// Package noderegistry implements the SMS catalog of worker nodes: identity,
// heartbeat tracking, and the liveness state machine (spec component C3).
package noderegistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lfedgeai/spear/pkg/kv"
	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/metrics"
)

// Status is a node's liveness state.
type Status string

const (
	Active          Status = "active"
	Inactive        Status = "inactive"
	Unhealthy       Status = "unhealthy"
	Decommissioning Status = "decommissioning"
)

var (
	ErrNotFound     = errors.New("noderegistry: node not found")
	ErrAlreadyExists = errors.New("noderegistry: node already exists")
)

// Node is a worker agent entry in the registry.
type Node struct {
	UUID          string            `json:"uuid"`
	IP            string            `json:"ip"`
	Port          int               `json:"port"`
	Status        Status            `json:"status"`
	LastHeartbeat int64             `json:"last_heartbeat"`
	RegisteredAt  int64             `json:"registered_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

var registryLog = log.WithComponent("noderegistry")

// Registry is the in-memory catalog backed by kv.Store, mirroring the
// teacher's RWMutex-guarded map-over-durable-store pattern.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	store kv.Store

	onResourceCleanup func(nodeUUID string)
}

// New loads the registry from store's persisted node: entries.
func New(ctx context.Context, store kv.Store) (*Registry, error) {
	r := &Registry{
		nodes: make(map[string]*Node),
		store: store,
	}
	pairs, err := r.store.ScanPrefix(ctx, "node:")
	if err != nil {
		return nil, fmt.Errorf("noderegistry: load: %w", err)
	}
	for _, p := range pairs {
		var n Node
		if err := json.Unmarshal(p.Value, &n); err != nil {
			registryLog.Warn().Err(err).Str("key", p.Key).Msg("skipping corrupt node record")
			continue
		}
		r.nodes[n.UUID] = &n
	}
	r.refreshGauge()
	return r, nil
}

// SetResourceCleanupHook registers a callback invoked with a deleted node's
// UUID so pkg/resources can drop the corresponding Resource entry.
func (r *Registry) SetResourceCleanupHook(fn func(nodeUUID string)) {
	r.onResourceCleanup = fn
}

func (r *Registry) persist(ctx context.Context, n *Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("noderegistry: marshal: %w", err)
	}
	return r.store.Put(ctx, kv.NodeKey(n.UUID), data)
}

// RegisterNode adds uuid to the registry as Active. Fails if uuid exists.
func (r *Registry) RegisterNode(ctx context.Context, uuid, ip string, port int, metadata map[string]string) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[uuid]; exists {
		return nil, ErrAlreadyExists
	}

	now := time.Now().Unix()
	n := &Node{
		UUID:          uuid,
		IP:            ip,
		Port:          port,
		Status:        Active,
		LastHeartbeat: now,
		RegisteredAt:  now,
		Metadata:      metadata,
	}
	if err := r.persist(ctx, n); err != nil {
		return nil, err
	}
	r.nodes[uuid] = n
	r.refreshGaugeLocked()
	registryLog.Info().Str("node_uuid", uuid).Msg("node registered")
	return n, nil
}

// UpdateNode overwrites the stored attributes for an existing node,
// including an explicit status transition (e.g. to Inactive or
// Decommissioning). Fails if uuid does not exist.
func (r *Registry) UpdateNode(ctx context.Context, uuid string, mutate func(n *Node)) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	before := n.Status
	updated := *n
	mutate(&updated)
	if err := r.persist(ctx, &updated); err != nil {
		return nil, err
	}
	r.nodes[uuid] = &updated
	r.refreshGaugeLocked()
	if before != updated.Status {
		metrics.NodeTransitionsTotal.WithLabelValues(string(before), string(updated.Status)).Inc()
		registryLog.Info().Str("node_uuid", uuid).Str("from", string(before)).Str("to", string(updated.Status)).Msg("node status transition")
	}
	return &updated, nil
}

// RemoveNode deletes uuid from the registry and cascades to Resource.
func (r *Registry) RemoveNode(ctx context.Context, uuid string) error {
	r.mu.Lock()
	if _, ok := r.nodes[uuid]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.nodes, uuid)
	r.refreshGaugeLocked()
	r.mu.Unlock()

	if _, err := r.store.Delete(ctx, kv.NodeKey(uuid)); err != nil {
		return fmt.Errorf("noderegistry: delete: %w", err)
	}
	if r.onResourceCleanup != nil {
		r.onResourceCleanup(uuid)
	}
	registryLog.Info().Str("node_uuid", uuid).Msg("node removed")
	return nil
}

// GetNode returns a copy of the node entry for uuid.
func (r *Registry) GetNode(uuid string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// ListNodes returns all nodes, optionally filtered by status.
func (r *Registry) ListNodes(status Status) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if status != "" && n.Status != status {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// UpdateHeartbeat records a heartbeat at now, reviving an Unhealthy node to
// Active. It is a no-op (returns ErrNotFound) for an unknown node.
func (r *Registry) UpdateHeartbeat(ctx context.Context, uuid string, now time.Time) error {
	_, err := r.UpdateNode(ctx, uuid, func(n *Node) {
		n.LastHeartbeat = now.Unix()
		if n.Status == Unhealthy {
			n.Status = Active
		}
	})
	return err
}

// MarkUnhealthyNodesOffline sweeps Active nodes whose last heartbeat is
// older than heartbeatTimeout and transitions them to Unhealthy, returning
// the affected UUIDs. Callers should follow this with C4 stale-resource
// cleanup.
func (r *Registry) MarkUnhealthyNodesOffline(ctx context.Context, heartbeatTimeout time.Duration) ([]string, error) {
	now := time.Now()

	r.mu.RLock()
	var stale []string
	for uuid, n := range r.nodes {
		if n.Status == Active && now.Sub(time.Unix(n.LastHeartbeat, 0)) > heartbeatTimeout {
			stale = append(stale, uuid)
		}
	}
	r.mu.RUnlock()

	var transitioned []string
	for _, uuid := range stale {
		if _, err := r.UpdateNode(ctx, uuid, func(n *Node) {
			n.Status = Unhealthy
		}); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return transitioned, err
		}
		transitioned = append(transitioned, uuid)
	}
	return transitioned, nil
}

func (r *Registry) refreshGauge() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.refreshGaugeLocked()
}

func (r *Registry) refreshGaugeLocked() {
	counts := map[Status]int{Active: 0, Inactive: 0, Unhealthy: 0, Decommissioning: 0}
	for _, n := range r.nodes {
		counts[n.Status]++
	}
	for status, count := range counts {
		metrics.NodesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
