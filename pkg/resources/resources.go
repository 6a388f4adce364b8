// Package resources implements the per-node resource snapshot service (spec
// component C4): upsert-by-node_uuid storage with TTL-based cleanup.
package resources

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

var ErrNotFound = errors.New("resources: resource not found")

var resourcesLog = log.WithComponent("resources")

// Info is a point-in-time resource snapshot for one node.
type Info struct {
	NodeUUID  string  `json:"node_uuid"`
	CPUPct    float64 `json:"cpu_pct"`
	MemPct    float64 `json:"mem_pct"`
	MemTotal  uint64  `json:"mem_total_bytes"`
	MemUsed   uint64  `json:"mem_used_bytes"`
	DiskPct   float64 `json:"disk_pct"`
	DiskTotal uint64  `json:"disk_total_bytes"`
	DiskUsed  uint64  `json:"disk_used_bytes"`
	NetRxBps  uint64  `json:"net_rx_bps"`
	NetTxBps  uint64  `json:"net_tx_bps"`
	Load1     float64 `json:"load1"`
	Load5     float64 `json:"load5"`
	Load15    float64 `json:"load15"`
	UpdatedAt int64   `json:"updated_at"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Service stores one resource snapshot per node_uuid.
type Service struct {
	mu    sync.RWMutex
	byUUID map[string]*Info
	store kv.Store
}

func New(ctx context.Context, store kv.Store) (*Service, error) {
	s := &Service{
		byUUID: make(map[string]*Info),
		store:  store,
	}
	pairs, err := s.store.ScanPrefix(ctx, "resource:")
	if err != nil {
		return nil, fmt.Errorf("resources: load: %w", err)
	}
	for _, p := range pairs {
		var info Info
		if err := json.Unmarshal(p.Value, &info); err != nil {
			resourcesLog.Warn().Err(err).Str("key", p.Key).Msg("skipping corrupt resource record")
			continue
		}
		s.byUUID[info.NodeUUID] = &info
	}
	return s, nil
}

// UpdateResource upserts info by node_uuid. If info.UpdatedAt is zero it is
// set to now.
func (s *Service) UpdateResource(ctx context.Context, info Info) (*Info, error) {
	if info.UpdatedAt == 0 {
		info.UpdatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("resources: marshal: %w", err)
	}
	if err := s.store.Put(ctx, kv.ResourceKey(info.NodeUUID), data); err != nil {
		return nil, fmt.Errorf("resources: put: %w", err)
	}

	s.mu.Lock()
	s.byUUID[info.NodeUUID] = &info
	s.mu.Unlock()
	return &info, nil
}

func (s *Service) GetResource(nodeUUID string) (*Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.byUUID[nodeUUID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *info
	return &cp, nil
}

func (s *Service) ListResources() []*Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Info, 0, len(s.byUUID))
	for _, info := range s.byUUID {
		cp := *info
		out = append(out, &cp)
	}
	return out
}

// ListResourcesByNodes returns the resource entries for the given node
// UUIDs, skipping any without a recorded snapshot.
func (s *Service) ListResourcesByNodes(uuids []string) []*Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Info, 0, len(uuids))
	for _, uuid := range uuids {
		if info, ok := s.byUUID[uuid]; ok {
			cp := *info
			out = append(out, &cp)
		}
	}
	return out
}

// RemoveResource deletes the resource entry for nodeUUID, if any.
func (s *Service) RemoveResource(ctx context.Context, nodeUUID string) error {
	s.mu.Lock()
	delete(s.byUUID, nodeUUID)
	s.mu.Unlock()

	if _, err := s.store.Delete(ctx, kv.ResourceKey(nodeUUID)); err != nil {
		return fmt.Errorf("resources: delete: %w", err)
	}
	return nil
}

// CleanupStaleResources removes entries whose UpdatedAt is older than ttl,
// returning the number removed.
func (s *Service) CleanupStaleResources(ctx context.Context, ttl time.Duration) (int, error) {
	now := time.Now()

	s.mu.RLock()
	var stale []string
	for uuid, info := range s.byUUID {
		if now.Sub(time.Unix(info.UpdatedAt, 0)) > ttl {
			stale = append(stale, uuid)
		}
	}
	s.mu.RUnlock()

	for _, uuid := range stale {
		if err := s.RemoveResource(ctx, uuid); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		metrics.ResourcesStaleCleanedTotal.Add(float64(len(stale)))
		resourcesLog.Info().Int("count", len(stale)).Msg("cleaned up stale resource entries")
	}
	return len(stale), nil
}
