// Package sms composes the SMS (metadata server) process: the KV store,
// task event bus, node registry, resource service, task service and
// placement engine (spec components C1-C6), fronted by pkg/rpc's
// NodeService/TaskService/PlacementService/ObjectService servers.
package sms

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/lfedgeai/spear/pkg/eventbus"
	"github.com/lfedgeai/spear/pkg/kv"
	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/noderegistry"
	"github.com/lfedgeai/spear/pkg/placement"
	"github.com/lfedgeai/spear/pkg/resources"
	"github.com/lfedgeai/spear/pkg/rpc"
	"github.com/lfedgeai/spear/pkg/tasks"
)

var smsLog = log.WithComponent("sms")

// Config configures the SMS process composition.
type Config struct {
	KV        kv.Config
	Placement placement.Config

	HeartbeatTimeout time.Duration
	CleanupInterval  time.Duration
}

func (c *Config) setDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
}

// SMS is the wired composition of C1-C6, plus the blob object store.
type SMS struct {
	cfg Config

	store     kv.Store
	bus       *eventbus.Bus
	nodes     *noderegistry.Registry
	resources *resources.Service
	tasks     *tasks.Service
	placement *placement.Engine
	objects   *blobStore

	stopCh chan struct{}
}

// New builds every SMS component and loads persisted state from cfg.KV's
// backend.
func New(ctx context.Context, cfg Config) (*SMS, error) {
	cfg.setDefaults()

	store, err := kv.Build(cfg.KV)
	if err != nil {
		return nil, fmt.Errorf("sms: build kv store: %w", err)
	}

	bus := eventbus.New(store)

	nodes, err := noderegistry.New(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("sms: load node registry: %w", err)
	}

	resourceSvc, err := resources.New(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("sms: load resources: %w", err)
	}
	nodes.SetResourceCleanupHook(func(nodeUUID string) {
		if err := resourceSvc.RemoveResource(context.Background(), nodeUUID); err != nil {
			smsLog.Warn().Err(err).Str("node_uuid", nodeUUID).Msg("failed to clean up resource entry for removed node")
		}
	})

	taskSvc, err := tasks.New(ctx, store, bus)
	if err != nil {
		return nil, fmt.Errorf("sms: load tasks: %w", err)
	}

	cfg.Placement.HeartbeatTimeout = cfg.HeartbeatTimeout
	placementEngine := placement.New(nodes, resourceSvc, cfg.Placement)

	return &SMS{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		nodes:     nodes,
		resources: resourceSvc,
		tasks:     taskSvc,
		placement: placementEngine,
		objects:   newBlobStore(store),
		stopCh:    make(chan struct{}),
	}, nil
}

// RegisterServices registers every pkg/rpc service this SMS exposes onto
// grpcServer. tokenGating is applied by the caller via pkg/rpc.Serve; this
// method only wires handlers.
func (s *SMS) RegisterServices(grpcServer *grpc.Server) {
	rpc.RegisterNodeServiceServer(grpcServer, (*nodeServiceHandler)(s))
	rpc.RegisterTaskServiceServer(grpcServer, (*taskServiceHandler)(s))
	rpc.RegisterPlacementServiceServer(grpcServer, (*placementServiceHandler)(s))
	rpc.RegisterObjectServiceServer(grpcServer, s.objects)
}

// Start runs SMS's background maintenance loops: heartbeat-timeout
// sweeping and placement decision/penalty pruning.
func (s *SMS) Start() {
	go s.maintenanceLoop()
}

// Stop signals the maintenance loop to exit.
func (s *SMS) Stop() {
	close(s.stopCh)
}

func (s *SMS) maintenanceLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runMaintenance()
		case <-s.stopCh:
			return
		}
	}
}

func (s *SMS) runMaintenance() {
	ctx := context.Background()

	offline, err := s.nodes.MarkUnhealthyNodesOffline(ctx, s.cfg.HeartbeatTimeout)
	if err != nil {
		smsLog.Warn().Err(err).Msg("heartbeat sweep failed")
	} else if len(offline) > 0 {
		smsLog.Info().Int("count", len(offline)).Msg("marked nodes unhealthy on heartbeat timeout")
	}

	pruned := s.placement.PruneDecisions(time.Hour)
	prunedPenalties := s.placement.PrunePenalties(24 * time.Hour)
	if pruned > 0 || prunedPenalties > 0 {
		smsLog.Debug().Int("decisions", pruned).Int("penalties", prunedPenalties).Msg("placement state pruned")
	}
}

