// Package spearlet composes the Spearlet (node agent) process: a Runtime
// Manager fronting the process and WASM runtimes (spec components C7/C8),
// an Instance Scheduler (C9), and a Task Execution Manager (C10), all fed
// by a gRPC connection back to the SMS for task/node lookups, artifact
// object fetches and a periodic self-reported heartbeat and resource sample.
package spearlet

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/lfedgeai/spear/pkg/instscheduler"
	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/rpc"
	"github.com/lfedgeai/spear/pkg/runtime"
	"github.com/lfedgeai/spear/pkg/runtime/container"
	"github.com/lfedgeai/spear/pkg/runtime/process"
	"github.com/lfedgeai/spear/pkg/runtime/wasm"
	"github.com/lfedgeai/spear/pkg/tem"
)

var spearletLog = log.WithComponent("spearlet")

// Config configures the Spearlet process composition.
type Config struct {
	NodeUUID string
	IP       string
	Port     int
	Metadata map[string]string

	SMSAddr        string
	SMSTLSConfig   *tls.Config
	HeartbeatEvery time.Duration
	DiskPath       string

	// ContainerdSocket enables the container runtime when non-empty. A
	// node with no containerd daemon simply never registers it, and
	// container-kind tasks placed there fail at CreateInstance with
	// ErrUnknownRuntimeType rather than at Spearlet startup.
	ContainerdSocket string

	TEM  tem.Config
	Wasm wasm.Config
}

func (c *Config) setDefaults() {
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 5 * time.Second
	}
}

// Spearlet is the wired composition of C7-C10 plus the SMS client link and
// node self-reporting loop.
type Spearlet struct {
	cfg Config

	conn         *grpc.ClientConn
	nodeClient   *rpc.NodeServiceClient
	taskClient   *rpc.TaskServiceClient
	objectClient *rpc.ObjectServiceClient

	runtimes    *runtime.Manager
	containerRT *container.Runtime
	scheduler   *instscheduler.Scheduler
	tem         *tem.Manager
	sampler     *sampler

	stopCh chan struct{}
}

// New dials the SMS, wires the runtime manager and TEM on top of it, and
// prepares (but does not start) the node self-reporting loop.
func New(ctx context.Context, cfg Config) (*Spearlet, error) {
	cfg.setDefaults()

	conn, err := rpc.Dial(cfg.SMSAddr, cfg.SMSTLSConfig)
	if err != nil {
		return nil, fmt.Errorf("spearlet: dial sms at %s: %w", cfg.SMSAddr, err)
	}

	nodeClient := rpc.NewNodeServiceClient(conn)
	taskClient := rpc.NewTaskServiceClient(conn)
	objectClient := rpc.NewObjectServiceClient(conn)

	fetcher := newArtifactFetcher(objectClient)

	runtimes := runtime.NewManager()
	runtimes.Register(process.New())
	wasmRT, err := wasm.New(cfg.Wasm, fetcher.Fetch)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("spearlet: init wasm runtime: %w", err)
	}
	runtimes.Register(wasmRT)

	var containerRT *container.Runtime
	if cfg.ContainerdSocket != "" {
		containerRT, err = container.New(cfg.ContainerdSocket)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("spearlet: init container runtime: %w", err)
		}
		runtimes.Register(containerRT)
	}

	scheduler := instscheduler.New()
	temMgr := tem.New(cfg.TEM, runtimes, scheduler, newSMSTaskClient(taskClient))

	smp, err := newSampler(cfg.DiskPath)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("spearlet: init resource sampler: %w", err)
	}

	return &Spearlet{
		cfg:          cfg,
		conn:         conn,
		nodeClient:   nodeClient,
		taskClient:   taskClient,
		objectClient: objectClient,
		runtimes:     runtimes,
		containerRT:  containerRT,
		scheduler:    scheduler,
		tem:          temMgr,
		sampler:      smp,
		stopCh:       make(chan struct{}),
	}, nil
}

// RegisterServices registers the pkg/rpc services this Spearlet exposes
// (invocation dispatch and execution lookup) onto grpcServer.
func (s *Spearlet) RegisterServices(grpcServer *grpc.Server) {
	rpc.RegisterInvocationServiceServer(grpcServer, (*invocationHandler)(s))
	rpc.RegisterExecutionServiceServer(grpcServer, (*executionHandler)(s))
}

// Start registers this node with SMS, starts the TEM's background loops,
// and begins the periodic heartbeat/resource-report loop.
func (s *Spearlet) Start(ctx context.Context) error {
	if err := s.registerNode(ctx); err != nil {
		return err
	}
	s.tem.Start()
	go s.heartbeatLoop()
	return nil
}

// Stop halts the heartbeat loop, the TEM (tearing down every instance), and
// closes the SMS connection.
func (s *Spearlet) Stop(ctx context.Context) {
	close(s.stopCh)
	s.tem.Stop(ctx)
	if s.containerRT != nil {
		if err := s.containerRT.Close(); err != nil {
			spearletLog.Warn().Err(err).Msg("error closing containerd connection")
		}
	}
	if err := s.conn.Close(); err != nil {
		spearletLog.Warn().Err(err).Msg("error closing sms connection")
	}
}

func (s *Spearlet) registerNode(ctx context.Context) error {
	resp, err := s.nodeClient.RegisterNode(ctx, &rpc.RegisterNodeRequest{
		UUID:     s.cfg.NodeUUID,
		IP:       s.cfg.IP,
		Port:     s.cfg.Port,
		Metadata: s.cfg.Metadata,
	})
	if err != nil {
		return fmt.Errorf("spearlet: register node: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("spearlet: register node: %s", resp.Message)
	}
	return nil
}

func (s *Spearlet) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Spearlet) reportOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HeartbeatEvery)
	defer cancel()

	if _, err := s.nodeClient.Heartbeat(ctx, &rpc.HeartbeatRequest{
		UUID:      s.cfg.NodeUUID,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		spearletLog.Warn().Err(err).Msg("heartbeat failed")
		return
	}

	info := s.sampler.Sample(ctx, s.cfg.NodeUUID)
	if _, err := s.nodeClient.UpdateNodeResource(ctx, &rpc.UpdateNodeResourceRequest{Resource: info}); err != nil {
		spearletLog.Warn().Err(err).Msg("resource report failed")
	}
}
