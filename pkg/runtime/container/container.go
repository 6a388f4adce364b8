// Package container is the Kubernetes/container Runtime adapter: one
// containerd task per instance, image pulled from InstanceConfig's
// ArtifactLocation. Grounded on the teacher's ContainerdRuntime, narrowed
// from its full image/secrets/volume/network lifecycle down to the
// Runtime contract's CreateInstance/StartInstance/Execute/StopInstance
// shape and generalized from per-service container management to
// per-task-execution instances.
package container

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"

	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/runtime"
)

var containerLog = log.WithComponent("runtime.container")

const (
	// Namespace is the containerd namespace this runtime operates in.
	Namespace = "spear"

	// DefaultSocketPath is containerd's default socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

type instance struct {
	cfg       runtime.InstanceConfig
	status    runtime.InstanceStatus
	container containerd.Container
	execs     int64
	fails     int64
	mu        sync.Mutex
}

// Runtime executes each instance as a containerd container, one task
// created and torn down per Execute call (the same short-running-
// invocation model pkg/runtime/process uses, applied to a container
// image instead of a host binary).
type Runtime struct {
	client *containerd.Client

	mu        sync.Mutex
	instances map[string]*instance
	nextID    int64
}

// New dials containerd at socketPath (DefaultSocketPath if empty).
func New(socketPath string) (*Runtime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime/container: connect to containerd: %w", err)
	}
	return &Runtime{client: client, instances: make(map[string]*instance)}, nil
}

// Close releases the containerd client connection.
func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Runtime) RuntimeType() runtime.Type { return runtime.Kubernetes }

// CreateInstance pulls cfg.ArtifactLocation as an image reference and
// creates (but does not start) a containerd container from it.
func (r *Runtime) CreateInstance(ctx context.Context, cfg runtime.InstanceConfig) (string, error) {
	if err := r.ValidateConfig(cfg); err != nil {
		return "", err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	image, err := r.client.Pull(ctx, cfg.ArtifactLocation, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("runtime/container: pull %s: %w", cfg.ArtifactLocation, err)
	}

	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("ctr-%d", r.nextID)
	r.mu.Unlock()

	opts := []oci.SpecOpts{oci.WithImageConfig(image)}
	if cfg.EntryPoint != "" {
		opts = append(opts, oci.WithProcessArgs(cfg.EntryPoint))
	}
	for k, v := range cfg.Env {
		opts = append(opts, oci.WithEnv([]string{k + "=" + v}))
	}
	if cfg.ResourceLimits.CPUMillis > 0 {
		shares := uint64(cfg.ResourceLimits.CPUMillis)
		quota := int64(cfg.ResourceLimits.CPUMillis) * 100
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if cfg.ResourceLimits.MemBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(cfg.ResourceLimits.MemBytes)))
	}

	ctrdContainer, err := r.client.NewContainer(
		ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return "", fmt.Errorf("runtime/container: create container: %w", err)
	}

	r.mu.Lock()
	r.instances[id] = &instance{cfg: cfg, status: runtime.Creating, container: ctrdContainer}
	r.mu.Unlock()
	return id, nil
}

func (r *Runtime) StartInstance(ctx context.Context, instanceID string) error {
	inst, err := r.get(instanceID)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.status = runtime.Ready
	return nil
}

func (r *Runtime) StopInstance(ctx context.Context, instanceID string) error {
	inst, err := r.get(instanceID)
	if err != nil {
		return err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	task, err := inst.container.Task(ctx, nil)
	if err == nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = task.Kill(stopCtx, syscall.SIGTERM)
		statusC, waitErr := task.Wait(stopCtx)
		if waitErr == nil {
			select {
			case <-statusC:
			case <-stopCtx.Done():
				_ = task.Kill(ctx, syscall.SIGKILL)
			}
		}
		cancel()
		_, _ = task.Delete(ctx)
	}

	inst.mu.Lock()
	inst.status = runtime.Stopped
	inst.mu.Unlock()
	return nil
}

func (r *Runtime) CleanupInstance(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	inst, ok := r.instances[instanceID]
	delete(r.instances, instanceID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)
	return inst.container.Delete(ctx, containerd.WithSnapshotCleanup)
}

// Execute runs a one-shot task in instanceID's container, piping
// execCtx.Payload to stdin and capturing stdout, the same synchronous
// pipe shape as pkg/runtime/process's Execute.
func (r *Runtime) Execute(ctx context.Context, instanceID string, execCtx runtime.ExecutionContext) (runtime.ExecutionResponse, error) {
	inst, err := r.get(instanceID)
	if err != nil {
		return runtime.ExecutionResponse{}, err
	}

	inst.mu.Lock()
	if inst.status != runtime.Ready && inst.status != runtime.InstanceRunning {
		inst.mu.Unlock()
		return runtime.ExecutionResponse{}, runtime.NewError(runtime.InvalidRequest, "instance %s is not ready", instanceID)
	}
	inst.status = runtime.InstanceRunning
	inst.mu.Unlock()

	timeout := time.Duration(execCtx.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(namespaces.WithNamespace(ctx, Namespace), timeout)
	defer cancel()

	stdin := bytes.NewReader(execCtx.Payload)
	var stdout bytes.Buffer

	start := time.Now()
	task, taskErr := inst.container.NewTask(runCtx, cio.NewCreator(cio.WithStreams(stdin, &stdout, &stdout)))
	if taskErr == nil {
		if startErr := task.Start(runCtx); startErr == nil {
			statusC, waitErr := task.Wait(runCtx)
			if waitErr == nil {
				select {
				case <-statusC:
				case <-runCtx.Done():
				}
			}
		} else {
			taskErr = startErr
		}
		_, _ = task.Delete(runCtx)
	}
	duration := time.Since(start)

	inst.mu.Lock()
	inst.execs++
	inst.status = runtime.Ready
	if taskErr != nil {
		inst.fails++
	}
	inst.mu.Unlock()

	if runCtx.Err() == context.DeadlineExceeded {
		return runtime.ExecutionResponse{
			ExecutionID:     execCtx.ExecutionID,
			ExecutionStatus: runtime.TimedOut,
			DurationMS:      duration.Milliseconds(),
			Err:             runtime.NewError(runtime.ExecutionTimeout, "container execution exceeded %s", timeout),
		}, nil
	}
	if taskErr != nil {
		containerLog.Warn().Str("instance_id", instanceID).Err(taskErr).Msg("container execution failed")
		return runtime.ExecutionResponse{
			ExecutionID:     execCtx.ExecutionID,
			ExecutionStatus: runtime.Failed,
			DurationMS:      duration.Milliseconds(),
			Err:             runtime.NewError(runtime.InternalError, "%v", taskErr),
		}, nil
	}

	return runtime.ExecutionResponse{
		Data:            stdout.Bytes(),
		ExecutionID:     execCtx.ExecutionID,
		ExecutionStatus: runtime.Completed,
		ExecutionMode:   execCtx.ExecutionMode,
		DurationMS:      duration.Milliseconds(),
	}, nil
}

func (r *Runtime) HealthCheck(ctx context.Context, instanceID string) (bool, error) {
	inst, err := r.get(instanceID)
	if err != nil {
		return false, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.status != runtime.Unhealthy && inst.status != runtime.Stopped, nil
}

func (r *Runtime) GetMetrics(ctx context.Context, instanceID string) (runtime.Metrics, error) {
	inst, err := r.get(instanceID)
	if err != nil {
		return runtime.Metrics{}, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return runtime.Metrics{ExecutionsTotal: inst.execs, ExecutionsFailed: inst.fails}, nil
}

func (r *Runtime) ScaleInstance(ctx context.Context, instanceID string, limits runtime.ResourceLimits) error {
	inst, err := r.get(instanceID)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.cfg.ResourceLimits = limits
	return nil
}

func (r *Runtime) ValidateConfig(cfg runtime.InstanceConfig) error {
	if cfg.ArtifactLocation == "" {
		return runtime.NewError(runtime.InvalidRequest, "image reference is required")
	}
	return nil
}

func (r *Runtime) GetCapabilities() runtime.Capabilities {
	return runtime.Capabilities{SupportsAsync: false, SupportsStream: false, SupportsScale: true}
}

func (r *Runtime) GetRunningFunction(instanceID string) (string, bool) {
	return "", false
}

func (r *Runtime) get(instanceID string) (*instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, runtime.NewError(runtime.NotFound, "instance %s not found", instanceID)
	}
	return inst, nil
}
