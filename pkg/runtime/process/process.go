// Package process is a generic process/binary Runtime adapter. Spec.md
// scopes container/process low-level runtime adapters out as "treated as
// generic implementations of the Runtime contract" — this package is that
// generic implementation, one OS process per Execute call, grounded on the
// teacher's containerd runtime's instance-lifecycle shape without any
// container-engine dependency.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/runtime"
)

var processLog = log.WithComponent("runtime.process")

type instance struct {
	cfg    runtime.InstanceConfig
	status runtime.InstanceStatus
	execs  int64
	fails  int64
	mu     sync.Mutex
}

// Runtime executes each instance as a plain OS process, one argv0 launch
// per Execute call. It has no durable child process between calls: this is
// the short-running-invocation model, not a long-lived server process.
type Runtime struct {
	mu        sync.Mutex
	instances map[string]*instance
	nextID    int64
}

func New() *Runtime {
	return &Runtime{instances: make(map[string]*instance)}
}

func (r *Runtime) RuntimeType() runtime.Type { return runtime.Process }

func (r *Runtime) CreateInstance(ctx context.Context, cfg runtime.InstanceConfig) (string, error) {
	if err := r.ValidateConfig(cfg); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := fmt.Sprintf("proc-%d", r.nextID)
	r.instances[id] = &instance{cfg: cfg, status: runtime.Creating}
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
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.status = runtime.Stopped
	return nil
}

func (r *Runtime) CleanupInstance(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, instanceID)
	return nil
}

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

	entry := execCtx.FunctionName
	if entry == "" {
		entry = inst.cfg.EntryPoint
	}

	timeout := time.Duration(execCtx.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, inst.cfg.ArtifactLocation, entry)
	for k, v := range inst.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(execCtx.Payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	runErr := cmd.Run()
	duration := time.Since(start)

	inst.mu.Lock()
	inst.execs++
	inst.status = runtime.Ready
	if runErr != nil {
		inst.fails++
	}
	inst.mu.Unlock()

	if runCtx.Err() == context.DeadlineExceeded {
		return runtime.ExecutionResponse{
			ExecutionID:     execCtx.ExecutionID,
			ExecutionStatus: runtime.TimedOut,
			DurationMS:      duration.Milliseconds(),
			Err:             runtime.NewError(runtime.ExecutionTimeout, "process execution exceeded %s", timeout),
		}, nil
	}
	if runErr != nil {
		processLog.Warn().Str("instance_id", instanceID).Err(runErr).Msg("process execution failed")
		return runtime.ExecutionResponse{
			ExecutionID:     execCtx.ExecutionID,
			ExecutionStatus: runtime.Failed,
			DurationMS:      duration.Milliseconds(),
			Err:             runtime.NewError(runtime.InternalError, "%v", runErr),
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
	return runtime.Metrics{
		ExecutionsTotal:  inst.execs,
		ExecutionsFailed: inst.fails,
	}, nil
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
		return runtime.NewError(runtime.InvalidRequest, "artifact location is required")
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
