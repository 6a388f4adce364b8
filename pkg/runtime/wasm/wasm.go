package wasm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/lfedgeai/spear/pkg/metrics"
	"github.com/lfedgeai/spear/pkg/runtime"
)

// Config configures the WASM Runtime.
type Config struct {
	MaxModuleSizeBytes int
	ModuleCacheSize    int
}

// Runtime implements runtime.Runtime for WebAssembly modules via wazero.
type Runtime struct {
	cfg   Config
	cache *ModuleCache
	vmCfg wazero.RuntimeConfig

	mu        sync.Mutex
	instances map[string]*wasmInstance
	nextID    int64

	// artifactBytes resolves an InstanceConfig's artifact location to the
	// raw module bytes. Spearlet's artifact fetcher wires this; it is
	// intentionally decoupled from filesystem/HTTP access here so this
	// package never needs to import a fetcher.
	artifactBytes func(ctx context.Context, location string) ([]byte, error)
}

func New(cfg Config, artifactBytes func(ctx context.Context, location string) ([]byte, error)) (*Runtime, error) {
	vmCfg := wazero.NewRuntimeConfig()
	compileRT := wazero.NewRuntimeWithConfig(context.Background(), vmCfg)
	defer compileRT.Close(context.Background())

	cache, err := NewModuleCache(compileRT, cfg.ModuleCacheSize)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:           cfg,
		cache:         cache,
		vmCfg:         vmCfg,
		instances:     make(map[string]*wasmInstance),
		artifactBytes: artifactBytes,
	}, nil
}

func (r *Runtime) RuntimeType() runtime.Type { return runtime.Wasm }

func (r *Runtime) CreateInstance(ctx context.Context, cfg runtime.InstanceConfig) (string, error) {
	if err := r.ValidateConfig(cfg); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("wasm-%d", r.nextID)
	inst := newInstance(id, cfg)
	r.instances[id] = inst
	r.mu.Unlock()

	return id, nil
}

func (r *Runtime) StartInstance(ctx context.Context, instanceID string) error {
	inst, err := r.get(instanceID)
	if err != nil {
		return err
	}

	data, err := r.artifactBytes(ctx, inst.cfg.ArtifactLocation)
	if err != nil {
		return runtime.NewError(runtime.InternalError, "failed to fetch artifact: %v", err)
	}
	if err := Validate(data, r.cfg.MaxModuleSizeBytes); err != nil {
		return runtime.NewError(runtime.InvalidRequest, "%v", err)
	}

	go inst.run(r.vmCfg, data, r.cache, r.cfg.MaxModuleSizeBytes)

	deadline := time.After(10 * time.Second)
	for {
		switch inst.currentStatus() {
		case runtime.Ready:
			return nil
		case runtime.Unhealthy:
			return runtime.NewError(runtime.InternalError, "instance %s failed to start", instanceID)
		}
		select {
		case <-deadline:
			return runtime.NewError(runtime.ExecutionTimeout, "instance %s did not become ready in time", instanceID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *Runtime) StopInstance(ctx context.Context, instanceID string) error {
	inst, err := r.get(instanceID)
	if err != nil {
		return err
	}

	reply := make(chan execReply, 1)
	if err := inst.submit(execRequest{functionName: stopFunctionName, replyTo: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-inst.done
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

	timeout := time.Duration(execCtx.TimeoutMS) * time.Millisecond
	reply := make(chan execReply, 1)
	req := execRequest{
		functionName: execCtx.FunctionName,
		timeout:      timeout,
		payload:      execCtx.Payload,
		replyTo:      reply,
	}

	start := time.Now()
	if err := inst.submit(req); err != nil {
		return runtime.ExecutionResponse{}, err
	}

	if !execCtx.Wait {
		metrics.WasmHostCallsTotal.WithLabelValues("execute", "async").Inc()
		return runtime.ExecutionResponse{
			ExecutionID:     execCtx.ExecutionID,
			ExecutionStatus: runtime.Running,
			ExecutionMode:   runtime.Async,
		}, nil
	}

	waitTimeout := timeout
	if waitTimeout <= 0 {
		waitTimeout = 30 * time.Second
	}
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		duration := time.Since(start)
		metrics.RuntimeExecuteDuration.WithLabelValues(string(runtime.Wasm)).Observe(duration.Seconds())
		if res.err != nil {
			metrics.WasmHostCallsTotal.WithLabelValues("execute", "error").Inc()
			return runtime.ExecutionResponse{
				ExecutionID:     execCtx.ExecutionID,
				ExecutionStatus: runtime.Failed,
				DurationMS:      duration.Milliseconds(),
				Err:             asRuntimeError(res.err),
			}, nil
		}
		metrics.WasmHostCallsTotal.WithLabelValues("execute", "ok").Inc()
		return runtime.ExecutionResponse{
			Data:            res.data,
			ExecutionID:     execCtx.ExecutionID,
			ExecutionStatus: runtime.Completed,
			DurationMS:      duration.Milliseconds(),
		}, nil
	case <-timer.C:
		metrics.WasmHostCallsTotal.WithLabelValues("execute", "timeout").Inc()
		return runtime.ExecutionResponse{
			ExecutionID:     execCtx.ExecutionID,
			ExecutionStatus: runtime.TimedOut,
			Err:             runtime.NewError(runtime.ExecutionTimeout, "execution exceeded %s", waitTimeout),
		}, nil
	case <-ctx.Done():
		return runtime.ExecutionResponse{}, ctx.Err()
	}
}

func asRuntimeError(err error) *runtime.Error {
	if rtErr, ok := err.(*runtime.Error); ok {
		return rtErr
	}
	return runtime.NewError(runtime.InternalError, "%v", err)
}

// HealthCheck reports healthy iff the instance is initialized (Ready or
// Running) and its advisory fuel counter is above zero, per spec.md §4.8.
func (r *Runtime) HealthCheck(ctx context.Context, instanceID string) (bool, error) {
	inst, err := r.get(instanceID)
	if err != nil {
		return false, err
	}
	status := inst.currentStatus()
	initialized := status == runtime.Ready || status == runtime.InstanceRunning
	return initialized && inst.fuel.Load() > 0, nil
}

func (r *Runtime) GetMetrics(ctx context.Context, instanceID string) (runtime.Metrics, error) {
	inst, err := r.get(instanceID)
	if err != nil {
		return runtime.Metrics{}, err
	}
	return runtime.Metrics{
		ExecutionsTotal:  inst.execs.Load(),
		ExecutionsFailed: inst.fails.Load(),
	}, nil
}

func (r *Runtime) ScaleInstance(ctx context.Context, instanceID string, limits runtime.ResourceLimits) error {
	inst, err := r.get(instanceID)
	if err != nil {
		return err
	}
	inst.cfg.ResourceLimits = limits
	inst.resetFuel()
	return nil
}

func (r *Runtime) ValidateConfig(cfg runtime.InstanceConfig) error {
	if cfg.ArtifactLocation == "" {
		return runtime.NewError(runtime.InvalidRequest, "artifact location is required")
	}
	return nil
}

func (r *Runtime) GetCapabilities() runtime.Capabilities {
	return runtime.Capabilities{SupportsAsync: true, SupportsStream: false, SupportsScale: true}
}

func (r *Runtime) GetRunningFunction(instanceID string) (string, bool) {
	inst, err := r.get(instanceID)
	if err != nil {
		return "", false
	}
	if inst.execLock.Load() {
		return inst.cfg.EntryPoint, true
	}
	return "", false
}

func (r *Runtime) get(instanceID string) (*wasmInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, runtime.NewError(runtime.NotFound, "instance %s not found", instanceID)
	}
	return inst, nil
}
