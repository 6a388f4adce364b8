package wasm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/lfedgeai/spear/pkg/runtime"
)

const stopFunctionName = "__stop__"

// execRequest is sent to an instance's dedicated goroutine.
type execRequest struct {
	functionName string
	timeout      time.Duration
	payload      []byte
	replyTo      chan execReply
}

type execReply struct {
	data []byte
	err  error
}

// wasmInstance is one VM, owned by a single goroutine that serializes all
// calls into it — the Go analogue of spec.md's "dedicated OS thread per
// instance owns the VM" (Go's runtime does not expose thread pinning for
// this purpose; a goroutine that never yields ownership of the module
// gives the same single-writer guarantee).
type wasmInstance struct {
	id       string
	cfg      runtime.InstanceConfig
	table    *fdTable
	requests chan execRequest
	done     chan struct{}

	execLock atomic.Bool
	status   atomic.Value // runtime.InstanceStatus

	execs atomic.Int64
	fails atomic.Int64
	fuel  atomic.Int64
}

const defaultFuel = 1_000_000

func newInstance(id string, cfg runtime.InstanceConfig) *wasmInstance {
	inst := &wasmInstance{
		id:       id,
		cfg:      cfg,
		table:    newFDTable(),
		requests: make(chan execRequest, 1),
		done:     make(chan struct{}),
	}
	inst.status.Store(runtime.Creating)
	inst.fuel.Store(defaultFuel)
	return inst
}

// resetFuel restores the advisory fuel counter, called on ScaleInstance per
// spec.md §4.8 ("default resets on scale").
func (inst *wasmInstance) resetFuel() {
	inst.fuel.Store(defaultFuel)
}

// run builds the VM on the calling goroutine and loops on inst.requests
// until a __stop__ request arrives. Call this as `go inst.run(...)`.
func (inst *wasmInstance) run(rtConfig wazero.RuntimeConfig, moduleBytes []byte, cache *ModuleCache, maxModuleSize int) {
	ctx := context.Background()
	vm := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	defer vm.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, vm); err != nil {
		inst.status.Store(runtime.Unhealthy)
		wasmLog.Error().Str("instance_id", inst.id).Err(err).Msg("failed to instantiate WASI")
		close(inst.done)
		return
	}
	if _, err := buildHostModule(ctx, vm, inst.table); err != nil {
		inst.status.Store(runtime.Unhealthy)
		wasmLog.Error().Str("instance_id", inst.id).Err(err).Msg("failed to instantiate spear host module")
		close(inst.done)
		return
	}

	_, exported, err := cache.Get(ctx, moduleBytes, maxModuleSize)
	if err != nil {
		inst.status.Store(runtime.Unhealthy)
		wasmLog.Error().Str("instance_id", inst.id).Err(err).Msg("module validation/compile failed")
		close(inst.done)
		return
	}
	hash := HashBytes(moduleBytes)
	compiled, ok := cache.Compiled(hash)
	if !ok {
		inst.status.Store(runtime.Unhealthy)
		close(inst.done)
		return
	}

	mod, err := vm.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(inst.id))
	if err != nil {
		inst.status.Store(runtime.Unhealthy)
		wasmLog.Error().Str("instance_id", inst.id).Err(err).Msg("failed to instantiate guest module")
		close(inst.done)
		return
	}
	defer mod.Close(ctx)

	inst.table.resolveTool = resolveToolFunc(mod, exported)
	inst.status.Store(runtime.Ready)

	for req := range inst.requests {
		if req.functionName == stopFunctionName {
			inst.status.Store(runtime.Stopped)
			req.replyTo <- execReply{}
			inst.execLock.Store(false)
			close(inst.requests)
			break
		}
		inst.execOne(ctx, mod, exported, req)
	}
	close(inst.done)
}

// resolveEntryPoint applies spec.md §4.8's default-entry rule: if the
// caller supplies empty or the sentinel default, pick _start if exported
// else main.
func resolveEntryPoint(requested string, exported []string) string {
	// "__default__" is the sentinel pkg/admin sends as its function name.
	if requested != "" && requested != "__default__" {
		return requested
	}
	for _, name := range exported {
		if name == "_start" {
			return "_start"
		}
	}
	return "main"
}

// resolveToolFunc binds a table offset registered via cchat_write_fn to an
// actual guest call. wazero's api.Table exposes no call-by-reference
// primitive for invoking a resolved funcref from host Go code (unlike,
// e.g., wasmtime's Table::get + TypedFunc::call), so the guest additionally
// exports its tool implementation under a reserved name derived from the
// table offset; the table is still consulted so an offset the guest never
// populated is rejected rather than silently dispatched.
func resolveToolFunc(mod api.Module, exported []string) func(offset int32) (toolFunc, bool) {
	var table api.Table
	for _, name := range []string{"__indirect_function_table", "table"} {
		if t := mod.ExportedTable(name); t != nil {
			table = t
			break
		}
	}
	return func(offset int32) (toolFunc, bool) {
		if table == nil || offset < 0 || uint32(offset) >= table.Size() {
			return nil, false
		}
		fn := mod.ExportedFunction(fmt.Sprintf("__spear_tool_%d", offset))
		if fn == nil {
			return nil, false
		}
		return func(ctx context.Context, argsJSON []byte, arena toolArena, outCap uint32) ([]byte, int32) {
			return invokeGuestTool(ctx, mod, fn, argsJSON, arena, outCap)
		}, true
	}
}

func (inst *wasmInstance) execOne(ctx context.Context, mod api.Module, exported []string, req execRequest) {
	defer inst.execLock.Store(false)

	fnName := resolveEntryPoint(req.functionName, exported)
	fn := mod.ExportedFunction(fnName)
	if fn == nil {
		inst.fails.Add(1)
		req.replyTo <- execReply{err: runtime.NewError(runtime.NotFound, "exported function %q not found", fnName)}
		return
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if req.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, req.timeout)
		defer cancel()
	}

	_, err := fn.Call(callCtx)
	inst.execs.Add(1)
	if inst.fuel.Load() > 0 {
		inst.fuel.Add(-1)
	}
	if err != nil {
		inst.fails.Add(1)
		if callCtx.Err() == context.DeadlineExceeded {
			req.replyTo <- execReply{err: runtime.NewError(runtime.ExecutionTimeout, "call to %q exceeded %s", fnName, req.timeout)}
			return
		}
		req.replyTo <- execReply{err: runtime.NewError(runtime.InternalError, "%v", err)}
		return
	}
	req.replyTo <- execReply{data: nil}
}

// submit sends req to the instance's goroutine, enforcing the exec_lock:
// only one in-flight execution per instance, per spec.md §4.8. The lock is
// held until the reply arrives — either execOne releases it once the call
// returns, or run releases it once it has handed off the reply to a
// __stop__ request — not merely until the request is enqueued, since the
// worker goroutine drains the buffered channel almost immediately and a
// long-running call would otherwise leave the lock clear while still
// executing.
func (inst *wasmInstance) submit(req execRequest) error {
	if inst.currentStatus() == runtime.Stopped {
		return runtime.NewError(runtime.Unavailable, "wasm instance thread unavailable")
	}
	if !inst.execLock.CompareAndSwap(false, true) {
		return runtime.NewError(runtime.InvalidRequest, "another execution already in progress")
	}

	select {
	case inst.requests <- req:
		return nil
	default:
		inst.execLock.Store(false)
		return fmt.Errorf("wasm: instance %s request queue full", inst.id)
	}
}

func (inst *wasmInstance) currentStatus() runtime.InstanceStatus {
	return inst.status.Load().(runtime.InstanceStatus)
}
