package wasm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/pkg/runtime"
)

// minimalModule is a hand-assembled WASM module exporting a no-op "main"
// function: magic+version, a () -> () type, one function, an export, and an
// empty body (locals=0, end).
var minimalModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x08, 0x01, 0x04, 'm', 'a', 'i', 'n', 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	r, err := New(Config{}, func(ctx context.Context, location string) ([]byte, error) {
		return minimalModule, nil
	})
	require.NoError(t, err)
	return r
}

func TestCreateInstanceRejectsMissingArtifactLocation(t *testing.T) {
	r := newTestRuntime(t)
	_, err := r.CreateInstance(context.Background(), runtime.InstanceConfig{})
	require.Error(t, err)
	var rtErr *runtime.Error
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, runtime.InvalidRequest, rtErr.Kind)
}

func TestStartAndExecuteMinimalModule(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	id, err := r.CreateInstance(ctx, runtime.InstanceConfig{ArtifactLocation: "mem://main", EntryPoint: "main"})
	require.NoError(t, err)
	require.NoError(t, r.StartInstance(ctx, id))

	resp, err := r.Execute(ctx, id, runtime.ExecutionContext{ExecutionID: "exec-1", Wait: true, FunctionName: "main"})
	require.NoError(t, err)
	assert.Equal(t, runtime.Completed, resp.ExecutionStatus)
	assert.Nil(t, resp.Err)

	require.NoError(t, r.StopInstance(ctx, id))
}

func TestExecuteAsyncReturnsRunningImmediately(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	id, err := r.CreateInstance(ctx, runtime.InstanceConfig{ArtifactLocation: "mem://main", EntryPoint: "main"})
	require.NoError(t, err)
	require.NoError(t, r.StartInstance(ctx, id))

	resp, err := r.Execute(ctx, id, runtime.ExecutionContext{ExecutionID: "exec-2", Wait: false, FunctionName: "main"})
	require.NoError(t, err)
	assert.Equal(t, runtime.Running, resp.ExecutionStatus)
	assert.Equal(t, runtime.Async, resp.ExecutionMode)
}

func TestHealthCheckAfterStart(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	id, err := r.CreateInstance(ctx, runtime.InstanceConfig{ArtifactLocation: "mem://main", EntryPoint: "main"})
	require.NoError(t, err)
	require.NoError(t, r.StartInstance(ctx, id))

	healthy, err := r.HealthCheck(ctx, id)
	require.NoError(t, err)
	assert.True(t, healthy)
}

func TestHealthCheckUnknownInstance(t *testing.T) {
	r := newTestRuntime(t)
	_, err := r.HealthCheck(context.Background(), "missing")
	require.Error(t, err)
	var rtErr *runtime.Error
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, runtime.NotFound, rtErr.Kind)
}

func TestScaleInstanceResetsFuel(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	id, err := r.CreateInstance(ctx, runtime.InstanceConfig{ArtifactLocation: "mem://main", EntryPoint: "main"})
	require.NoError(t, err)
	require.NoError(t, r.StartInstance(ctx, id))

	_, err = r.Execute(ctx, id, runtime.ExecutionContext{Wait: true, FunctionName: "main"})
	require.NoError(t, err)

	inst, err := r.get(id)
	require.NoError(t, err)
	before := inst.fuel.Load()
	assert.Less(t, before, int64(defaultFuel))

	require.NoError(t, r.ScaleInstance(ctx, id, runtime.ResourceLimits{MemBytes: 1 << 20}))
	assert.Equal(t, int64(defaultFuel), inst.fuel.Load())
}

func TestValidateConfigRequiresArtifactLocation(t *testing.T) {
	r := newTestRuntime(t)
	err := r.ValidateConfig(runtime.InstanceConfig{})
	require.Error(t, err)
	err = r.ValidateConfig(runtime.InstanceConfig{ArtifactLocation: "mem://main"})
	require.NoError(t, err)
}

func TestGetCapabilitiesReportsAsyncAndScale(t *testing.T) {
	r := newTestRuntime(t)
	caps := r.GetCapabilities()
	assert.True(t, caps.SupportsAsync)
	assert.True(t, caps.SupportsScale)
	assert.False(t, caps.SupportsStream)
}

func TestExecuteRejectsConcurrentCallUntilReplyArrives(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	id, err := r.CreateInstance(ctx, runtime.InstanceConfig{ArtifactLocation: "mem://main", EntryPoint: "main"})
	require.NoError(t, err)

	// Deliberately skip StartInstance: with no worker goroutine draining
	// inst.requests, the first call's exec_lock is never released by a
	// completed execution, reproducing the "still in flight" window a
	// long-running call leaves open in production (S5).
	_, err = r.Execute(ctx, id, runtime.ExecutionContext{ExecutionID: "exec-1", Wait: false, FunctionName: "main"})
	require.NoError(t, err)

	_, err = r.Execute(ctx, id, runtime.ExecutionContext{ExecutionID: "exec-2", Wait: false, FunctionName: "main"})
	require.Error(t, err)
	var rtErr *runtime.Error
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, runtime.InvalidRequest, rtErr.Kind)
	assert.Contains(t, rtErr.Message, "another execution already in progress")
}

func TestExecuteAfterStopReturnsUnavailableNotPanic(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	id, err := r.CreateInstance(ctx, runtime.InstanceConfig{ArtifactLocation: "mem://main", EntryPoint: "main"})
	require.NoError(t, err)
	require.NoError(t, r.StartInstance(ctx, id))
	require.NoError(t, r.StopInstance(ctx, id))

	_, err = r.Execute(ctx, id, runtime.ExecutionContext{ExecutionID: "exec-3", Wait: true, FunctionName: "main"})
	require.Error(t, err)
	var rtErr *runtime.Error
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, runtime.Unavailable, rtErr.Kind)
	assert.Contains(t, rtErr.Message, "wasm instance thread unavailable")
}

func TestCleanupInstanceRemovesIt(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()
	id, err := r.CreateInstance(ctx, runtime.InstanceConfig{ArtifactLocation: "mem://main"})
	require.NoError(t, err)

	require.NoError(t, r.CleanupInstance(ctx, id))
	_, err = r.HealthCheck(ctx, id)
	require.Error(t, err)
}
