package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is a minimal Runtime implementation used only to exercise
// Manager's registration/lookup.
type fakeRuntime struct{ t Type }

func (f *fakeRuntime) RuntimeType() Type { return f.t }
func (f *fakeRuntime) CreateInstance(ctx context.Context, cfg InstanceConfig) (string, error) {
	return "inst-1", nil
}
func (f *fakeRuntime) StartInstance(ctx context.Context, instanceID string) error { return nil }
func (f *fakeRuntime) StopInstance(ctx context.Context, instanceID string) error  { return nil }
func (f *fakeRuntime) CleanupInstance(ctx context.Context, instanceID string) error {
	return nil
}
func (f *fakeRuntime) Execute(ctx context.Context, instanceID string, execCtx ExecutionContext) (ExecutionResponse, error) {
	return ExecutionResponse{}, nil
}
func (f *fakeRuntime) HealthCheck(ctx context.Context, instanceID string) (bool, error) {
	return true, nil
}
func (f *fakeRuntime) GetMetrics(ctx context.Context, instanceID string) (Metrics, error) {
	return Metrics{}, nil
}
func (f *fakeRuntime) ScaleInstance(ctx context.Context, instanceID string, limits ResourceLimits) error {
	return nil
}
func (f *fakeRuntime) ValidateConfig(cfg InstanceConfig) error { return nil }
func (f *fakeRuntime) GetCapabilities() Capabilities           { return Capabilities{} }
func (f *fakeRuntime) GetRunningFunction(instanceID string) (string, bool) {
	return "", false
}

func TestManagerGetUnknownType(t *testing.T) {
	m := NewManager()
	_, err := m.Get(Wasm)
	assert.ErrorIs(t, err, ErrUnknownRuntimeType)
}

func TestManagerRegisterAndGet(t *testing.T) {
	m := NewManager()
	rt := &fakeRuntime{t: Process}
	m.Register(rt)

	got, err := m.Get(Process)
	require.NoError(t, err)
	assert.Equal(t, rt, got)
}

func TestErrorFormatsKindAndMessage(t *testing.T) {
	err := NewError(InvalidRequest, "bad field %q", "name")
	assert.Equal(t, "runtime: invalid_request: bad field \"name\"", err.Error())
}
