package process

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lfedgeai/spear/pkg/runtime"
)

func TestCreateInstanceRejectsMissingArtifactLocation(t *testing.T) {
	r := New()
	_, err := r.CreateInstance(context.Background(), runtime.InstanceConfig{})
	require.Error(t, err)
	var rtErr *runtime.Error
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, runtime.InvalidRequest, rtErr.Kind)
}

func TestExecuteRunsArtifactAndCapturesOutput(t *testing.T) {
	r := New()
	ctx := context.Background()

	id, err := r.CreateInstance(ctx, runtime.InstanceConfig{ArtifactLocation: "/bin/echo", EntryPoint: "hi"})
	require.NoError(t, err)
	require.NoError(t, r.StartInstance(ctx, id))

	resp, err := r.Execute(ctx, id, runtime.ExecutionContext{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.Equal(t, runtime.Completed, resp.ExecutionStatus)
	assert.Nil(t, resp.Err)
	assert.Equal(t, "hi\n", string(resp.Data))
}

func TestExecuteRejectsWhenInstanceNotReady(t *testing.T) {
	r := New()
	ctx := context.Background()
	id, err := r.CreateInstance(ctx, runtime.InstanceConfig{ArtifactLocation: "/bin/echo"})
	require.NoError(t, err)

	_, err = r.Execute(ctx, id, runtime.ExecutionContext{})
	require.Error(t, err)
	var rtErr *runtime.Error
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, runtime.InvalidRequest, rtErr.Kind)
}

func TestHealthCheckUnknownInstance(t *testing.T) {
	r := New()
	_, err := r.HealthCheck(context.Background(), "missing")
	require.Error(t, err)
	var rtErr *runtime.Error
	require.ErrorAs(t, err, &rtErr)
	assert.Equal(t, runtime.NotFound, rtErr.Kind)
}

func TestGetMetricsTracksExecutions(t *testing.T) {
	r := New()
	ctx := context.Background()
	id, err := r.CreateInstance(ctx, runtime.InstanceConfig{ArtifactLocation: "/bin/echo"})
	require.NoError(t, err)
	require.NoError(t, r.StartInstance(ctx, id))

	_, err = r.Execute(ctx, id, runtime.ExecutionContext{})
	require.NoError(t, err)

	metrics, err := r.GetMetrics(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.ExecutionsTotal)
}

func TestCleanupInstanceRemovesIt(t *testing.T) {
	r := New()
	ctx := context.Background()
	id, err := r.CreateInstance(ctx, runtime.InstanceConfig{ArtifactLocation: "/bin/echo"})
	require.NoError(t, err)

	require.NoError(t, r.CleanupInstance(ctx, id))
	_, err = r.HealthCheck(ctx, id)
	require.Error(t, err)
}
