package wasm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaFromParamsRequiresAllThreeKeys(t *testing.T) {
	_, ok := arenaFromParams(map[string]string{
		paramToolArenaPtr: "1024",
		paramToolArenaLen: "4096",
	})
	assert.False(t, ok, "missing MAX_TOOL_OUTPUT_BYTES should fail")

	arena, ok := arenaFromParams(map[string]string{
		paramToolArenaPtr:       "1024",
		paramToolArenaLen:       "4096",
		paramMaxToolOutputBytes: "512",
	})
	require.True(t, ok)
	assert.Equal(t, toolArena{ptr: 1024, len: 4096, maxOut: 512}, arena)
}

func TestSendWithoutArenaConfiguredReturnsArenaError(t *testing.T) {
	table := newFDTable()
	fd := table.createChat()
	table.writeFn(fd, 0, []byte(`{}`))
	table.resolveTool = func(offset int32) (toolFunc, bool) {
		return func(ctx context.Context, argsJSON []byte, arena toolArena, outCap uint32) ([]byte, int32) {
			t.Fatal("tool should not be invoked without a configured arena")
			return nil, 0
		}, true
	}

	respFD, rc := table.send(context.Background(), fd, autoToolCall)
	require.Zero(t, rc)

	payload, rc := table.recv(respFD)
	require.Zero(t, rc)
	assert.Contains(t, string(payload), "tool arena not configured")
}

func TestInvokeToolWithRetryGrowsOutCapOnceOnENOSPC(t *testing.T) {
	table := newFDTable()
	var calls []uint32
	fn := toolFunc(func(ctx context.Context, argsJSON []byte, arena toolArena, outCap uint32) ([]byte, int32) {
		calls = append(calls, outCap)
		if len(calls) == 1 {
			return nil, errNoSpace
		}
		return []byte("ok"), 0
	})

	out, errno := table.invokeToolWithRetry(context.Background(), fn, toolRegistration{}, toolArena{ptr: 0, len: 1 << 20, maxOut: 1 << 20})
	require.Zero(t, errno)
	assert.Equal(t, "ok", string(out))
	require.Len(t, calls, 2)
	assert.Greater(t, calls[1], calls[0])
}

func TestInvokeToolWithRetryStopsAfterTwoAttempts(t *testing.T) {
	table := newFDTable()
	attempts := 0
	fn := toolFunc(func(ctx context.Context, argsJSON []byte, arena toolArena, outCap uint32) ([]byte, int32) {
		attempts++
		return nil, errNoSpace
	})

	_, errno := table.invokeToolWithRetry(context.Background(), fn, toolRegistration{}, toolArena{maxOut: 8192})
	assert.Equal(t, int32(errNoSpace), errno)
	assert.Equal(t, 2, attempts)
}

func TestSendInvokesRegisteredToolAndRecordsMetric(t *testing.T) {
	table := newFDTable()
	fd := table.createChat()
	table.writeFn(fd, 0, []byte(`{"name":"lookup"}`))
	table.ctl(fd, ctlSetParam, mustJSON(t, map[string]string{"Key": paramToolArenaPtr, "Value": "0"}))
	table.ctl(fd, ctlSetParam, mustJSON(t, map[string]string{"Key": paramToolArenaLen, "Value": "65536"}))
	table.ctl(fd, ctlSetParam, mustJSON(t, map[string]string{"Key": paramMaxToolOutputBytes, "Value": "4096"}))

	table.resolveTool = func(offset int32) (toolFunc, bool) {
		require.EqualValues(t, 0, offset)
		return func(ctx context.Context, argsJSON []byte, arena toolArena, outCap uint32) ([]byte, int32) {
			return []byte(`{"result":42}`), 0
		}, true
	}

	respFD, rc := table.send(context.Background(), fd, autoToolCall)
	require.Zero(t, rc)

	payload, rc := table.recv(respFD)
	require.Zero(t, rc)
	assert.JSONEq(t, `{"result":42}`, string(payload))

	reply, rc := table.ctl(fd, ctlGetMetrics, nil)
	require.Zero(t, rc)
	assert.Contains(t, string(reply), `"tool_calls":1`)
}

func TestStreamFamilyWriteReadRoundTrips(t *testing.T) {
	table := newFDTable()
	fd := table.createStream(fdMic)

	rc := table.streamWrite(fd, []byte("frame-1"))
	assert.EqualValues(t, len("frame-1"), rc)

	out, rc := table.streamRead(fd, 4)
	require.Zero(t, rc)
	assert.Equal(t, "fram", string(out))

	out, rc = table.streamRead(fd, 100)
	require.Zero(t, rc)
	assert.Equal(t, "e-1", string(out))

	require.Zero(t, table.close(fd))
	_, ok := table.stream(fd)
	assert.False(t, ok)
}

func TestStreamCtlSetParamAndMetrics(t *testing.T) {
	table := newFDTable()
	fd := table.createStream(fdRTASR)

	_, rc := table.streamCtl(fd, ctlSetParam, mustJSON(t, map[string]string{"Key": "sample_rate", "Value": "16000"}))
	require.Zero(t, rc)

	table.streamWrite(fd, []byte("abc"))
	reply, rc := table.streamCtl(fd, ctlGetMetrics, nil)
	require.Zero(t, rc)
	assert.Contains(t, string(reply), `"bytes_written":3`)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
