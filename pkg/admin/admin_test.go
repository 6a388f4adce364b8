package admin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lfedgeai/spear/pkg/noderegistry"
	"github.com/lfedgeai/spear/pkg/placement"
	"github.com/lfedgeai/spear/pkg/runtime"
)

type fakePlacer struct {
	mu         sync.Mutex
	candidates []placement.Candidate
	placeErr   error
	outcomes   []placement.OutcomeClass
}

func (f *fakePlacer) Place(ctx context.Context, requestID, taskID string, maxCandidates int) (string, []placement.Candidate, error) {
	if f.placeErr != nil {
		return "", nil, f.placeErr
	}
	return "decision-1", f.candidates, nil
}

func (f *fakePlacer) ReportInvocationOutcome(nodeUUID string, class placement.OutcomeClass, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, class)
}

type fakeNodes struct {
	nodes map[string]*noderegistry.Node
}

func (f *fakeNodes) GetNode(uuid string) (*noderegistry.Node, error) {
	n, ok := f.nodes[uuid]
	if !ok {
		return nil, noderegistry.ErrNotFound
	}
	return n, nil
}

type scriptedSpearlets struct {
	mu    sync.Mutex
	calls int
	resps []SpearletInvokeResponse
	errs  []error
}

func (s *scriptedSpearlets) Invoke(ctx context.Context, addr string, req SpearletInvokeRequest) (SpearletInvokeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	var resp SpearletInvokeResponse
	var err error
	if i < len(s.resps) {
		resp = s.resps[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return resp, err
}

func nodeMap(uuids ...string) map[string]*noderegistry.Node {
	m := make(map[string]*noderegistry.Node)
	for i, u := range uuids {
		m[u] = &noderegistry.Node{UUID: u, IP: "10.0.0.1", Port: 9000 + i}
	}
	return m
}

func TestDispatchDirectNodeSuccess(t *testing.T) {
	placer := &fakePlacer{}
	nodes := &fakeNodes{nodes: nodeMap("node-1")}
	spearlets := &scriptedSpearlets{resps: []SpearletInvokeResponse{{Status: runtime.Completed, Data: []byte("ok")}}}
	d := New(placer, nodes, spearlets)

	result, err := d.Dispatch(context.Background(), InvokeRequest{TaskID: "task-1", NodeUUID: "node-1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.CandidatesAttempted)
	assert.Contains(t, placer.outcomes, placement.Success)
}

func TestDispatchNoCandidatesReturnsError(t *testing.T) {
	placer := &fakePlacer{}
	nodes := &fakeNodes{nodes: nodeMap()}
	spearlets := &scriptedSpearlets{}
	d := New(placer, nodes, spearlets)

	_, err := d.Dispatch(context.Background(), InvokeRequest{TaskID: "task-1"})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestDispatchSpillsBackOnRetryableFailure(t *testing.T) {
	placer := &fakePlacer{candidates: []placement.Candidate{{NodeUUID: "node-1"}, {NodeUUID: "node-2"}}}
	nodes := &fakeNodes{nodes: nodeMap("node-1", "node-2")}
	spearlets := &scriptedSpearlets{
		errs:  []error{status.Error(codes.Unavailable, "connection refused"), nil},
		resps: []SpearletInvokeResponse{{}, {Status: runtime.Completed}},
	}
	d := New(placer, nodes, spearlets)

	result, err := d.Dispatch(context.Background(), InvokeRequest{TaskID: "task-1", RequestID: "req-1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "node-2", result.NodeUUID)
	assert.Equal(t, 2, result.CandidatesAttempted)
	assert.Equal(t, []placement.OutcomeClass{placement.Unavailable, placement.Success}, placer.outcomes)
}

func TestDispatchStopsSpillbackOnBadRequest(t *testing.T) {
	placer := &fakePlacer{candidates: []placement.Candidate{{NodeUUID: "node-1"}, {NodeUUID: "node-2"}}}
	nodes := &fakeNodes{nodes: nodeMap("node-1", "node-2")}
	spearlets := &scriptedSpearlets{
		errs: []error{status.Error(codes.InvalidArgument, "bad payload")},
	}
	d := New(placer, nodes, spearlets)

	result, err := d.Dispatch(context.Background(), InvokeRequest{TaskID: "task-1", RequestID: "req-1"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.CandidatesAttempted)
	assert.Equal(t, []placement.OutcomeClass{placement.BadRequest}, placer.outcomes)
}

func TestDispatchAllCandidatesFailedReturnsError(t *testing.T) {
	placer := &fakePlacer{candidates: []placement.Candidate{{NodeUUID: "node-1"}}}
	nodes := &fakeNodes{nodes: nodeMap("node-1")}
	spearlets := &scriptedSpearlets{errs: []error{status.Error(codes.Unavailable, "down")}}
	d := New(placer, nodes, spearlets)

	_, err := d.Dispatch(context.Background(), InvokeRequest{TaskID: "task-1", RequestID: "req-1"})
	assert.ErrorIs(t, err, ErrAllCandidatesFailed)
}

func TestClassifyGRPCErrorMapsCodes(t *testing.T) {
	cases := map[codes.Code]placement.OutcomeClass{
		codes.DeadlineExceeded:   placement.Timeout,
		codes.Unavailable:        placement.Unavailable,
		codes.ResourceExhausted:  placement.Overloaded,
		codes.InvalidArgument:    placement.BadRequest,
		codes.Unauthenticated:    placement.Rejected,
		codes.PermissionDenied:   placement.Rejected,
		codes.Unknown:            placement.Internal,
	}
	for code, want := range cases {
		got := classifyGRPCError(status.Error(code, "x"))
		assert.Equal(t, want, got, code.String())
	}
}

func TestClassifyGRPCErrorNonStatusIsInternal(t *testing.T) {
	assert.Equal(t, placement.Internal, classifyGRPCError(errors.New("plain error")))
}
