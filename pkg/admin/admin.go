// Package admin implements the Admin BFF invocation flow (spec component
// C11): a two-tier dispatch that asks the Placement Engine for ordered
// candidates, attempts each candidate's Spearlet in turn, classifies gRPC
// failures, and reports every outcome back to Placement so its penalty/
// circuit-breaker state stays current.
package admin

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/metrics"
	"github.com/lfedgeai/spear/pkg/noderegistry"
	"github.com/lfedgeai/spear/pkg/placement"
	"github.com/lfedgeai/spear/pkg/runtime"
)

var adminLog = log.WithComponent("admin")

// DefaultEntryFunctionName is the function name every dispatched
// invocation carries; InvokeRequest has no field to override it.
const DefaultEntryFunctionName = "__default__"

// ErrNoCandidates is returned when Placement has nothing to offer.
var ErrNoCandidates = errors.New("admin: no candidates")

// ErrAllCandidatesFailed is returned once every candidate has been tried.
var ErrAllCandidatesFailed = errors.New("admin: all candidates failed")

// SpearletInvokeRequest is sent to one Spearlet's invocation endpoint.
type SpearletInvokeRequest struct {
	TaskID        string
	ExecutionID   string
	FunctionName  string
	ExecutionMode runtime.ExecutionMode
	Payload       []byte
}

// SpearletInvokeResponse is the Spearlet's reply on success.
type SpearletInvokeResponse struct {
	Status runtime.ExecutionStatus
	Data   []byte
}

// SpearletClient dials one Spearlet address and invokes it. A gRPC error
// returned from Invoke is classified via status.FromError; a nil error with
// a non-Completed Status is treated as a function-level failure that is not
// retried, per spec.md §4.11.
type SpearletClient interface {
	Invoke(ctx context.Context, addr string, req SpearletInvokeRequest) (SpearletInvokeResponse, error)
}

// NodeResolver resolves a node_uuid to its Spearlet dial address.
type NodeResolver interface {
	GetNode(uuid string) (*noderegistry.Node, error)
}

// Placer is the subset of the Placement Engine the admin flow needs.
type Placer interface {
	Place(ctx context.Context, requestID, taskID string, maxCandidates int) (string, []placement.Candidate, error)
	ReportInvocationOutcome(nodeUUID string, class placement.OutcomeClass, errMsg string)
}

// InvokeRequest is the input to Dispatch.
type InvokeRequest struct {
	TaskID        string
	NodeUUID      string // optional: bypasses Placement, no spillback
	RequestID     string
	ExecutionID   string
	ExecutionMode runtime.ExecutionMode
	MaxCandidates int
	Payload       []byte
}

// InvokeResult is Dispatch's outcome.
type InvokeResult struct {
	Success             bool
	NodeUUID            string
	Status              runtime.ExecutionStatus
	Data                []byte
	ErrorMessage         string
	CandidatesAttempted int

	class placement.OutcomeClass
}

// Dispatcher implements the two-tier placement-then-spillback flow.
type Dispatcher struct {
	placement Placer
	nodes     NodeResolver
	spearlets SpearletClient
}

func New(placement Placer, nodes NodeResolver, spearlets SpearletClient) *Dispatcher {
	return &Dispatcher{placement: placement, nodes: nodes, spearlets: spearlets}
}

func addrFor(n *noderegistry.Node) string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

// Dispatch resolves candidates (directly from NodeUUID, or via Placement)
// and attempts each in order until one succeeds or invocation is vetoed by
// a non-retryable classification.
func (d *Dispatcher) Dispatch(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	functionName := DefaultEntryFunctionName

	if req.NodeUUID != "" {
		node, err := d.nodes.GetNode(req.NodeUUID)
		if err != nil {
			return nil, fmt.Errorf("admin: resolve node %s: %w", req.NodeUUID, err)
		}
		resp, err := d.spearlets.Invoke(ctx, addrFor(node), SpearletInvokeRequest{
			TaskID:        req.TaskID,
			ExecutionID:   req.ExecutionID,
			FunctionName:  functionName,
			ExecutionMode: req.ExecutionMode,
			Payload:       req.Payload,
		})
		result := d.resultFrom(req.NodeUUID, resp, err)
		result.CandidatesAttempted = 1
		d.report(result)
		return result, nil
	}

	_, candidates, err := d.placement.Place(ctx, req.RequestID, req.TaskID, req.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("admin: placement: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	metrics.AdminSpillbackDepth.Observe(float64(len(candidates)))

	for i, cand := range candidates {
		node, err := d.nodes.GetNode(cand.NodeUUID)
		if err != nil {
			d.placement.ReportInvocationOutcome(cand.NodeUUID, placement.Unavailable, err.Error())
			metrics.AdminInvocationsTotal.WithLabelValues(string(placement.Unavailable)).Inc()
			continue
		}

		resp, invokeErr := d.spearlets.Invoke(ctx, addrFor(node), SpearletInvokeRequest{
			TaskID:        req.TaskID,
			ExecutionID:   req.ExecutionID,
			FunctionName:  functionName,
			ExecutionMode: req.ExecutionMode,
			Payload:       req.Payload,
		})
		result := d.resultFrom(cand.NodeUUID, resp, invokeErr)
		result.CandidatesAttempted = i + 1
		class := d.report(result)

		if result.Success {
			return result, nil
		}
		// A nil invokeErr means the function itself failed; that is not
		// retried on another candidate.
		if invokeErr == nil || !retryable(class) {
			return result, nil
		}
		adminLog.Debug().Str("node_uuid", cand.NodeUUID).Str("task_id", req.TaskID).Msg("spillback: trying next candidate")
	}

	return nil, ErrAllCandidatesFailed
}

// resultFrom classifies invokeErr (if any) and builds the caller-facing
// result. A gRPC transport error is classified by status code; a nil error
// whose response isn't Completed is a function-level failure (reported
// Internal, never retried, per spec.md §4.11).
func (d *Dispatcher) resultFrom(nodeUUID string, resp SpearletInvokeResponse, invokeErr error) *InvokeResult {
	if invokeErr != nil {
		return &InvokeResult{
			NodeUUID:     nodeUUID,
			Success:      false,
			ErrorMessage: invokeErr.Error(),
			Status:       runtime.Failed,
			class:        classifyGRPCError(invokeErr),
		}
	}
	if resp.Status != runtime.Completed {
		return &InvokeResult{
			NodeUUID:     nodeUUID,
			Success:      false,
			Status:       resp.Status,
			ErrorMessage: fmt.Sprintf("function returned status %s", resp.Status),
			class:        placement.Internal,
		}
	}
	return &InvokeResult{
		NodeUUID: nodeUUID,
		Success:  true,
		Status:   resp.Status,
		Data:     resp.Data,
		class:    placement.Success,
	}
}

// report reports result's pre-classified outcome to Placement and returns
// the classification so the caller can decide whether to spill back.
func (d *Dispatcher) report(result *InvokeResult) placement.OutcomeClass {
	d.placement.ReportInvocationOutcome(result.NodeUUID, result.class, result.ErrorMessage)
	metrics.AdminInvocationsTotal.WithLabelValues(string(result.class)).Inc()
	return result.class
}

// classifyGRPCError maps a gRPC status code to a placement.OutcomeClass,
// per spec.md §4.11's classification table.
func classifyGRPCError(err error) placement.OutcomeClass {
	st, ok := status.FromError(err)
	if !ok {
		return placement.Internal
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return placement.Timeout
	case codes.Unavailable:
		return placement.Unavailable
	case codes.ResourceExhausted:
		return placement.Overloaded
	case codes.InvalidArgument:
		return placement.BadRequest
	case codes.Unauthenticated, codes.PermissionDenied:
		return placement.Rejected
	default:
		return placement.Internal
	}
}

// retryable mirrors spec.md §4.11's spillback-continuation rule: stop on
// BadRequest/Rejected, continue on every other non-success class.
func retryable(class placement.OutcomeClass) bool {
	return class != placement.BadRequest && class != placement.Rejected && class != placement.Success
}
