// Package tem implements the Spearlet Task Execution Manager (spec
// component C10): it schedules artifact -> task -> instance lifecycles on
// top of the Runtime Manager (C7/C8) and Instance Scheduler (C9), enforces
// concurrency limits, tears instances down on repeated health failures, and
// reports status/results back to the SMS task service.
package tem

import (
	"fmt"
	"sync"

	"github.com/lfedgeai/spear/pkg/runtime"
	"github.com/lfedgeai/spear/pkg/tasks"
)

// ErrorKind classifies a TEM-level failure, mirroring the Runtime package's
// typed-error idiom one layer up.
type ErrorKind string

const (
	InvalidRequest   ErrorKind = "invalid_request"
	NotSupported     ErrorKind = "not_supported"
	TaskNotFound     ErrorKind = "task_not_found"
	ResourceExhausted ErrorKind = "resource_exhausted"
	RuntimeError     ErrorKind = "runtime_error"
	Internal         ErrorKind = "internal"
)

// Error is a typed TEM failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("tem: %s: %s", e.Kind, e.Message) }

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ArtifactSpec describes the artifact backing a task the TEM does not yet
// know about locally; supplied by the caller when submitting against a
// task_id the TEM must first fetch from SMS.
type ArtifactSpec struct {
	ChecksumSHA256 string
	Location       string
	ExecutableKind tasks.ExecutableKind
}

// Artifact is one entry in the TEM's artifact table.
type Artifact struct {
	ArtifactID     string
	Location       string
	ChecksumSHA256 string
	RuntimeType    runtime.Type
	CreatedAt      int64
	LastUsedAt     int64

	mu      sync.Mutex
	taskIDs map[string]struct{}
}

func (a *Artifact) addTask(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.taskIDs == nil {
		a.taskIDs = make(map[string]struct{})
	}
	a.taskIDs[taskID] = struct{}{}
}

func (a *Artifact) removeTask(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.taskIDs, taskID)
}

func (a *Artifact) taskCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.taskIDs)
}

// HealthCheckConfig mirrors the subset of the SMS task's health_check block
// the TEM needs to run its own cascade.
type HealthCheckConfig struct {
	IntervalMS      int64
	FailureThreshold int
}

// LocalTask is one entry in the TEM's local task table, a cache of the
// fields needed to create and health-check instances without refetching
// from SMS on every submit.
type LocalTask struct {
	TaskID           string
	ArtifactID       string
	RuntimeType      runtime.Type
	Env              map[string]string
	ExecutionKind    tasks.ExecutionKind
	MaxInstances     int
	CreationTimeoutMS int64
	HealthCheck      HealthCheckConfig
	CreatedAt        int64
	LastUsedAt       int64

	mu         sync.Mutex
	instanceIDs map[string]struct{}
	active     bool
	errored    bool
}

// markErrored flags the task as having had an instance cascade-stopped by
// the health loop, per spec.md §9's "task transitions to Error" — this
// lifts the LongRunning idle-eviction exemption in cleanupIdleTasks.
func (t *LocalTask) markErrored() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errored = true
}

func (t *LocalTask) hasErrored() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errored
}

func (t *LocalTask) addInstance(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.instanceIDs == nil {
		t.instanceIDs = make(map[string]struct{})
	}
	t.instanceIDs[id] = struct{}{}
}

func (t *LocalTask) removeInstance(id string) (remaining int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.instanceIDs, id)
	return len(t.instanceIDs)
}

func (t *LocalTask) instanceCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.instanceIDs)
}

// instanceRecord is the TEM's bookkeeping entry for one runtime instance.
type instanceRecord struct {
	InstanceID  string
	TaskID      string
	RuntimeType runtime.Type
	CreatedAt   int64

	mu         sync.Mutex
	lastUsedAt int64
	status     runtime.InstanceStatus
}

func (r *instanceRecord) touch(now int64) {
	r.mu.Lock()
	r.lastUsedAt = now
	r.mu.Unlock()
}

func (r *instanceRecord) idleSince() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsedAt
}

func (r *instanceRecord) setStatus(s runtime.InstanceStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *instanceRecord) getStatus() runtime.InstanceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Execution is one submitted invocation's lifecycle record.
type Execution struct {
	ExecutionID  string
	TaskID       string
	ArtifactID   string
	Status       runtime.ExecutionStatus
	ErrorMessage string
	Data         []byte
	StartedAt    int64
	CompletedAt  int64
	DurationMS   int64
}

// SubmitRequest is the input to SubmitExecution.
type SubmitRequest struct {
	ExecutionID   string
	TaskID        string
	ArtifactSpec  *ArtifactSpec
	ExecutionMode runtime.ExecutionMode
	Wait          bool
	Payload       []byte
	TimeoutMS     int64
	FunctionName  string
}

// Stats accumulates running totals, read via Stats().
type Stats struct {
	Total      int64
	Successes  int64
	Failures   int64
	Running    int64
	Completed  int64
	TotalDurationMS int64
}

func (s *Stats) avgDurationMS() int64 {
	if s.Completed == 0 {
		return 0
	}
	return s.TotalDurationMS / s.Completed
}
