package tem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/lfedgeai/spear/pkg/instscheduler"
	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/metrics"
	"github.com/lfedgeai/spear/pkg/runtime"
	"github.com/lfedgeai/spear/pkg/tasks"
)

var temLog = log.WithComponent("tem")

// SMSClient is the subset of the SMS task service the TEM needs. In an
// embedded SMS+Spearlet process *tasks.Service satisfies this directly; a
// remote Spearlet satisfies it with a gRPC client wrapper.
type SMSClient interface {
	GetTask(taskID string) (*tasks.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status tasks.Status, reason string) (*tasks.Task, error)
	UpdateTaskResult(ctx context.Context, taskID, resultURI, resultStatus string, completedAt int64, metadata map[string]string) (*tasks.Task, error)
}

// Config holds the TEM's limits and background-loop intervals, all
// sourced from Spearlet configuration per spec.md §4.10.
type Config struct {
	MaxConcurrentExecutions int
	MaxArtifacts             int
	MaxTasksPerArtifact      int
	MaxInstancesPerTask      int
	InstanceCreationTimeoutMS int64

	HealthCheckInterval time.Duration
	MetricsInterval     time.Duration
	CleanupInterval     time.Duration

	InstanceIdleTimeout time.Duration
	TaskIdleTimeout     time.Duration
	ArtifactIdleTimeout time.Duration

	// GCCronSchedule is a robfig/cron expression (with seconds field)
	// scheduling a full GC sweep independent of CleanupInterval's ticker —
	// a coarser, human-schedulable pass (e.g. "run at the top of every
	// hour") for deployments that want GC pinned to off-peak windows
	// rather than purely interval-driven.
	GCCronSchedule string
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentExecutions <= 0 {
		c.MaxConcurrentExecutions = 64
	}
	if c.MaxArtifacts <= 0 {
		c.MaxArtifacts = 256
	}
	if c.MaxTasksPerArtifact <= 0 {
		c.MaxTasksPerArtifact = 64
	}
	if c.MaxInstancesPerTask <= 0 {
		c.MaxInstancesPerTask = 8
	}
	if c.InstanceCreationTimeoutMS <= 0 {
		c.InstanceCreationTimeoutMS = 10_000
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 15 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.InstanceIdleTimeout <= 0 {
		c.InstanceIdleTimeout = 10 * time.Minute
	}
	if c.TaskIdleTimeout <= 0 {
		c.TaskIdleTimeout = 30 * time.Minute
	}
	if c.ArtifactIdleTimeout <= 0 {
		c.ArtifactIdleTimeout = time.Hour
	}
	if c.GCCronSchedule == "" {
		c.GCCronSchedule = "0 0 * * * *"
	}
}

// Manager is the Task Execution Manager.
type Manager struct {
	cfg        Config
	runtimes   *runtime.Manager
	scheduler  *instscheduler.Scheduler
	sms        SMSClient

	sem chan struct{}

	mu          sync.Mutex
	artifacts   map[string]*Artifact
	localTasks  map[string]*LocalTask
	instances   map[string]*instanceRecord
	executions  map[string]*Execution
	healthFails map[string]int

	execCounter atomic.Int64
	stats       struct {
		mu sync.Mutex
		s  Stats
	}

	gcCron *cron.Cron

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, runtimes *runtime.Manager, scheduler *instscheduler.Scheduler, sms SMSClient) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:         cfg,
		runtimes:    runtimes,
		scheduler:   scheduler,
		sms:         sms,
		sem:         make(chan struct{}, cfg.MaxConcurrentExecutions),
		artifacts:   make(map[string]*Artifact),
		localTasks:  make(map[string]*LocalTask),
		instances:   make(map[string]*instanceRecord),
		executions:  make(map[string]*Execution),
		healthFails: make(map[string]int),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the health, metrics, and cleanup background loops, plus
// the cron-scheduled GC pass.
func (m *Manager) Start() {
	m.wg.Add(3)
	go m.healthLoop()
	go m.metricsLoop()
	go m.cleanupLoop()
	m.startGCCron()
}

// Stop signals all background loops and best-effort stops every known
// instance, per spec.md §5's shutdown semantics.
func (m *Manager) Stop(ctx context.Context) {
	if m.gcCron != nil {
		<-m.gcCron.Stop().Done()
	}
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.stopInstanceByID(ctx, id); err != nil {
			temLog.Warn().Err(err).Str("instance_id", id).Msg("failed to stop instance during shutdown")
		}
	}
}

func nowMS() int64 { return time.Now().UnixMilli() }

// SubmitExecution enqueues req and returns a channel that receives exactly
// one Execution once the invocation completes (or fails).
func (m *Manager) SubmitExecution(ctx context.Context, req SubmitRequest) (<-chan *Execution, error) {
	if req.TaskID == "" {
		return nil, NewError(InvalidRequest, "task_id is required")
	}
	if req.ExecutionID == "" {
		req.ExecutionID = fmt.Sprintf("exec-%d", m.execCounter.Add(1))
	}
	if req.ExecutionMode == "" || req.ExecutionMode == runtime.UnknownMode {
		req.ExecutionMode = runtime.Sync
	}

	pending := &Execution{
		ExecutionID: req.ExecutionID,
		TaskID:      req.TaskID,
		Status:      runtime.Pending,
		StartedAt:   nowMS(),
	}
	m.mu.Lock()
	m.executions[req.ExecutionID] = pending
	m.mu.Unlock()

	reply := make(chan *Execution, 1)
	go m.handle(ctx, req, reply)
	return reply, nil
}

func (m *Manager) handle(ctx context.Context, req SubmitRequest, reply chan<- *Execution) {
	defer close(reply)

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	default:
		reply <- m.fail(req.ExecutionID, req.TaskID, "", NewError(RuntimeError, "max_concurrent_executions reached"))
		return
	}

	m.setExecutionStatus(req.ExecutionID, runtime.Running)
	m.bumpStat(func(s *Stats) { s.Running++ })

	localTask, err := m.resolveTask(ctx, req.TaskID, req.ArtifactSpec)
	if err != nil {
		m.bumpStat(func(s *Stats) { s.Running--; s.Failures++ })
		reply <- m.fail(req.ExecutionID, req.TaskID, "", err)
		return
	}

	instanceID, err := m.obtainInstance(ctx, localTask)
	if err != nil {
		m.bumpStat(func(s *Stats) { s.Running--; s.Failures++ })
		reply <- m.fail(req.ExecutionID, req.TaskID, localTask.ArtifactID, err)
		return
	}

	rt, err := m.runtimes.Get(localTask.RuntimeType)
	if err != nil {
		m.bumpStat(func(s *Stats) { s.Running--; s.Failures++ })
		reply <- m.fail(req.ExecutionID, req.TaskID, localTask.ArtifactID, NewError(RuntimeError, "%v", err))
		return
	}

	start := time.Now()
	resp, execErr := rt.Execute(ctx, instanceID, runtime.ExecutionContext{
		ExecutionID:  req.ExecutionID,
		Payload:      req.Payload,
		TimeoutMS:    req.TimeoutMS,
		ExecutionMode: req.ExecutionMode,
		Wait:         req.Wait,
		FunctionName: req.FunctionName,
	})
	duration := time.Since(start)
	metrics.ExecutionDuration.Observe(duration.Seconds())

	if rec, ok := m.instanceRecord(instanceID); ok {
		rec.touch(nowMS())
	}

	result := &Execution{
		ExecutionID: req.ExecutionID,
		TaskID:      req.TaskID,
		ArtifactID:  localTask.ArtifactID,
		StartedAt:   nowMS() - duration.Milliseconds(),
		CompletedAt: nowMS(),
		DurationMS:  duration.Milliseconds(),
	}

	if execErr != nil {
		result.Status = runtime.Failed
		result.ErrorMessage = execErr.Error()
	} else {
		result.Status = resp.ExecutionStatus
		result.Data = resp.Data
		if resp.Err != nil {
			result.ErrorMessage = resp.Err.Message
		}
	}

	m.mu.Lock()
	m.executions[req.ExecutionID] = result
	m.mu.Unlock()

	final := result.Status == runtime.Completed || result.Status == runtime.Failed || result.Status == runtime.TimedOut
	if final {
		metrics.ExecutionsTotal.WithLabelValues(string(result.Status)).Inc()
		success := result.Status == runtime.Completed
		m.bumpStat(func(s *Stats) {
			s.Running--
			s.Completed++
			s.TotalDurationMS += result.DurationMS
			if success {
				s.Successes++
			} else {
				s.Failures++
			}
		})

		resultStatus := "success"
		if !success {
			resultStatus = "failed"
		}
		if _, err := m.sms.UpdateTaskResult(ctx, req.TaskID, "", resultStatus, result.CompletedAt, map[string]string{
			"execution_time_ms": fmt.Sprintf("%d", result.DurationMS),
			"execution_id":      req.ExecutionID,
		}); err != nil {
			temLog.Warn().Err(err).Str("task_id", req.TaskID).Msg("failed to publish task result to SMS")
		}
	}

	reply <- result
}

func (m *Manager) fail(executionID, taskID, artifactID string, err error) *Execution {
	metrics.ExecutionsTotal.WithLabelValues(string(runtime.Failed)).Inc()
	return &Execution{
		ExecutionID:  executionID,
		TaskID:       taskID,
		ArtifactID:   artifactID,
		Status:       runtime.Failed,
		ErrorMessage: err.Error(),
		CompletedAt:  nowMS(),
	}
}

func (m *Manager) setExecutionStatus(executionID string, status runtime.ExecutionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.executions[executionID]; ok {
		e.Status = status
	}
}

func (m *Manager) bumpStat(f func(*Stats)) {
	m.stats.mu.Lock()
	f(&m.stats.s)
	m.stats.mu.Unlock()
}

// Stats returns a snapshot of the running totals.
func (m *Manager) Stats() Stats {
	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	return m.stats.s
}

// GetExecution returns the last known state of executionID.
func (m *Manager) GetExecution(executionID string) (*Execution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	return e, ok
}

// CancelExecution marks a non-final execution as Cancelled. The runtime
// call already inflight for executionID, if any, is not interrupted: the
// Runtime interface has no cancellation hook, so this is bookkeeping only,
// reflected the next time a caller polls GetExecution.
func (m *Manager) CancelExecution(executionID, reason string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return nil, NewError(TaskNotFound, "execution %s not found", executionID)
	}
	switch e.Status {
	case runtime.Completed, runtime.Failed, runtime.TimedOut, runtime.Cancelled:
		return e, nil
	}
	e.Status = runtime.Cancelled
	e.ErrorMessage = reason
	e.CompletedAt = nowMS()
	return e, nil
}

func (m *Manager) instanceRecord(instanceID string) (*instanceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.instances[instanceID]
	return r, ok
}

// resolveTask returns the TEM's local cache entry for taskID, fetching and
// materializing it from SMS (ensure_task_available_from_sms) when absent.
func (m *Manager) resolveTask(ctx context.Context, taskID string, spec *ArtifactSpec) (*LocalTask, error) {
	m.mu.Lock()
	lt, ok := m.localTasks[taskID]
	m.mu.Unlock()
	if ok {
		lt.mu.Lock()
		lt.LastUsedAt = nowMS()
		lt.mu.Unlock()
		return lt, nil
	}

	remote, err := m.sms.GetTask(taskID)
	if err != nil {
		if spec == nil {
			return nil, NewError(TaskNotFound, "task %s not found locally or in SMS: %v", taskID, err)
		}
		return m.ensureTaskFromSpec(ctx, taskID, spec)
	}
	return m.ensureTaskFromSMS(ctx, remote)
}

func runtimeTypeFor(kind tasks.ExecutableKind) runtime.Type {
	switch kind {
	case tasks.Wasm:
		return runtime.Wasm
	case tasks.Container:
		return runtime.Kubernetes
	default:
		return runtime.Process
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ensureArtifact returns the Artifact for (checksum-or-derived-id, location,
// runtimeType), creating it if absent, enforcing max_artifacts.
func (m *Manager) ensureArtifact(location, checksum string, runtimeType runtime.Type) (*Artifact, error) {
	artifactID := checksum
	if artifactID == "" && location != "" {
		artifactID = sha256Hex(location)
	}
	if artifactID == "" {
		artifactID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.artifacts[artifactID]; ok {
		a.LastUsedAt = nowMS()
		return a, nil
	}
	if len(m.artifacts) >= m.cfg.MaxArtifacts {
		return nil, NewError(ResourceExhausted, "max_artifacts (%d) reached", m.cfg.MaxArtifacts)
	}
	a := &Artifact{
		ArtifactID:     artifactID,
		Location:       location,
		ChecksumSHA256: checksum,
		RuntimeType:    runtimeType,
		CreatedAt:      nowMS(),
		LastUsedAt:     nowMS(),
	}
	m.artifacts[artifactID] = a
	return a, nil
}

func (m *Manager) ensureTaskFromSpec(ctx context.Context, taskID string, spec *ArtifactSpec) (*LocalTask, error) {
	runtimeType := runtimeTypeFor(spec.ExecutableKind)
	artifact, err := m.ensureArtifact(spec.Location, spec.ChecksumSHA256, runtimeType)
	if err != nil {
		return nil, err
	}
	if artifact.taskCount() >= m.cfg.MaxTasksPerArtifact {
		return nil, NewError(ResourceExhausted, "max_tasks_per_artifact (%d) reached for artifact %s", m.cfg.MaxTasksPerArtifact, artifact.ArtifactID)
	}
	artifact.addTask(taskID)

	lt := &LocalTask{
		TaskID:            taskID,
		ArtifactID:        artifact.ArtifactID,
		RuntimeType:       runtimeType,
		ExecutionKind:     tasks.ShortRunning,
		MaxInstances:      m.cfg.MaxInstancesPerTask,
		CreationTimeoutMS: m.cfg.InstanceCreationTimeoutMS,
		HealthCheck:       HealthCheckConfig{IntervalMS: m.cfg.HealthCheckInterval.Milliseconds(), FailureThreshold: 3},
		CreatedAt:         nowMS(),
		LastUsedAt:        nowMS(),
		active:            true,
	}
	m.mu.Lock()
	m.localTasks[taskID] = lt
	m.mu.Unlock()
	return lt, nil
}

// ensureTaskFromSMS materializes a LocalTask from an SMS Task record,
// deriving runtime type from the executable kind. The executable's Env is
// not copied: LocalTask.Env, and the InstanceConfig.Env built from it, stay
// empty.
func (m *Manager) ensureTaskFromSMS(ctx context.Context, t *tasks.Task) (*LocalTask, error) {
	return m.ensureTaskFromSpec(ctx, t.TaskID, &ArtifactSpec{
		ChecksumSHA256: t.Executable.ChecksumSHA256,
		Location:       t.Executable.URI,
		ExecutableKind: t.Executable.Kind,
	})
}

// obtainInstance selects a Ready/Running instance via the scheduler or
// creates one, enforcing max_instances_per_task.
func (m *Manager) obtainInstance(ctx context.Context, lt *LocalTask) (string, error) {
	if inst, ok := m.scheduler.SelectInstance(lt.TaskID); ok {
		return inst.ID, nil
	}

	if lt.instanceCount() >= lt.MaxInstances {
		return "", NewError(ResourceExhausted, "max_instances_per_task (%d) reached for task %s", lt.MaxInstances, lt.TaskID)
	}

	rt, err := m.runtimes.Get(lt.RuntimeType)
	if err != nil {
		return "", NewError(RuntimeError, "%v", err)
	}

	m.mu.Lock()
	artifact := m.artifacts[lt.ArtifactID]
	m.mu.Unlock()
	if artifact == nil {
		return "", NewError(Internal, "artifact %s missing from table", lt.ArtifactID)
	}

	createCtx, cancel := context.WithTimeout(ctx, time.Duration(lt.CreationTimeoutMS)*time.Millisecond)
	defer cancel()

	instanceID, err := rt.CreateInstance(createCtx, runtime.InstanceConfig{
		TaskID:           lt.TaskID,
		ArtifactID:       artifact.ArtifactID,
		RuntimeType:      lt.RuntimeType,
		ArtifactLocation: artifact.Location,
		ArtifactChecksum: artifact.ChecksumSHA256,
		Env:              lt.Env,
	})
	if err != nil {
		if createCtx.Err() == context.DeadlineExceeded {
			return "", NewError(RuntimeError, "instance creation timed out after %dms", lt.CreationTimeoutMS)
		}
		return "", NewError(RuntimeError, "create_instance: %v", err)
	}
	if err := rt.StartInstance(createCtx, instanceID); err != nil {
		return "", NewError(RuntimeError, "start_instance: %v", err)
	}

	rec := &instanceRecord{
		InstanceID:  instanceID,
		TaskID:      lt.TaskID,
		RuntimeType: lt.RuntimeType,
		CreatedAt:   nowMS(),
		lastUsedAt:  nowMS(),
		status:      runtime.Ready,
	}
	m.mu.Lock()
	m.instances[instanceID] = rec
	m.mu.Unlock()
	lt.addInstance(instanceID)

	m.scheduler.AddInstance(&instscheduler.Instance{
		ID:     instanceID,
		TaskID: lt.TaskID,
		Status: rec.getStatus,
	})
	metrics.InstancesTotal.WithLabelValues(string(lt.RuntimeType), string(runtime.Ready)).Inc()

	if _, err := m.sms.UpdateTaskStatus(ctx, lt.TaskID, tasks.Active, "instance created"); err != nil {
		temLog.Warn().Err(err).Str("task_id", lt.TaskID).Msg("failed to publish Active status to SMS")
	}

	return instanceID, nil
}

func (m *Manager) stopInstanceByID(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	rec, ok := m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	rt, err := m.runtimes.Get(rec.RuntimeType)
	if err != nil {
		return err
	}
	if err := rt.StopInstance(ctx, instanceID); err != nil {
		return err
	}
	_ = rt.CleanupInstance(ctx, instanceID)
	rec.setStatus(runtime.Stopped)

	m.scheduler.RemoveInstance(rec.TaskID, instanceID)
	m.mu.Lock()
	delete(m.instances, instanceID)
	m.mu.Unlock()

	m.mu.Lock()
	lt := m.localTasks[rec.TaskID]
	m.mu.Unlock()
	if lt == nil {
		return nil
	}
	if remaining := lt.removeInstance(instanceID); remaining == 0 {
		if _, err := m.sms.UpdateTaskStatus(ctx, rec.TaskID, tasks.Inactive, "no running instances"); err != nil {
			temLog.Warn().Err(err).Str("task_id", rec.TaskID).Msg("failed to publish Inactive status to SMS")
		}
	}
	return nil
}
