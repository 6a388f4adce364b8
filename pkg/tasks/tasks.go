// Package tasks implements the SMS Task Service (spec component C5): the
// task definition catalog keyed by task_id, with publish-on-mutate wiring
// into the task event bus.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lfedgeai/spear/pkg/eventbus"
	"github.com/lfedgeai/spear/pkg/kv"
	"github.com/lfedgeai/spear/pkg/log"
	"github.com/lfedgeai/spear/pkg/metrics"
)

var ErrNotFound = errors.New("tasks: task not found")

var tasksLog = log.WithComponent("tasks")

type Status string

const (
	Registered Status = "registered"
	Active     Status = "active"
	Inactive   Status = "inactive"
	Unregistered Status = "unregistered"
)

type Priority string

const (
	PriorityUnknown Priority = "unknown"
	PriorityLow     Priority = "low"
	PriorityNormal  Priority = "normal"
	PriorityHigh    Priority = "high"
	PriorityUrgent  Priority = "urgent"
)

type ExecutionKind string

const (
	ShortRunning ExecutionKind = "short_running"
	LongRunning  ExecutionKind = "long_running"
)

type ExecutableKind string

const (
	Binary    ExecutableKind = "binary"
	Script    ExecutableKind = "script"
	Container ExecutableKind = "container"
	Wasm      ExecutableKind = "wasm"
	Process   ExecutableKind = "process"
)

// Executable describes the artifact a task invokes.
type Executable struct {
	Kind           ExecutableKind `json:"kind"`
	URI            string         `json:"uri"`
	ChecksumSHA256 string         `json:"checksum_sha256,omitempty"`
	Args           []string       `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// Task is one entry in the SMS task catalog.
type Task struct {
	TaskID        string            `json:"task_id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Status        Status            `json:"status"`
	Priority      Priority          `json:"priority"`
	NodeUUID      string            `json:"node_uuid"`
	Endpoint      string            `json:"endpoint,omitempty"`
	Version       string            `json:"version,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Executable    Executable        `json:"executable"`
	ExecutionKind ExecutionKind     `json:"execution_kind"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Config        map[string]string `json:"config,omitempty"`

	ResultURIs       []string          `json:"result_uris,omitempty"`
	LastResultURI    string            `json:"last_result_uri,omitempty"`
	LastResultStatus string            `json:"last_result_status,omitempty"`
	CompletedAt      int64             `json:"completed_at,omitempty"`
	ResultMetadata   map[string]string `json:"result_metadata,omitempty"`

	StatusVersion uint64 `json:"status_version"`
}

// deduceExecutionKind guesses execution_kind from metadata/config when the
// caller leaves it unset, per spec.md's "ExecutionKind deduced from
// metadata/config if not provided" invariant.
func deduceExecutionKind(t *Task) {
	if t.ExecutionKind != "" {
		return
	}
	if v, ok := t.Metadata["execution_kind"]; ok && v == string(LongRunning) {
		t.ExecutionKind = LongRunning
		return
	}
	if v, ok := t.Config["execution_kind"]; ok && v == string(LongRunning) {
		t.ExecutionKind = LongRunning
		return
	}
	t.ExecutionKind = ShortRunning
}

// Filters narrows ListTasksWithFilters.
type Filters struct {
	NodeUUID string
	Status   Status
	Priority Priority
	Limit    int
	Offset   int
}

// Service is the task catalog, guarded by a single service-wide lock per
// spec.md §4.5's "applied by read-modify-write under a service-wide lock".
type Service struct {
	mu      sync.Mutex
	byID    map[string]*Task
	store   kv.Store
	bus     *eventbus.Bus
}

func New(ctx context.Context, store kv.Store, bus *eventbus.Bus) (*Service, error) {
	s := &Service{
		byID:  make(map[string]*Task),
		store: store,
		bus:   bus,
	}
	pairs, err := s.store.ScanPrefix(ctx, "task:")
	if err != nil {
		return nil, fmt.Errorf("tasks: load: %w", err)
	}
	for _, p := range pairs {
		var t Task
		if err := json.Unmarshal(p.Value, &t); err != nil {
			tasksLog.Warn().Err(err).Str("key", p.Key).Msg("skipping corrupt task record")
			continue
		}
		s.byID[t.TaskID] = &t
	}
	return s, nil
}

func (s *Service) persist(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("tasks: marshal: %w", err)
	}
	return s.store.Put(ctx, kv.TaskKey(t.TaskID), data)
}

// RegisterTask upserts task. Registering an existing task_id replaces the
// stored record, bumps StatusVersion and publishes an Update event;
// UpdateTaskStatus and UpdateTaskResult persist their changes directly.
func (s *Service) RegisterTask(ctx context.Context, t Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Status == "" {
		t.Status = Registered
	}
	if t.Priority == "" {
		t.Priority = PriorityUnknown
	}
	deduceExecutionKind(&t)

	existing, isUpdate := s.byID[t.TaskID]
	if isUpdate {
		t.StatusVersion = existing.StatusVersion + 1
	} else {
		t.StatusVersion = 1
	}

	if err := s.persist(ctx, &t); err != nil {
		return nil, err
	}
	s.byID[t.TaskID] = &t
	metrics.TasksRegisteredTotal.Inc()

	if s.bus != nil {
		var err error
		if isUpdate {
			_, err = s.bus.PublishUpdate(ctx, t.NodeUUID, t.TaskID, &t)
		} else {
			_, err = s.bus.PublishCreate(ctx, t.NodeUUID, t.TaskID, &t)
		}
		if err != nil {
			return nil, fmt.Errorf("tasks: publish event: %w", err)
		}
	}
	return &t, nil
}

// RemoveTask deletes task_id and publishes a Delete event.
func (s *Service) RemoveTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	t, ok := s.byID[taskID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.byID, taskID)
	s.mu.Unlock()

	if _, err := s.store.Delete(ctx, kv.TaskKey(taskID)); err != nil {
		return fmt.Errorf("tasks: delete: %w", err)
	}
	if s.bus != nil {
		if _, err := s.bus.PublishDelete(ctx, t.NodeUUID, taskID); err != nil {
			return fmt.Errorf("tasks: publish event: %w", err)
		}
	}
	return nil
}

func (s *Service) GetTask(taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Service) ListTasks() []*Task {
	return s.ListTasksWithFilters(Filters{})
}

// ListTasksWithFilters applies NodeUUID/Status/Priority filters plus
// Limit/Offset pagination, in task_id order.
func (s *Service) ListTasksWithFilters(f Filters) []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Task
	for _, t := range s.byID {
		if f.NodeUUID != "" && t.NodeUUID != f.NodeUUID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Priority != "" && t.Priority != f.Priority {
			continue
		}
		cp := *t
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].TaskID < matched[j].TaskID })

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched
}

// UpdateTaskStatus applies a status transition via read-modify-write and
// publishes the resulting snapshot.
func (s *Service) UpdateTaskStatus(ctx context.Context, taskID string, status Status, reason string) (*Task, error) {
	s.mu.Lock()
	t, ok := s.byID[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	updated := *t
	updated.Status = status
	updated.StatusVersion++
	if err := s.persist(ctx, &updated); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.byID[taskID] = &updated
	s.mu.Unlock()

	tasksLog.Info().Str("task_id", taskID).Str("status", string(status)).Str("reason", reason).Msg("task status updated")
	if s.bus != nil {
		if _, err := s.bus.PublishUpdate(ctx, updated.NodeUUID, taskID, &updated); err != nil {
			return nil, fmt.Errorf("tasks: publish event: %w", err)
		}
	}
	return &updated, nil
}

// UpdateTaskResult records a completed invocation's result and publishes the
// resulting snapshot.
func (s *Service) UpdateTaskResult(ctx context.Context, taskID, resultURI, resultStatus string, completedAt int64, metadata map[string]string) (*Task, error) {
	s.mu.Lock()
	t, ok := s.byID[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	updated := *t
	updated.ResultURIs = append(append([]string{}, t.ResultURIs...), resultURI)
	updated.LastResultURI = resultURI
	updated.LastResultStatus = resultStatus
	updated.CompletedAt = completedAt
	updated.ResultMetadata = metadata
	updated.StatusVersion++
	if err := s.persist(ctx, &updated); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.byID[taskID] = &updated
	s.mu.Unlock()

	if s.bus != nil {
		if _, err := s.bus.PublishUpdate(ctx, updated.NodeUUID, taskID, &updated); err != nil {
			return nil, fmt.Errorf("tasks: publish event: %w", err)
		}
	}
	return &updated, nil
}
