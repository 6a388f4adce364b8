// Package instscheduler tracks instances registered for a task and selects
// one to serve a request under a pluggable policy, default Round-Robin.
package instscheduler

import (
	"sync"

	"github.com/lfedgeai/spear/pkg/runtime"
)

// Status is the minimal liveness view the scheduler needs to decide whether
// an instance is selectable.
type Status = runtime.InstanceStatus

// Instance is one runtime-hosted instance registered under a task.
type Instance struct {
	ID     string
	TaskID string
	Status func() Status
}

func selectable(status Status) bool {
	return status == runtime.Ready || status == runtime.InstanceRunning
}

// Scheduler tracks instances per task_id and selects one under a policy.
// Default policy is Round-Robin across selectable (Ready/Running) instances,
// per spec.md §4.9; Unhealthy/Stopping/Stopped instances are skipped.
type Scheduler struct {
	mu        sync.Mutex
	byTask    map[string][]*Instance
	cursor    map[string]int
}

func New() *Scheduler {
	return &Scheduler{
		byTask: make(map[string][]*Instance),
		cursor: make(map[string]int),
	}
}

// AddInstance registers inst under its TaskID.
func (s *Scheduler) AddInstance(inst *Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTask[inst.TaskID] = append(s.byTask[inst.TaskID], inst)
}

// RemoveInstance unregisters the instance with the given id from taskID.
func (s *Scheduler) RemoveInstance(taskID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instances := s.byTask[taskID]
	for i, inst := range instances {
		if inst.ID == id {
			s.byTask[taskID] = append(instances[:i], instances[i+1:]...)
			break
		}
	}
	if len(s.byTask[taskID]) == 0 {
		delete(s.byTask, taskID)
		delete(s.cursor, taskID)
	}
}

// InstancesForTask returns the instances currently registered for taskID.
func (s *Scheduler) InstancesForTask(taskID string) []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Instance, len(s.byTask[taskID]))
	copy(out, s.byTask[taskID])
	return out
}

// SelectInstance returns the next selectable instance for taskID under
// Round-Robin, or (nil, false) when none is available — the TEM takes this
// as a signal to create a new instance, subject to its limits.
func (s *Scheduler) SelectInstance(taskID string) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instances := s.byTask[taskID]
	n := len(instances)
	if n == 0 {
		return nil, false
	}

	start := s.cursor[taskID]
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		inst := instances[idx]
		if selectable(inst.Status()) {
			s.cursor[taskID] = (idx + 1) % n
			return inst, true
		}
	}
	return nil, false
}
