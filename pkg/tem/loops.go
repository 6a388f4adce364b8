package tem

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lfedgeai/spear/pkg/metrics"
	"github.com/lfedgeai/spear/pkg/runtime"
	"github.com/lfedgeai/spear/pkg/tasks"
)

// healthLoop polls every instance's runtime.HealthCheck on its own ticker
// and cascades repeated failures into a stop, per spec.md §4.10.
func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runHealthChecks()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) runHealthChecks() {
	ctx := context.Background()

	m.mu.Lock()
	instanceIDs := make([]string, 0, len(m.instances))
	for id := range m.instances {
		instanceIDs = append(instanceIDs, id)
	}
	m.mu.Unlock()

	for _, instanceID := range instanceIDs {
		rec, ok := m.instanceRecord(instanceID)
		if !ok {
			continue
		}
		rt, err := m.runtimes.Get(rec.RuntimeType)
		if err != nil {
			continue
		}

		healthy, err := rt.HealthCheck(ctx, instanceID)
		if err == nil && healthy {
			m.mu.Lock()
			delete(m.healthFails, instanceID)
			m.mu.Unlock()
			continue
		}

		rec.setStatus(runtime.Unhealthy)

		m.mu.Lock()
		m.healthFails[instanceID]++
		fails := m.healthFails[instanceID]
		lt := m.localTasks[rec.TaskID]
		m.mu.Unlock()

		threshold := 3
		if lt != nil && lt.HealthCheck.FailureThreshold > 0 {
			threshold = lt.HealthCheck.FailureThreshold
		}
		if fails < threshold {
			continue
		}

		temLog.Warn().Str("instance_id", instanceID).Str("task_id", rec.TaskID).Int("failures", fails).Msg("instance failed health check threshold, stopping")
		if err := m.stopInstanceByID(ctx, instanceID); err != nil {
			temLog.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to stop unhealthy instance")
		}
		if lt != nil {
			lt.markErrored()
		}
		m.mu.Lock()
		delete(m.healthFails, instanceID)
		m.mu.Unlock()
	}
}

// metricsLoop polls runtime.GetMetrics for observability only; it never
// mutates TEM state.
func (m *Manager) metricsLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.pollMetrics()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) pollMetrics() {
	ctx := context.Background()

	m.mu.Lock()
	instanceIDs := make([]string, 0, len(m.instances))
	for id := range m.instances {
		instanceIDs = append(instanceIDs, id)
	}
	m.mu.Unlock()

	for _, instanceID := range instanceIDs {
		rec, ok := m.instanceRecord(instanceID)
		if !ok {
			continue
		}
		rt, err := m.runtimes.Get(rec.RuntimeType)
		if err != nil {
			continue
		}
		metricsSnapshot, err := rt.GetMetrics(ctx, instanceID)
		if err != nil {
			continue
		}
		temLog.Debug().
			Str("instance_id", instanceID).
			Int64("executions_total", metricsSnapshot.ExecutionsTotal).
			Int64("executions_failed", metricsSnapshot.ExecutionsFailed).
			Msg("instance metrics")
	}
}

// cleanupLoop stops idle instances and evicts idle tasks/artifacts/
// completed executions, per spec.md §4.10.
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}

// startGCCron schedules runCleanup on m.cfg.GCCronSchedule, a coarser pass
// alongside cleanupLoop's plain ticker — a cron expression lets operators
// pin the sweep to an off-peak window instead of a pure fixed interval.
// A malformed schedule is logged and disables the cron pass; the
// ticker-driven cleanupLoop still runs regardless.
func (m *Manager) startGCCron() {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(m.cfg.GCCronSchedule, func() {
		temLog.Debug().Str("schedule", m.cfg.GCCronSchedule).Msg("cron-scheduled GC pass")
		m.runCleanup()
	}); err != nil {
		temLog.Error().Err(err).Str("schedule", m.cfg.GCCronSchedule).Msg("invalid gc_cron_schedule, cron-scheduled GC pass disabled")
		return
	}
	c.Start()
	m.gcCron = c
}

func (m *Manager) runCleanup() {
	ctx := context.Background()
	now := time.Now()

	m.cleanupIdleInstances(ctx, now)
	m.cleanupIdleTasks(ctx, now)
	m.cleanupIdleArtifacts(now)
	m.cleanupOldExecutions(now)
}

func (m *Manager) cleanupIdleInstances(ctx context.Context, now time.Time) {
	m.mu.Lock()
	instanceIDs := make([]string, 0, len(m.instances))
	for id := range m.instances {
		instanceIDs = append(instanceIDs, id)
	}
	m.mu.Unlock()

	cutoff := now.Add(-m.cfg.InstanceIdleTimeout).UnixMilli()
	for _, instanceID := range instanceIDs {
		rec, ok := m.instanceRecord(instanceID)
		if !ok || rec.idleSince() > cutoff {
			continue
		}
		if err := m.stopInstanceByID(ctx, instanceID); err != nil {
			temLog.Warn().Err(err).Str("instance_id", instanceID).Msg("cleanup: failed to stop idle instance")
			continue
		}
		metrics.TEMCleanupEvictionsTotal.WithLabelValues("instance").Inc()
	}
}

func (m *Manager) cleanupIdleTasks(ctx context.Context, now time.Time) {
	cutoff := now.Add(-m.cfg.TaskIdleTimeout).UnixMilli()

	m.mu.Lock()
	taskIDs := make([]string, 0, len(m.localTasks))
	for id := range m.localTasks {
		taskIDs = append(taskIDs, id)
	}
	m.mu.Unlock()

	for _, taskID := range taskIDs {
		m.mu.Lock()
		lt := m.localTasks[taskID]
		m.mu.Unlock()
		if lt == nil {
			continue
		}
		lt.mu.Lock()
		idle := lt.LastUsedAt < cutoff
		lt.mu.Unlock()
		if lt.instanceCount() > 0 || !idle {
			continue
		}
		// spec.md §9: a LongRunning task is exempt from idle eviction
		// unless it has transitioned to Error — a temporary drop to zero
		// instances is expected for this execution kind, not a signal
		// the task should be unregistered.
		if lt.ExecutionKind == tasks.LongRunning && !lt.hasErrored() {
			continue
		}

		m.mu.Lock()
		if artifact, ok := m.artifacts[lt.ArtifactID]; ok {
			artifact.removeTask(taskID)
		}
		delete(m.localTasks, taskID)
		m.mu.Unlock()

		if _, err := m.sms.UpdateTaskStatus(ctx, taskID, tasks.Unregistered, "idle beyond task_idle_timeout"); err != nil {
			temLog.Warn().Err(err).Str("task_id", taskID).Msg("cleanup: failed to publish Unregistered status")
		}
		metrics.TEMCleanupEvictionsTotal.WithLabelValues("task").Inc()
	}
}

func (m *Manager) cleanupIdleArtifacts(now time.Time) {
	cutoff := now.Add(-m.cfg.ArtifactIdleTimeout).UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, artifact := range m.artifacts {
		if artifact.taskCount() > 0 || artifact.LastUsedAt > cutoff {
			continue
		}
		delete(m.artifacts, id)
		metrics.TEMCleanupEvictionsTotal.WithLabelValues("artifact").Inc()
	}
}

func (m *Manager) cleanupOldExecutions(now time.Time) {
	cutoff := now.Add(-m.cfg.TaskIdleTimeout).UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, exec := range m.executions {
		final := exec.Status == runtime.Completed || exec.Status == runtime.Failed || exec.Status == runtime.TimedOut
		if !final || exec.CompletedAt > cutoff {
			continue
		}
		delete(m.executions, id)
		metrics.TEMCleanupEvictionsTotal.WithLabelValues("execution").Inc()
	}
}
