package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeops/pipeforge/internal/config"
	"github.com/forgeops/pipeforge/internal/task"
)

// Driver re-invokes the coordinator for a task.
type Driver interface {
	Orchestrate(ctx context.Context, taskID string) error
}

// ActiveChecker reports whether a coordinator currently drives a task.
type ActiveChecker interface {
	IsActive(taskID string) bool
}

// Monitor sweeps for tasks stuck in_progress with no state change beyond the
// staleness threshold and re-drives them. A task that keeps failing recovery
// is forced to failed with a diagnostic note.
type Monitor struct {
	repo   task.Repository
	driver Driver
	active ActiveChecker
	env    *config.OrchestratorEnv
	logger *slog.Logger

	mu         sync.Mutex
	recoveries map[string]int
}

func NewMonitor(repo task.Repository, driver Driver, active ActiveChecker, env *config.OrchestratorEnv, logger *slog.Logger) *Monitor {
	return &Monitor{
		repo:       repo,
		driver:     driver,
		active:     active,
		env:        env,
		logger:     logger,
		recoveries: make(map[string]int),
	}
}

// Run sweeps on a fixed interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.env.HealthInterval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "health monitor started",
		slog.Duration("interval", m.env.HealthInterval),
		slog.Duration("stale_threshold", m.env.StaleThreshold),
	)
	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "health monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	olderThan := time.Now().Add(-m.env.StaleThreshold)
	tasks, err := m.repo.FindStale(ctx, task.StatusInProgress, olderThan)
	if err != nil {
		m.logger.ErrorContext(ctx, "health sweep failed", slog.Any("error", err))
		return
	}

	for _, t := range tasks {
		if m.active.IsActive(t.ID) {
			// A coordinator is driving it; stale timestamps just mean a
			// long-running phase.
			continue
		}
		m.recover(ctx, t)
	}
}

func (m *Monitor) recover(ctx context.Context, t *task.Task) {
	m.mu.Lock()
	m.recoveries[t.ID]++
	attempts := m.recoveries[t.ID]
	m.mu.Unlock()

	if attempts > m.env.MaxRecoveries {
		m.forceFail(ctx, t, attempts)
		return
	}

	m.logger.WarnContext(ctx, "stale task detected, re-driving",
		slog.String("task_id", t.ID),
		slog.Int("recovery_attempt", attempts),
	)
	if err := m.driver.Orchestrate(ctx, t.ID); err != nil {
		m.logger.ErrorContext(ctx, "stale task recovery failed",
			slog.String("task_id", t.ID),
			slog.Any("error", err),
		)
	}
}

// forceFail marks a repeatedly unrecoverable task as failed with a
// diagnostic note on the current phase step.
func (m *Monitor) forceFail(ctx context.Context, t *task.Task, attempts int) {
	note := fmt.Sprintf("health monitor: forced failure after %d recovery attempts with no state change", attempts)
	if o := t.Orchestration; o != nil {
		if step, ok := o.Step(o.CurrentPhase); ok {
			step.Status = task.PhaseStatusFailed
			step.Error = note
		}
	}
	t.Status = task.StatusFailed
	t.Touch()
	if err := m.repo.Update(ctx, t); err != nil {
		m.logger.ErrorContext(ctx, "failed to force-fail stale task",
			slog.String("task_id", t.ID),
			slog.Any("error", err),
		)
		return
	}
	m.logger.ErrorContext(ctx, "stale task forced to failed",
		slog.String("task_id", t.ID),
		slog.String("note", note),
	)

	m.mu.Lock()
	delete(m.recoveries, t.ID)
	m.mu.Unlock()
}
