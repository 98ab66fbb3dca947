package recovery

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/forgeops/pipeforge/internal/task"
	"github.com/forgeops/pipeforge/pkg/panicerr"
)

// Driver re-invokes the coordinator for a task.
type Driver interface {
	Orchestrate(ctx context.Context, taskID string) error
}

// Service resumes tasks interrupted by a process crash. It reconstructs the
// resumption point purely from persisted state; nothing in memory is assumed
// to have survived the restart.
type Service struct {
	repo   task.Repository
	driver Driver
	logger *slog.Logger
}

func NewService(repo task.Repository, driver Driver, logger *slog.Logger) *Service {
	return &Service{repo: repo, driver: driver, logger: logger}
}

// Start launches the recovery scan in the background. Server startup never
// waits for recovery to finish.
func (s *Service) Start(ctx context.Context) {
	go func() {
		if err := panicerr.SafeContext(s.Run)(ctx); err != nil {
			s.logger.ErrorContext(ctx, "recovery run failed", slog.Any("error", err))
		}
	}()
}

// Run scans once for in_progress tasks with no active coordinator and
// re-drives each. Per-task failures are logged and skipped; they never
// abort recovery for the remaining tasks.
func (s *Service) Run(ctx context.Context) error {
	tasks, err := s.repo.FindByStatus(ctx, task.StatusInProgress)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	s.logger.InfoContext(ctx, "recovering interrupted tasks", slog.Int("count", len(tasks)))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, t := range tasks {
		taskID := t.ID
		g.Go(func() error {
			if err := s.driver.Orchestrate(ctx, taskID); err != nil {
				s.logger.ErrorContext(ctx, "recovery failed for task",
					slog.String("task_id", taskID),
					slog.Any("error", err),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// ResumeFailed re-opens one failed task, re-deriving the phase to retry
// from the last failed step rather than currentPhase, which may lag behind
// the step that actually failed.
func (s *Service) ResumeFailed(ctx context.Context, taskID string) error {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusFailed || t.Orchestration == nil {
		return nil
	}
	o := t.Orchestration
	if name, ok := o.LastFailedPhase(); ok {
		if step, ok := o.Step(name); ok {
			step.Status = task.PhaseStatusPending
			step.Error = ""
		}
		o.CurrentPhase = name
	}
	t.Status = task.StatusInProgress
	t.Touch()
	if err := s.repo.Update(ctx, t); err != nil {
		return err
	}
	return s.driver.Orchestrate(ctx, taskID)
}
