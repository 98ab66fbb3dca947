package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgeops/pipeforge/internal/config"
	"github.com/forgeops/pipeforge/internal/task"
)

// Driver re-invokes the coordinator for a task.
type Driver interface {
	Orchestrate(ctx context.Context, taskID string) error
}

// Processor periodically sweeps failed tasks and re-drives the ones that
// have retry budget left. Attempt spacing is exponential, so a task that
// keeps failing is retried less and less often until the attempt cap is
// reached and it stays failed.
type Processor struct {
	repo   task.Repository
	driver Driver
	env    *config.OrchestratorEnv
	logger *slog.Logger
}

func NewProcessor(repo task.Repository, driver Driver, env *config.OrchestratorEnv, logger *slog.Logger) *Processor {
	return &Processor{repo: repo, driver: driver, env: env, logger: logger}
}

// Run sweeps on a fixed interval until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.env.RetryInterval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "retry processor started",
		slog.Duration("interval", p.env.RetryInterval),
	)
	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "retry processor stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Processor) sweep(ctx context.Context) {
	tasks, err := p.repo.FindByStatus(ctx, task.StatusFailed)
	if err != nil {
		p.logger.ErrorContext(ctx, "retry sweep failed", slog.Any("error", err))
		return
	}

	for _, t := range tasks {
		if err := p.retryTask(ctx, t); err != nil {
			p.logger.ErrorContext(ctx, "retry failed for task",
				slog.String("task_id", t.ID),
				slog.Any("error", err),
			)
		}
	}
}

// retryTask re-opens one failed task if its failed step has attempts left
// and enough time has passed since the last attempt.
func (p *Processor) retryTask(ctx context.Context, t *task.Task) error {
	o := t.Orchestration
	if o == nil {
		return nil
	}
	name, ok := o.LastFailedPhase()
	if !ok {
		return nil
	}
	step, ok := o.Step(name)
	if !ok {
		return nil
	}
	if step.Attempts >= p.env.MaxRetryAttempts {
		// Retry budget exhausted; the task stays failed for a human.
		return nil
	}
	if time.Since(t.UpdatedAt) < attemptDelay(step.Attempts) {
		return nil
	}

	p.logger.InfoContext(ctx, "retrying failed phase",
		slog.String("task_id", t.ID),
		slog.String("phase", name),
		slog.Int("attempts", step.Attempts),
	)
	step.Status = task.PhaseStatusPending
	step.Error = ""
	o.CurrentPhase = name
	for i := range o.Team {
		if o.Team[i].Status == task.StoryStatusFailed {
			o.Team[i].Status = task.StoryStatusPending
		}
	}
	t.Status = task.StatusInProgress
	t.Touch()
	if err := p.repo.Update(ctx, t); err != nil {
		return err
	}
	return p.driver.Orchestrate(ctx, t.ID)
}

// attemptDelay returns the exponential spacing before attempt n+1.
func attemptDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.MaxInterval = 15 * time.Minute
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
