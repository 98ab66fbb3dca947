package checkpoint

import (
	"context"
	"log/slog"

	"github.com/forgeops/pipeforge/internal/phase"
	"github.com/forgeops/pipeforge/internal/task"
)

// Driver re-invokes the coordinator for a task.
type Driver interface {
	Orchestrate(ctx context.Context, taskID string) error
}

// Reattach finds tasks whose checkpoints show incomplete fan-out work and
// re-drives them so only the incomplete units run again. Completed units are
// visible in the checkpointed team records and are skipped by the fan-out.
type Reattach struct {
	repo   task.Repository
	driver Driver
	logger *slog.Logger
}

func NewReattach(repo task.Repository, driver Driver, logger *slog.Logger) *Reattach {
	return &Reattach{repo: repo, driver: driver, logger: logger}
}

// Run scans for interrupted fan-out work once, at startup. Failures are
// logged per task and never abort the scan.
func (r *Reattach) Run(ctx context.Context) {
	tasks, err := r.repo.FindByStatus(ctx, task.StatusInProgress)
	if err != nil {
		r.logger.ErrorContext(ctx, "checkpoint reattach scan failed", slog.Any("error", err))
		return
	}

	for _, t := range tasks {
		if !hasIncompleteFanOut(t) {
			continue
		}
		r.logger.InfoContext(ctx, "reattaching to incomplete fan-out",
			slog.String("task_id", t.ID),
		)
		if err := r.driver.Orchestrate(ctx, t.ID); err != nil {
			r.logger.ErrorContext(ctx, "checkpoint reattach failed",
				slog.String("task_id", t.ID),
				slog.Any("error", err),
			)
		}
	}
}

func hasIncompleteFanOut(t *task.Task) bool {
	o := t.Orchestration
	if o == nil || o.CurrentPhase != phase.TeamOrchestration {
		return false
	}
	for _, s := range o.Team {
		if !s.Status.Terminal() {
			return true
		}
	}
	return false
}
