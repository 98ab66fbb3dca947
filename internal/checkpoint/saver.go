package checkpoint

import (
	"context"

	"github.com/forgeops/pipeforge/internal/task"
)

// Saver persists incremental fan-out progress. Writing the aggregate after
// every completed unit means a crash loses at most the in-flight unit's
// work, never a whole phase.
type Saver struct {
	repo task.Repository
}

func NewSaver(repo task.Repository) *Saver {
	return &Saver{repo: repo}
}

// Save writes the task's current state as a checkpoint.
func (s *Saver) Save(ctx context.Context, t *task.Task) error {
	t.Touch()
	return s.repo.Update(ctx, t)
}
