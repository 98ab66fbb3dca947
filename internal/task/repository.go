package task

import (
	"context"
	"time"
)

// Repository is the Task Store. Implementations must support atomic-enough
// per-task read-modify-write; no cross-task transactionality is assumed.
// The per-task active-orchestration marker is the concurrency guard, so only
// one writer touches one task at a time by construction.
type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context) ([]*Task, error)
	Update(ctx context.Context, t *Task) error
	Delete(ctx context.Context, id string) error
	FindByStatus(ctx context.Context, status Status) ([]*Task, error)
	// FindStale returns tasks in the given status whose UpdatedAt is older
	// than the cutoff. Used by the health monitor's staleness sweep.
	FindStale(ctx context.Context, status Status, olderThan time.Time) ([]*Task, error)
}
