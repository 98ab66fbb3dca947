package repositoryimpl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/pipeforge/internal/task"
	"github.com/forgeops/pipeforge/pkg/cerr"
	"github.com/forgeops/pipeforge/pkg/storage"
)

// Both Task Store backends must satisfy the same contract; everything here
// runs against each implementation.
func repositories(t *testing.T) map[string]task.Repository {
	t.Helper()

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	sqlite, err := NewSQLiteRepository(context.Background(), filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]task.Repository{
		"yaml":   NewYAMLRepository(store),
		"sqlite": sqlite,
	}
}

func sampleTask(id string) *task.Task {
	now := time.Now().Truncate(time.Second)
	return &task.Task{
		ID:          id,
		Description: "add rate limiting to the API gateway",
		Status:      task.StatusPending,
		Repositories: []task.RepositoryRef{
			{RepositoryID: "svc-api", Type: task.RepositoryTypeBackend, Status: task.RepositoryStatusAssigned},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tk := sampleTask("task-1")
			require.NoError(t, repo.Create(ctx, tk))

			got, err := repo.Get(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, tk.ID, got.ID)
			assert.Equal(t, tk.Description, got.Description)
			assert.Equal(t, tk.Status, got.Status)
			require.Len(t, got.Repositories, 1)
			assert.Equal(t, "svc-api", got.Repositories[0].RepositoryID)
			assert.Nil(t, got.Orchestration)
		})
	}
}

func TestRepositoryPersistsOrchestration(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tk := sampleTask("task-1")
			require.NoError(t, repo.Create(ctx, tk))

			now := time.Now().Truncate(time.Second)
			tk.Status = task.StatusInProgress
			tk.Orchestration = &task.Orchestration{
				CurrentPhase: "planning",
				Phases: []task.PhaseStep{
					{Name: "planning", Status: task.PhaseStatusInProgress, Attempts: 1},
				},
				Team: []task.Story{
					{ID: "story-1", RepositoryID: "svc-api", Status: task.StoryStatusPending},
				},
				ApprovalHistory: []task.ApprovalRecord{
					{ID: "rec-1", Phase: "planning", Approved: true, AutoApproved: true, DecidedBy: "auto-approval", DecidedAt: now},
				},
				StartedAt: now,
			}
			require.NoError(t, repo.Update(ctx, tk))

			got, err := repo.Get(ctx, "task-1")
			require.NoError(t, err)
			require.NotNil(t, got.Orchestration)
			assert.Equal(t, "planning", got.Orchestration.CurrentPhase)
			require.Len(t, got.Orchestration.Team, 1)
			assert.Equal(t, task.StoryStatusPending, got.Orchestration.Team[0].Status)
			require.Len(t, got.Orchestration.ApprovalHistory, 1)
			assert.True(t, got.Orchestration.ApprovalHistory[0].AutoApproved)
		})
	}
}

func TestRepositoryCreateDuplicate(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Create(ctx, sampleTask("task-1")))
			err := repo.Create(ctx, sampleTask("task-1"))
			assert.True(t, cerr.IsCode(err, cerr.AlreadyExists), "got %v", err)
		})
	}
}

func TestRepositoryGetMissing(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := repo.Get(context.Background(), "missing")
			assert.True(t, cerr.IsCode(err, cerr.NotFound), "got %v", err)
		})
	}
}

func TestRepositoryUpdateMissing(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			err := repo.Update(context.Background(), sampleTask("missing"))
			assert.True(t, cerr.IsCode(err, cerr.NotFound), "got %v", err)
		})
	}
}

func TestRepositoryDelete(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Create(ctx, sampleTask("task-1")))
			require.NoError(t, repo.Delete(ctx, "task-1"))
			_, err := repo.Get(ctx, "task-1")
			assert.True(t, cerr.IsCode(err, cerr.NotFound))
		})
	}
}

func TestRepositoryFindByStatus(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := sampleTask("task-a")
			b := sampleTask("task-b")
			b.Status = task.StatusInProgress
			c := sampleTask("task-c")
			c.Status = task.StatusInProgress
			for _, tk := range []*task.Task{a, b, c} {
				require.NoError(t, repo.Create(ctx, tk))
			}

			running, err := repo.FindByStatus(ctx, task.StatusInProgress)
			require.NoError(t, err)
			require.Len(t, running, 2)

			pending, err := repo.FindByStatus(ctx, task.StatusPending)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "task-a", pending[0].ID)
		})
	}
}

func TestRepositoryFindStale(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := sampleTask("task-old")
			old.Status = task.StatusInProgress
			old.UpdatedAt = time.Now().Add(-time.Hour)
			fresh := sampleTask("task-fresh")
			fresh.Status = task.StatusInProgress
			require.NoError(t, repo.Create(ctx, old))
			require.NoError(t, repo.Create(ctx, fresh))

			stale, err := repo.FindStale(ctx, task.StatusInProgress, time.Now().Add(-10*time.Minute))
			require.NoError(t, err)
			require.Len(t, stale, 1)
			assert.Equal(t, "task-old", stale[0].ID)
		})
	}
}

func TestRepositoryList(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Create(ctx, sampleTask("task-b")))
			require.NoError(t, repo.Create(ctx, sampleTask("task-a")))

			all, err := repo.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "task-a", all[0].ID, "list is ordered by id")
			assert.Equal(t, "task-b", all[1].ID)
		})
	}
}
