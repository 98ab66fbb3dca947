package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/forgeops/pipeforge/internal/agentexec"
	"github.com/forgeops/pipeforge/internal/eventbus"
	"github.com/forgeops/pipeforge/internal/task"
	"github.com/forgeops/pipeforge/pkg/cerr"
)

// storyGroup is one slice of fan-out units that may run concurrently.
// Groups themselves run strictly in order.
type storyGroup struct {
	name    string
	stories []string
}

// runFanOut drives the team-orchestration phase: stories run concurrently
// within a coordination group, groups run in dependency order and the whole
// phase joins before returning. Already-terminal stories are skipped, which
// is what makes crash recovery and billing resume precise continuations
// instead of restarts.
func (c *Coordinator) runFanOut(ctx context.Context, t *task.Task, step *task.PhaseStep, directiveCtx string) error {
	o := t.Orchestration
	var mu sync.Mutex

	for _, group := range fanOutGroups(o) {
		ids := incompleteStories(o, group.stories)
		if len(ids) > 0 {
			p := pool.New().WithMaxGoroutines(c.env.MaxParallelStories)
			results := make(map[string]error, len(ids))
			for _, storyID := range ids {
				storyID := storyID
				p.Go(func() {
					err := c.runStory(ctx, t, storyID, directiveCtx, &mu)
					mu.Lock()
					results[storyID] = err
					mu.Unlock()
				})
			}
			p.Wait()

			for _, storyID := range ids {
				err := results[storyID]
				if err == nil {
					continue
				}
				switch classify(err) {
				case failureBilling:
					return err
				case failureIntervention:
					mu.Lock()
					story, _ := o.Story(storyID)
					c.raiseIntervention(t, storyID, err.Error())
					if story != nil {
						story.Status = task.StoryStatusBlocked
						story.Error = err.Error()
						c.setRepositoryStatus(t, story.RepositoryID, task.RepositoryStatusBlocked)
					}
					mu.Unlock()
					return errInterventionRequired
				}
			}
			for _, storyID := range ids {
				if err := results[storyID]; err != nil {
					return cerr.NewError(cerr.Internal,
						fmt.Sprintf("story %s failed", storyID), err)
				}
			}
		}

		if group.name != "" {
			markCoordinationPhase(o, group.name, task.PhaseStatusCompleted)
			if err := c.checkpoints.Save(ctx, t); err != nil {
				return err
			}
		}
	}

	o.PendingEpicIDs = nil
	return nil
}

// runStory executes one fan-out unit end to end: agent call, branch, pull
// request. The task aggregate is checkpointed after every status change so
// a crash mid-fan-out loses at most this unit.
func (c *Coordinator) runStory(ctx context.Context, t *task.Task, storyID, directiveCtx string, mu *sync.Mutex) error {
	mu.Lock()
	story, ok := t.Orchestration.Story(storyID)
	if !ok {
		mu.Unlock()
		return cerr.NewError(cerr.NotFound, "story not found", nil)
	}
	now := time.Now()
	story.Status = task.StoryStatusInProgress
	story.Attempts++
	if story.StartedAt == nil {
		story.StartedAt = &now
	}
	repositoryID := story.RepositoryID
	guidance := story.Guidance
	c.setRepositoryStatus(t, repositoryID, task.RepositoryStatusInProgress)
	saveErr := c.checkpoints.Save(ctx, t)
	mu.Unlock()
	if saveErr != nil {
		return saveErr
	}

	prompt := buildPrompt(t, "team-orchestration", directiveCtx)
	if guidance != "" {
		prompt += "\nHuman guidance:\n" + guidance
	}
	res, err := c.executor.Run(ctx, agentexec.Request{
		TaskID:  t.ID,
		Phase:   "team-orchestration",
		Prompt:  prompt,
		WorkDir: repositoryID,
	})
	if err != nil {
		mu.Lock()
		defer mu.Unlock()
		story.Status = task.StoryStatusFailed
		story.Error = err.Error()
		if saveErr := c.checkpoints.Save(ctx, t); saveErr != nil {
			return saveErr
		}
		return err
	}

	branch := branchName(t.ID, repositoryID)
	if err := c.repoSvc.CreateBranch(ctx, repositoryID, branch); err != nil {
		return c.recordStoryFailure(ctx, t, story, err, mu)
	}
	pr, err := c.repoSvc.OpenPullRequest(ctx, repositoryID, branch,
		fmt.Sprintf("pipeforge: %s", t.Description), res.Output)
	if err != nil {
		return c.recordStoryFailure(ctx, t, story, err, mu)
	}

	mu.Lock()
	defer mu.Unlock()
	done := time.Now()
	story.Status = task.StoryStatusCompleted
	story.Output = res.Output
	story.CompletedAt = &done
	t.Orchestration.TokenStats.Add(res.TokensIn, res.TokensOut, res.CostUSD)
	if ref, ok := t.Repository(repositoryID); ok {
		ref.PullRequest = pr.URL
		ref.Status = task.RepositoryStatusDone
	}
	if err := c.checkpoints.Save(ctx, t); err != nil {
		return err
	}
	c.publish(ctx, t, eventbus.EventTypeStoryCompleted, map[string]string{
		"story_id":      storyID,
		"repository_id": repositoryID,
	})
	c.logger.InfoContext(ctx, "story completed",
		slog.String("task_id", t.ID),
		slog.String("story_id", storyID),
		slog.String("repository_id", repositoryID),
	)
	return nil
}

func (c *Coordinator) recordStoryFailure(ctx context.Context, t *task.Task, story *task.Story, err error, mu *sync.Mutex) error {
	mu.Lock()
	defer mu.Unlock()
	story.Status = task.StoryStatusFailed
	story.Error = err.Error()
	if saveErr := c.checkpoints.Save(ctx, t); saveErr != nil {
		return saveErr
	}
	return err
}

// setRepositoryStatus mutates one repository ref. The team rollup is derived
// on read via task.AggregateRepositoryStatus, never stored. Caller holds the
// fan-out mutex.
func (c *Coordinator) setRepositoryStatus(t *task.Task, repositoryID string, status task.RepositoryStatus) {
	if ref, ok := t.Repository(repositoryID); ok {
		ref.Status = status
	}
}

// fanOutGroups orders the stories by coordination phase. Single-repository
// tasks have no coordination phases and run everything as one group.
func fanOutGroups(o *task.Orchestration) []storyGroup {
	if len(o.CoordinationPhases) == 0 {
		all := make([]string, 0, len(o.Team))
		for _, s := range o.Team {
			all = append(all, s.ID)
		}
		return []storyGroup{{stories: all}}
	}

	byRepo := make(map[string][]string)
	for _, s := range o.Team {
		byRepo[s.RepositoryID] = append(byRepo[s.RepositoryID], s.ID)
	}

	groups := make([]storyGroup, 0, len(o.CoordinationPhases))
	for _, cp := range o.CoordinationPhases {
		g := storyGroup{name: cp.Name}
		for _, repoID := range cp.Repositories {
			g.stories = append(g.stories, byRepo[repoID]...)
		}
		groups = append(groups, g)
	}
	return groups
}

func incompleteStories(o *task.Orchestration, ids []string) []string {
	var out []string
	for _, id := range ids {
		if s, ok := o.Story(id); ok && !s.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

func markCoordinationPhase(o *task.Orchestration, name string, status task.PhaseStatus) {
	for i := range o.CoordinationPhases {
		if o.CoordinationPhases[i].Name == name {
			o.CoordinationPhases[i].Status = status
			return
		}
	}
}
