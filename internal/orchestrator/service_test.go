package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/pipeforge/internal/phase"
	"github.com/forgeops/pipeforge/internal/task"
	"github.com/forgeops/pipeforge/pkg/cerr"
)

func (f *fixture) createPending(t *testing.T, id string, refs ...task.RepositoryRef) *task.Task {
	t.Helper()
	now := time.Now()
	tk := &task.Task{
		ID:           id,
		Description:  "add rate limiting",
		Status:       task.StatusPending,
		Repositories: refs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, f.repo.Create(context.Background(), tk))
	return tk
}

func TestServiceStartInitializesOrchestration(t *testing.T) {
	f := newFixture(t)
	f.createPending(t, "t1",
		backendRef("svc-api"),
		task.RepositoryRef{RepositoryID: "web-app", Type: task.RepositoryTypeFrontend, Status: task.RepositoryStatusAssigned},
	)

	tk, err := f.svc.Start(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, task.StatusInProgress, tk.Status)
	o := tk.Orchestration
	require.NotNil(t, o)
	assert.Equal(t, phase.Planning, o.CurrentPhase)
	assert.Len(t, o.Phases, 5)
	require.Len(t, o.Team, 2)
	assert.Equal(t, phase.GroupFoundation, o.Team[0].EpicID)
	assert.Equal(t, phase.GroupClient, o.Team[1].EpicID)
	require.Len(t, o.CoordinationPhases, 2)

	// The background coordinator blocks on each gate; enabling auto-approval
	// while it waits resolves the gate, so repeat until the run finishes.
	require.Eventually(t, func() bool {
		_, _ = f.svc.ConfigureAutoApproval(context.Background(), "t1", true, nil)
		return f.get(t, "t1").Status == task.StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestServiceStartSingleRepoHasNoCoordinationPhases(t *testing.T) {
	f := newFixture(t)
	f.createPending(t, "t1", backendRef("svc-api"))

	tk, err := f.svc.Start(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, tk.Orchestration.CoordinationPhases)
	assert.Empty(t, tk.Orchestration.Team[0].EpicID)

	cancelWaitingTask(t, f, "t1")
}

// cancelWaitingTask waits for the background coordinator to block on its
// first gate and cancels it, so tests tear down without leaked waiters.
func cancelWaitingTask(t *testing.T, f *fixture, taskID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.gate.Waiting(taskID, phase.Planning)
	}, 5*time.Second, time.Millisecond)
	_, err := f.svc.Cancel(context.Background(), taskID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.get(t, taskID).Status == task.StatusCancelled
	}, 5*time.Second, time.Millisecond)
}

func TestServiceStartTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.createPending(t, "t1", backendRef("svc-api"))

	_, err := f.svc.Start(context.Background(), "t1")
	require.NoError(t, err)
	_, err = f.svc.Start(context.Background(), "t1")
	assert.True(t, cerr.IsCode(err, cerr.Aborted), "got %v", err)

	cancelWaitingTask(t, f, "t1")
}

func TestServiceStartFromTerminalStatus(t *testing.T) {
	f := newFixture(t)
	tk := f.createPending(t, "t1", backendRef("svc-api"))
	tk.Status = task.StatusCancelled
	require.NoError(t, f.repo.Update(context.Background(), tk))

	_, err := f.svc.Start(context.Background(), "t1")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestServiceStartUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Start(context.Background(), "missing")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestServiceApproveTerminalTask(t *testing.T) {
	f := newFixture(t)
	tk := f.createStarted(t, "t1", false, backendRef("svc-api"))
	tk.Status = task.StatusFailed
	require.NoError(t, f.repo.Update(context.Background(), tk))

	_, err := f.svc.Approve(context.Background(), "t1", phase.Planning, true, "")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestServiceInjectDirectiveBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.createPending(t, "t1", backendRef("svc-api"))

	_, err := f.svc.InjectDirective(context.Background(), "t1", "note", 0, "", "")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestServiceInjectAndRemoveDirective(t *testing.T) {
	f := newFixture(t)
	f.createStarted(t, "t1", false, backendRef("svc-api"))

	d, err := f.svc.InjectDirective(context.Background(), "t1", "check migrations", 2, phase.Verification, "")
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)

	tk := f.get(t, "t1")
	require.Len(t, tk.Orchestration.PendingDirectives, 1)
	assert.Equal(t, "check migrations", tk.Orchestration.PendingDirectives[0].Content)

	require.NoError(t, f.svc.RemoveDirective(context.Background(), "t1", d.ID))
	assert.Empty(t, f.get(t, "t1").Orchestration.PendingDirectives)

	err = f.svc.RemoveDirective(context.Background(), "t1", d.ID)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestServiceContinueTaskRequiresFailedOrPaused(t *testing.T) {
	f := newFixture(t)
	f.createStarted(t, "t1", false, backendRef("svc-api"))

	_, err := f.svc.ContinueTask(context.Background(), "t1", "")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestServiceContinueTaskReopensFailedPhase(t *testing.T) {
	f := newFixture(t)
	tk := f.createStarted(t, "t1", true, backendRef("svc-api"))
	o := tk.Orchestration
	planStep, _ := o.Step(phase.Planning)
	planStep.Status = task.PhaseStatusCompleted
	failStep, _ := o.Step(phase.TeamOrchestration)
	failStep.Status = task.PhaseStatusFailed
	failStep.Error = "agent backend exploded"
	// Post-run gate for planning and pre-run gate for the fan-out were
	// already decided in the failed run.
	planStep.Approval = &task.Approval{Status: task.ApprovalStatusApproved}
	failStep.Approval = &task.Approval{Status: task.ApprovalStatusApproved}
	o.Team[0].Status = task.StoryStatusFailed
	o.CurrentPhase = phase.Evaluation
	tk.Status = task.StatusFailed
	require.NoError(t, f.repo.Update(context.Background(), tk))

	got, err := f.svc.ContinueTask(context.Background(), "t1", "split the change into two commits")
	require.NoError(t, err)

	assert.Equal(t, task.StatusInProgress, got.Status)
	// The retry point is re-derived from the failed step, not currentPhase.
	assert.Equal(t, phase.TeamOrchestration, got.Orchestration.CurrentPhase)
	step, _ := got.Orchestration.Step(phase.TeamOrchestration)
	assert.Equal(t, task.PhaseStatusPending, step.Status)
	assert.Empty(t, step.Error)
	assert.Equal(t, task.StoryStatusPending, got.Orchestration.Team[0].Status)
	require.Len(t, got.Orchestration.PendingDirectives, 1)
	assert.Equal(t, "split the change into two commits", got.Orchestration.PendingDirectives[0].Content)

	require.Eventually(t, func() bool {
		return f.get(t, "t1").Status == task.StatusCompleted
	}, 5*time.Second, time.Millisecond)
}

func TestServicePauseRequiresRunningTask(t *testing.T) {
	f := newFixture(t)
	f.createPending(t, "t1", backendRef("svc-api"))

	_, err := f.svc.Pause(context.Background(), "t1")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestServiceResumeRequiresPausedTask(t *testing.T) {
	f := newFixture(t)
	f.createStarted(t, "t1", false, backendRef("svc-api"))

	_, err := f.svc.Resume(context.Background(), "t1")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestServiceResumeAfterBillingPause(t *testing.T) {
	f := newFixture(t)
	tk := f.createStarted(t, "t1", true, backendRef("svc-api"))
	now := time.Now()
	tk.Orchestration.Paused = true
	tk.Orchestration.PausedAt = &now
	tk.Orchestration.PauseReason = task.PauseReasonBilling
	tk.Status = task.StatusPaused
	require.NoError(t, f.repo.Update(context.Background(), tk))

	got, err := f.svc.Resume(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.False(t, got.Orchestration.Paused)
	assert.Empty(t, got.Orchestration.PauseReason)

	require.Eventually(t, func() bool {
		return f.get(t, "t1").Status == task.StatusCompleted
	}, 5*time.Second, time.Millisecond)
}

func TestServiceCancelBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.createPending(t, "t1", backendRef("svc-api"))

	got, err := f.svc.Cancel(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	_, err = f.svc.Cancel(context.Background(), "t1")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestServiceApproveStory(t *testing.T) {
	f := newFixture(t)
	tk := f.createStarted(t, "t1", false, backendRef("svc-api"))
	tk.Orchestration.Team[0].Status = task.StoryStatusBlocked
	require.NoError(t, f.repo.Update(context.Background(), tk))

	got, err := f.svc.ApproveStory(context.Background(), "t1", "story-svc-api", false, "not needed")
	require.NoError(t, err)
	story, _ := got.Orchestration.Story("story-svc-api")
	assert.Equal(t, task.StoryStatusSkipped, story.Status)
	require.Len(t, got.Orchestration.ApprovalHistory, 1)
	assert.Equal(t, "story-svc-api", got.Orchestration.ApprovalHistory[0].StoryID)
	assert.False(t, got.Orchestration.ApprovalHistory[0].Approved)
}

func TestServiceApproveStoryRequeuesBlocked(t *testing.T) {
	f := newFixture(t)
	tk := f.createStarted(t, "t1", false, backendRef("svc-api"))
	tk.Orchestration.Team[0].Status = task.StoryStatusBlocked
	require.NoError(t, f.repo.Update(context.Background(), tk))
	// Hold the active marker so the approval does not re-drive the task.
	require.True(t, f.active.TryAcquire("t1"))
	defer f.active.Release("t1")

	got, err := f.svc.ApproveStory(context.Background(), "t1", "story-svc-api", true, "")
	require.NoError(t, err)
	story, _ := got.Orchestration.Story("story-svc-api")
	assert.Equal(t, task.StoryStatusPending, story.Status)
}

func TestServiceResolveInterventionWithoutPending(t *testing.T) {
	f := newFixture(t)
	f.createStarted(t, "t1", false, backendRef("svc-api"))

	_, err := f.svc.ResolveIntervention(context.Background(), "t1", task.ResolutionSkip, "")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestServiceResolveInterventionUnknownResolution(t *testing.T) {
	f := newFixture(t)
	tk := f.createStarted(t, "t1", false, backendRef("svc-api"))
	tk.Orchestration.HumanIntervention = &task.Intervention{
		Required: true,
		StoryID:  "story-svc-api",
		Reason:   "merge conflict",
		RaisedAt: time.Now(),
	}
	require.NoError(t, f.repo.Update(context.Background(), tk))

	_, err := f.svc.ResolveIntervention(context.Background(), "t1", task.InterventionResolution("shrug"), "")
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}
