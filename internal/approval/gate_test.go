package approval

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

func TestGateWaitReceivesDecision(t *testing.T) {
	g := NewGate()
	done := make(chan Decision, 1)

	go func() {
		dec, err := g.Wait(context.Background(), "t1", phase.Planning)
		if err != nil {
			return
		}
		done <- dec
	}()

	require.Eventually(t, func() bool {
		return g.Waiting("t1", phase.Planning)
	}, time.Second, time.Millisecond)

	g.Publish("t1", phase.Planning, Decision{Approved: true, DecidedBy: "human"})

	select {
	case dec := <-done:
		assert.True(t, dec.Approved)
		assert.Equal(t, "human", dec.DecidedBy)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
	assert.False(t, g.Waiting("t1", phase.Planning))
}

func TestGatePublishWithoutWaiterIsNoOp(t *testing.T) {
	g := NewGate()
	// Late and duplicate decisions fall on the floor.
	g.Publish("t1", phase.Planning, Decision{Approved: true})
	g.Publish("t1", phase.Planning, Decision{Approved: true})
	assert.False(t, g.Waiting("t1", phase.Planning))
}

func TestGateInterrupt(t *testing.T) {
	g := NewGate()
	errs := make(chan error, 1)

	go func() {
		_, err := g.Wait(context.Background(), "t1", phase.Verification)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return g.Waiting("t1", phase.Verification)
	}, time.Second, time.Millisecond)

	g.Interrupt("t1")

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestGateInterruptLeavesOtherTasksWaiting(t *testing.T) {
	g := NewGate()
	go func() { _, _ = g.Wait(context.Background(), "t1", phase.Planning) }()
	go func() { _, _ = g.Wait(context.Background(), "t2", phase.Planning) }()

	require.Eventually(t, func() bool {
		return g.Waiting("t1", phase.Planning) && g.Waiting("t2", phase.Planning)
	}, time.Second, time.Millisecond)

	g.Interrupt("t1")
	assert.False(t, g.Waiting("t1", phase.Planning))
	assert.True(t, g.Waiting("t2", phase.Planning))
}

func TestGateWaitContextCancelled(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Wait(ctx, "t1", phase.Planning)
	assert.ErrorIs(t, err, context.Canceled)
}

func startedTask() *task.Task {
	return &task.Task{
		ID:     "t1",
		Status: task.StatusInProgress,
		Orchestration: &task.Orchestration{
			CurrentPhase: phase.Planning,
			Phases:       phase.InitSteps(),
		},
	}
}

func TestApplyRequiresCompletedStep(t *testing.T) {
	tk := startedTask()
	_, err := Apply(tk, phase.Planning, Decision{Approved: true, DecidedBy: "human"}, time.Now())
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestApplyRecordsDecision(t *testing.T) {
	tk := startedTask()
	step, _ := tk.Orchestration.Step(phase.Planning)
	step.Status = task.PhaseStatusCompleted

	now := time.Now()
	rec, err := Apply(tk, phase.Planning, Decision{Approved: true, DecidedBy: "human", Comments: "lgtm"}, now)
	require.NoError(t, err)

	assert.Equal(t, phase.Planning, rec.Phase)
	assert.True(t, rec.Approved)
	assert.False(t, rec.AutoApproved)
	assert.NotEmpty(t, rec.ID)

	require.NotNil(t, step.Approval)
	assert.Equal(t, task.ApprovalStatusApproved, step.Approval.Status)
	assert.Equal(t, "human", step.Approval.ApprovedBy)
	assert.Equal(t, "lgtm", step.Approval.Comments)
	require.Len(t, tk.Orchestration.ApprovalHistory, 1)
	assert.Equal(t, rec.ID, tk.Orchestration.ApprovalHistory[0].ID)
}

func TestApplyRejectsDoubleDecision(t *testing.T) {
	tk := startedTask()
	step, _ := tk.Orchestration.Step(phase.Planning)
	step.Status = task.PhaseStatusCompleted

	_, err := Apply(tk, phase.Planning, Decision{Approved: true, DecidedBy: "human"}, time.Now())
	require.NoError(t, err)

	_, err = Apply(tk, phase.Planning, Decision{Approved: false, DecidedBy: "human"}, time.Now())
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	// The audit log keeps only the first decision.
	assert.Len(t, tk.Orchestration.ApprovalHistory, 1)
}

func TestApplyPreApprovalForGateBeforeRunPhase(t *testing.T) {
	tk := startedTask()
	// team-orchestration gates before it runs, so a pending step may be
	// approved ahead of execution.
	rec, err := Apply(tk, phase.TeamOrchestration, Decision{Approved: true, DecidedBy: "human"}, time.Now())
	require.NoError(t, err)
	assert.True(t, rec.Approved)

	step, _ := tk.Orchestration.Step(phase.TeamOrchestration)
	assert.Equal(t, task.PhaseStatusPending, step.Status)
	assert.Equal(t, task.ApprovalStatusApproved, step.Approval.Status)
}

func TestApplyRejectsUngatedPhase(t *testing.T) {
	tk := startedTask()
	step, _ := tk.Orchestration.Step(phase.Evaluation)
	step.Status = task.PhaseStatusCompleted

	_, err := Apply(tk, phase.Evaluation, Decision{Approved: true, DecidedBy: "human"}, time.Now())
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestApplyUnknownPhase(t *testing.T) {
	tk := startedTask()
	_, err := Apply(tk, "deployment", Decision{Approved: true}, time.Now())
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestAutoDecision(t *testing.T) {
	dec := AutoDecision()
	assert.True(t, dec.Approved)
	assert.True(t, dec.AutoApproved)
	assert.Equal(t, "auto-approval", dec.DecidedBy)
}
