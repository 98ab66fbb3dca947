package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forgeops/pipeforge/internal/phase"
	"github.com/forgeops/pipeforge/internal/task"
	"github.com/forgeops/pipeforge/pkg/cerr"
)

// ErrInterrupted is returned from Wait when the waiting task is paused or
// cancelled while blocked on a gate.
var ErrInterrupted = errors.New("approval wait interrupted")

// Decision is the outcome applied to a gated phase.
type Decision struct {
	Approved     bool
	AutoApproved bool
	DecidedBy    string
	Comments     string
}

type waiterKey struct {
	taskID string
	phase  string
}

// Gate is the event-based approval wait mechanism. A coordinator blocked on
// Wait wakes immediately when the matching decision is published. Publishing
// with no registered waiter is a no-op, so late and duplicate decisions are
// harmless.
type Gate struct {
	mu      sync.Mutex
	waiters map[waiterKey]chan Decision
}

func NewGate() *Gate {
	return &Gate{waiters: map[waiterKey]chan Decision{}}
}

// Wait blocks until a decision for (taskID, phaseName) is published, the
// task is interrupted, or ctx is done. Only one waiter per key is supported;
// a second Wait on the same key replaces the first.
func (g *Gate) Wait(ctx context.Context, taskID, phaseName string) (Decision, error) {
	key := waiterKey{taskID: taskID, phase: phaseName}
	ch := make(chan Decision, 1)

	g.mu.Lock()
	g.waiters[key] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.waiters[key] == ch {
			delete(g.waiters, key)
		}
		g.mu.Unlock()
	}()

	select {
	case dec, ok := <-ch:
		if !ok {
			return Decision{}, ErrInterrupted
		}
		return dec, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Publish delivers a decision to the waiter for (taskID, phaseName), if any.
// A publish with no waiter is dropped silently.
func (g *Gate) Publish(taskID, phaseName string, dec Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := waiterKey{taskID: taskID, phase: phaseName}
	ch, ok := g.waiters[key]
	if !ok {
		return
	}
	delete(g.waiters, key)
	ch <- dec
}

// Interrupt wakes every waiter registered for taskID without a decision.
// Used on pause and cancel so a blocked coordinator can observe the control
// flags and stop cleanly.
func (g *Gate) Interrupt(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, ch := range g.waiters {
		if key.taskID != taskID {
			continue
		}
		delete(g.waiters, key)
		close(ch)
	}
}

// Waiting reports whether a waiter is currently registered for the key.
func (g *Gate) Waiting(taskID, phaseName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiters[waiterKey{taskID: taskID, phase: phaseName}]
	return ok
}

// Apply validates and records a decision on the task aggregate. Phases may
// only be approved once completed, except phases gated before they run,
// which accept a pre-approval while still pending. The returned record has
// already been appended to the approval history.
func Apply(t *task.Task, phaseName string, dec Decision, now time.Time) (task.ApprovalRecord, error) {
	if t.Orchestration == nil {
		return task.ApprovalRecord{}, cerr.NewError(cerr.FailedPrecondition, "task has not been started", nil)
	}
	step, ok := t.Orchestration.Step(phaseName)
	if !ok {
		return task.ApprovalRecord{}, cerr.NewError(cerr.NotFound, "phase not found", nil)
	}
	desc, ok := phase.Find(phaseName)
	if !ok || !desc.Gated {
		return task.ApprovalRecord{}, cerr.NewError(cerr.FailedPrecondition, "phase is not gated", nil)
	}
	if step.Approval != nil && step.Approval.Status != task.ApprovalStatusPending {
		return task.ApprovalRecord{}, cerr.NewError(cerr.FailedPrecondition, "approval already decided", nil)
	}
	if step.Status != task.PhaseStatusCompleted && !desc.GateBeforeRun {
		return task.ApprovalRecord{}, cerr.NewError(cerr.FailedPrecondition, "phase is not completed", nil)
	}

	status := task.ApprovalStatusApproved
	if !dec.Approved {
		status = task.ApprovalStatusRejected
	}
	if step.Approval == nil {
		step.Approval = &task.Approval{RequestedAt: now}
	}
	step.Approval.Status = status
	step.Approval.ApprovedBy = dec.DecidedBy
	step.Approval.ApprovedAt = &now
	step.Approval.Comments = dec.Comments

	rec := task.ApprovalRecord{
		ID:           ulid.Make().String(),
		Phase:        phaseName,
		Approved:     dec.Approved,
		AutoApproved: dec.AutoApproved,
		DecidedBy:    dec.DecidedBy,
		Comments:     dec.Comments,
		DecidedAt:    now,
	}
	t.Orchestration.AppendApproval(rec)
	return rec, nil
}

// AutoDecision synthesizes the decision recorded when auto-approval handles
// a gate.
func AutoDecision() Decision {
	return Decision{
		Approved:     true,
		AutoApproved: true,
		DecidedBy:    "auto-approval",
	}
}
