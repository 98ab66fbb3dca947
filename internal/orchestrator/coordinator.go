package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgeops/pipeforge/internal/agentexec"
	"github.com/forgeops/pipeforge/internal/approval"
	"github.com/forgeops/pipeforge/internal/checkpoint"
	"github.com/forgeops/pipeforge/internal/config"
	"github.com/forgeops/pipeforge/internal/directive"
	"github.com/forgeops/pipeforge/internal/eventbus"
	"github.com/forgeops/pipeforge/internal/notify"
	"github.com/forgeops/pipeforge/internal/phase"
	"github.com/forgeops/pipeforge/internal/repos"
	"github.com/forgeops/pipeforge/internal/sandbox"
	"github.com/forgeops/pipeforge/internal/task"
	"github.com/forgeops/pipeforge/pkg/cerr"
	"github.com/forgeops/pipeforge/pkg/clog"
)

// errInterventionRequired stops the drive loop without failing the task;
// the blocked unit waits for a human decision.
var errInterventionRequired = errors.New("human intervention required")

// Coordinator owns the drive loop for a single task at a time: it picks the
// next phase, consumes directives, waits on approval gates, invokes the
// collaborators and persists every transition through the task store.
type Coordinator struct {
	repo        task.Repository
	gate        *approval.Gate
	executor    agentexec.Executor
	repoSvc     repos.Service
	sink        notify.Sink
	active      *ActiveRegistry
	sandbox     sandbox.Provider
	checkpoints *checkpoint.Saver
	env         *config.OrchestratorEnv
	logger      *slog.Logger
}

func NewCoordinator(
	repo task.Repository,
	gate *approval.Gate,
	executor agentexec.Executor,
	repoSvc repos.Service,
	sink notify.Sink,
	active *ActiveRegistry,
	sandboxProvider sandbox.Provider,
	env *config.OrchestratorEnv,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		repo:        repo,
		gate:        gate,
		executor:    executor,
		repoSvc:     repoSvc,
		sink:        sink,
		active:      active,
		sandbox:     sandboxProvider,
		checkpoints: checkpoint.NewSaver(repo),
		env:         env,
		logger:      logger,
	}
}

// Orchestrate drives taskID until it reaches a terminal status, pauses, or
// blocks on something only a human can resolve. Calling it on a terminal
// task is a logged no-op; calling it while another invocation is driving the
// same task is rejected.
func (c *Coordinator) Orchestrate(ctx context.Context, taskID string) error {
	clog.AddAttribute(ctx, "task_id", taskID)

	t, err := c.repo.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		c.logger.InfoContext(ctx, "task is terminal, nothing to orchestrate",
			slog.String("task_id", taskID),
			slog.String("status", string(t.Status)),
		)
		return nil
	}
	if t.Orchestration == nil {
		return cerr.NewError(cerr.FailedPrecondition, "task has not been started", nil)
	}

	if !c.active.TryAcquire(taskID) {
		return cerr.NewError(cerr.Aborted, "orchestration already active for task", nil)
	}
	defer c.active.Release(taskID)

	for {
		t, err = c.repo.Get(ctx, taskID)
		if err != nil {
			return err
		}
		o := t.Orchestration

		if o.CancelRequested {
			return c.finalize(ctx, t, task.StatusCancelled)
		}
		if o.Paused {
			if t.Status != task.StatusPaused {
				t.Status = task.StatusPaused
				if err := c.save(ctx, t); err != nil {
					return err
				}
				c.publish(ctx, t, eventbus.EventTypeTaskStatusChanged, map[string]string{"status": string(t.Status)})
			}
			return nil
		}

		next, ok := phase.Next(o)
		if !ok {
			return c.finalize(ctx, t, task.StatusCompleted)
		}
		if !phase.DependenciesMet(o, next.Name) {
			return cerr.NewError(cerr.FailedPrecondition,
				fmt.Sprintf("dependencies of phase %s are not completed", next.Name), nil)
		}

		proceed, err := c.runPhase(ctx, t, next)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
	}
}

// runPhase executes one iteration of the drive loop for the given phase.
// The returned bool tells the loop whether to keep advancing.
func (c *Coordinator) runPhase(ctx context.Context, t *task.Task, desc phase.Descriptor) (bool, error) {
	o := t.Orchestration
	step, ok := o.Step(desc.Name)
	if !ok {
		return false, cerr.NewError(cerr.NotFound, "phase step not found", nil)
	}
	now := time.Now()

	if o.CurrentPhase != desc.Name {
		o.CurrentPhase = desc.Name
		if err := c.save(ctx, t); err != nil {
			return false, err
		}
	}

	// Pre-run gate: the fan-out phase needs authorization before any story
	// starts.
	if desc.Gated && desc.GateBeforeRun && !approved(step) {
		proceed, err := c.awaitGate(ctx, t, desc, step)
		if err != nil || !proceed {
			return false, err
		}
		// Reload to observe the decision just applied.
		return true, nil
	}

	// Directives are consumed between phases, never mid-phase.
	consumed := directive.Consume(o, desc.Name, agentTypeFor(desc.Name), now)
	directiveCtx := directive.MergeContext(consumed)
	for _, d := range consumed {
		c.publish(ctx, t, eventbus.EventTypeDirectiveConsumed, map[string]string{
			"directive_id": d.ID,
			"phase":        desc.Name,
		})
	}

	if step.Status != task.PhaseStatusInProgress {
		step.Status = task.PhaseStatusInProgress
		step.StartedAt = &now
	}
	step.Attempts++
	if err := c.save(ctx, t); err != nil {
		return false, err
	}
	c.publish(ctx, t, eventbus.EventTypePhaseStarted, map[string]string{"phase": desc.Name})

	execErr := c.executePhase(ctx, t, desc, step, directiveCtx)
	if execErr != nil {
		return false, c.handlePhaseFailure(ctx, t, desc, step, execErr)
	}

	done := time.Now()
	step.Status = task.PhaseStatusCompleted
	step.CompletedAt = &done
	if err := c.save(ctx, t); err != nil {
		return false, err
	}
	c.publish(ctx, t, eventbus.EventTypePhaseCompleted, map[string]string{"phase": desc.Name})

	// Post-run gate.
	if desc.Gated && !desc.GateBeforeRun && !approved(step) {
		proceed, err := c.awaitGate(ctx, t, desc, step)
		if err != nil || !proceed {
			return false, err
		}
	}
	return true, nil
}

// awaitGate resolves the approval gate for a phase, either by synthesizing
// an auto-approval or by blocking until a human decision is published.
// Returns false when the loop must stop (rejection, pause, cancellation).
func (c *Coordinator) awaitGate(ctx context.Context, t *task.Task, desc phase.Descriptor, step *task.PhaseStep) (bool, error) {
	o := t.Orchestration
	now := time.Now()

	if o.AutoApproves(desc.Name) {
		rec, err := approval.Apply(t, desc.Name, approval.AutoDecision(), now)
		if err != nil {
			return false, err
		}
		if err := c.save(ctx, t); err != nil {
			return false, err
		}
		c.publish(ctx, t, eventbus.EventTypeApprovalDecided, map[string]string{
			"phase":         desc.Name,
			"approved":      "true",
			"auto_approved": "true",
			"record_id":     rec.ID,
		})
		return true, nil
	}

	if step.Approval == nil {
		step.Approval = &task.Approval{
			Status:      task.ApprovalStatusPending,
			RequestedAt: now,
		}
		if err := c.save(ctx, t); err != nil {
			return false, err
		}
		c.publish(ctx, t, eventbus.EventTypeApprovalRequested, map[string]string{"phase": desc.Name})
	}

	c.logger.InfoContext(ctx, "waiting for approval",
		slog.String("task_id", t.ID),
		slog.String("phase", desc.Name),
	)
	dec, err := c.gate.Wait(ctx, t.ID, desc.Name)
	if errors.Is(err, approval.ErrInterrupted) {
		// Pause or cancel while blocked; the drive loop observes the
		// control flags on reload.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !dec.Approved {
		// The rejecting decision already failed the task.
		return false, nil
	}
	return true, nil
}

func (c *Coordinator) executePhase(ctx context.Context, t *task.Task, desc phase.Descriptor, step *task.PhaseStep, directiveCtx string) error {
	switch desc.Name {
	case phase.TeamOrchestration:
		return c.runFanOut(ctx, t, step, directiveCtx)
	case phase.AutoMerge:
		return c.runAutoMerge(ctx, t)
	case phase.Verification:
		return c.runVerification(ctx, t, step, directiveCtx)
	default:
		return c.runAgentPhase(ctx, t, desc.Name, step, directiveCtx)
	}
}

func (c *Coordinator) runAgentPhase(ctx context.Context, t *task.Task, phaseName string, step *task.PhaseStep, directiveCtx string) error {
	res, err := c.executor.Run(ctx, agentexec.Request{
		TaskID: t.ID,
		Phase:  phaseName,
		Prompt: buildPrompt(t, phaseName, directiveCtx),
	})
	if err != nil {
		return err
	}
	step.Output = res.Output
	t.Orchestration.TokenStats.Add(res.TokensIn, res.TokensOut, res.CostUSD)
	return nil
}

// runVerification runs the verifier agent and, when a verify command is
// configured, executes it in an isolated workspace for every repository.
// A non-zero exit fails the phase like any other execution error.
func (c *Coordinator) runVerification(ctx context.Context, t *task.Task, step *task.PhaseStep, directiveCtx string) error {
	if err := c.runAgentPhase(ctx, t, phase.Verification, step, directiveCtx); err != nil {
		return err
	}
	if c.env.VerifyCommand == "" || c.sandbox == nil {
		return nil
	}
	for _, ref := range t.Repositories {
		ws, err := c.sandbox.Acquire(ctx, ref.RepositoryID)
		if err != nil {
			return err
		}
		out, execErr := c.sandbox.Exec(ctx, ws, c.env.VerifyCommand)
		if releaseErr := c.sandbox.Release(ctx, ws); releaseErr != nil {
			c.logger.WarnContext(ctx, "failed to release workspace",
				slog.String("workspace_id", ws.ID),
				slog.Any("error", releaseErr),
			)
		}
		if execErr != nil {
			return fmt.Errorf("verification failed for %s: %w", ref.RepositoryID, execErr)
		}
		if out != "" {
			step.Output += fmt.Sprintf("\n[%s] %s", ref.RepositoryID, out)
		}
	}
	return nil
}

// runAutoMerge merges every repository's pull request. A conflict raises an
// intervention for that repository and leaves the rest untouched until the
// human decides.
func (c *Coordinator) runAutoMerge(ctx context.Context, t *task.Task) error {
	for i := range t.Repositories {
		ref := &t.Repositories[i]
		if ref.PullRequest == "" {
			continue
		}
		branch := branchName(t.ID, ref.RepositoryID)
		if err := c.repoSvc.Merge(ctx, ref.RepositoryID, branch); err != nil {
			if classify(err) == failureIntervention {
				c.raiseIntervention(t, ref.RepositoryID, fmt.Sprintf("merge failed for %s: %v", ref.RepositoryID, err))
				return errInterventionRequired
			}
			return err
		}
		ref.Status = task.RepositoryStatusDone
	}
	return nil
}

// handlePhaseFailure translates a phase execution error into the aggregate:
// billing pauses, intervention blocks, everything else records a failed
// step and defers to the retry sweep. The error never escapes the loop.
func (c *Coordinator) handlePhaseFailure(ctx context.Context, t *task.Task, desc phase.Descriptor, step *task.PhaseStep, execErr error) error {
	o := t.Orchestration
	now := time.Now()

	if errors.Is(execErr, errInterventionRequired) {
		if err := c.save(ctx, t); err != nil {
			return err
		}
		reason := ""
		if o.HumanIntervention != nil {
			reason = o.HumanIntervention.Reason
		}
		c.publish(ctx, t, eventbus.EventTypeInterventionRequired, map[string]string{
			"phase":  desc.Name,
			"reason": reason,
		})
		return nil
	}

	switch classify(execErr) {
	case failureBilling:
		o.Paused = true
		o.PausedAt = &now
		o.PauseReason = task.PauseReasonBilling
		o.PendingEpicIDs = incompleteEpicIDs(o)
		t.Status = task.StatusPaused
		if err := c.save(ctx, t); err != nil {
			return err
		}
		c.logger.WarnContext(ctx, "task paused on billing error",
			slog.String("task_id", t.ID),
			slog.String("phase", desc.Name),
			slog.Any("error", execErr),
		)
		c.publish(ctx, t, eventbus.EventTypeTaskStatusChanged, map[string]string{
			"status": string(t.Status),
			"reason": string(task.PauseReasonBilling),
		})
		return nil

	case failureIntervention:
		c.raiseIntervention(t, "", execErr.Error())
		if err := c.save(ctx, t); err != nil {
			return err
		}
		c.publish(ctx, t, eventbus.EventTypeInterventionRequired, map[string]string{
			"phase":  desc.Name,
			"reason": execErr.Error(),
		})
		return nil

	default:
		step.Status = task.PhaseStatusFailed
		step.Error = execErr.Error()
		t.Status = task.StatusFailed
		if err := c.save(ctx, t); err != nil {
			return err
		}
		c.logger.ErrorContext(ctx, "phase failed",
			slog.String("task_id", t.ID),
			slog.String("phase", desc.Name),
			slog.Any("error", execErr),
		)
		c.publish(ctx, t, eventbus.EventTypePhaseFailed, map[string]string{
			"phase": desc.Name,
			"error": execErr.Error(),
		})
		return nil
	}
}

func (c *Coordinator) raiseIntervention(t *task.Task, storyID, reason string) {
	o := t.Orchestration
	if o.HumanIntervention != nil && o.HumanIntervention.Required && !o.HumanIntervention.Resolved {
		return
	}
	o.HumanIntervention = &task.Intervention{
		Required: true,
		StoryID:  storyID,
		Reason:   reason,
		RaisedAt: time.Now(),
	}
}

func (c *Coordinator) finalize(ctx context.Context, t *task.Task, status task.Status) error {
	t.Status = status
	if err := c.save(ctx, t); err != nil {
		return err
	}
	c.gate.Interrupt(t.ID)
	eventType := eventbus.EventTypeTaskStatusChanged
	if status == task.StatusCompleted {
		eventType = eventbus.EventTypeTaskCompleted
	}
	c.publish(ctx, t, eventType, map[string]string{"status": string(status)})
	c.logger.InfoContext(ctx, "task finished",
		slog.String("task_id", t.ID),
		slog.String("status", string(status)),
	)
	return nil
}

func (c *Coordinator) save(ctx context.Context, t *task.Task) error {
	t.Touch()
	return c.repo.Update(ctx, t)
}

func (c *Coordinator) publish(ctx context.Context, t *task.Task, eventType eventbus.EventType, payload map[string]string) {
	c.sink.Publish(ctx, t.ID, eventType, payload)
}

func approved(step *task.PhaseStep) bool {
	return step.Approval != nil && step.Approval.Status == task.ApprovalStatusApproved
}

// incompleteEpicIDs collects the epics of every non-terminal story so a
// billing pause can resume exactly where it stopped.
func incompleteEpicIDs(o *task.Orchestration) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, s := range o.Team {
		if s.Status.Terminal() {
			continue
		}
		id := s.EpicID
		if id == "" {
			id = s.ID
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func agentTypeFor(phaseName string) string {
	switch phaseName {
	case phase.Planning:
		return "planner"
	case phase.TeamOrchestration:
		return "developer"
	case phase.Evaluation:
		return "evaluator"
	case phase.Verification:
		return "verifier"
	case phase.AutoMerge:
		return "merger"
	default:
		return ""
	}
}

func buildPrompt(t *task.Task, phaseName, directiveCtx string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Phase: %s\n\nTask: %s\n", phaseName, t.Description)
	if len(t.Repositories) > 0 {
		b.WriteString("\nRepositories:\n")
		for _, r := range t.Repositories {
			fmt.Fprintf(&b, "- %s (%s)\n", r.RepositoryID, r.Type)
		}
	}
	if directiveCtx != "" {
		fmt.Fprintf(&b, "\nAdditional instructions:\n%s\n", directiveCtx)
	}
	return b.String()
}

func branchName(taskID, repositoryID string) string {
	return fmt.Sprintf("pipeforge/%s/%s", taskID, repositoryID)
}
