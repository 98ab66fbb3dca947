package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forgeops/pipeforge/internal/approval"
	"github.com/forgeops/pipeforge/internal/directive"
	"github.com/forgeops/pipeforge/internal/eventbus"
	"github.com/forgeops/pipeforge/internal/notify"
	"github.com/forgeops/pipeforge/internal/phase"
	"github.com/forgeops/pipeforge/internal/task"
	"github.com/forgeops/pipeforge/pkg/cerr"
	"github.com/forgeops/pipeforge/pkg/clog"
	"github.com/forgeops/pipeforge/pkg/panicerr"
)

// Service is the control surface consumed by the transport layer. Every
// operation works read-modify-write against the task store and, where the
// coordinator must react, publishes to the approval gate or re-drives the
// task in the background.
type Service struct {
	repo   task.Repository
	gate   *approval.Gate
	coord  *Coordinator
	sink   notify.Sink
	active *ActiveRegistry
	logger *slog.Logger
}

func NewService(
	repo task.Repository,
	gate *approval.Gate,
	coord *Coordinator,
	sink notify.Sink,
	active *ActiveRegistry,
	logger *slog.Logger,
) *Service {
	return &Service{
		repo:   repo,
		gate:   gate,
		coord:  coord,
		sink:   sink,
		active: active,
		logger: logger,
	}
}

// Start moves a pending task to in_progress, initializes its orchestration
// state and hands it to the coordinator. Starting a task twice is rejected.
func (s *Service) Start(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusInProgress {
		return nil, cerr.NewError(cerr.Aborted, "task already started", nil)
	}
	if t.Status != task.StatusPending {
		return nil, cerr.NewError(cerr.FailedPrecondition, "task cannot be started from its current status", nil)
	}

	now := time.Now()
	o := &task.Orchestration{
		CurrentPhase: phase.Planning,
		Phases:       phase.InitSteps(),
		StartedAt:    now,
	}
	// Coordination phases are generated exactly once, here. Repositories
	// added later do not extend the list.
	if len(t.Repositories) > 1 {
		o.CoordinationPhases = phase.GenerateCoordinationPhases(t.Repositories)
	}
	for _, ref := range t.Repositories {
		o.Team = append(o.Team, task.Story{
			ID:           ulid.Make().String(),
			RepositoryID: ref.RepositoryID,
			EpicID:       epicFor(o.CoordinationPhases, ref.RepositoryID),
			Status:       task.StoryStatusPending,
		})
	}
	t.Orchestration = o
	t.Status = task.StatusInProgress
	t.Touch()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.sink.Publish(ctx, t.ID, eventbus.EventTypeTaskStarted, map[string]string{
		"description": t.Description,
	})
	s.drive(taskID)
	return t, nil
}

// ContinueTask re-opens a failed or paused task, optionally with extra
// requirements injected as an untargeted directive. The phase to retry is
// re-derived from the last failed step rather than currentPhase, which may
// lag behind.
func (s *Service) ContinueTask(ctx context.Context, taskID, extraRequirements string) (*task.Task, error) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusFailed && t.Status != task.StatusPaused {
		return nil, cerr.NewError(cerr.FailedPrecondition, "task is not failed or paused", nil)
	}
	o := t.Orchestration
	if o == nil {
		return nil, cerr.NewError(cerr.FailedPrecondition, "task has not been started", nil)
	}

	now := time.Now()
	if name, ok := o.LastFailedPhase(); ok {
		if step, ok := o.Step(name); ok {
			step.Status = task.PhaseStatusPending
			step.Error = ""
		}
		o.CurrentPhase = name
	}
	for i := range o.Team {
		if o.Team[i].Status == task.StoryStatusFailed {
			o.Team[i].Status = task.StoryStatusPending
		}
	}
	if extraRequirements != "" {
		directive.Inject(o, extraRequirements, 0, "", "", now)
	}
	o.Paused = false
	o.PausedAt = nil
	o.PauseReason = ""
	t.Status = task.StatusInProgress
	t.Touch()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.sink.Publish(ctx, t.ID, eventbus.EventTypeTaskStatusChanged, map[string]string{
		"status": string(t.Status),
	})
	s.drive(taskID)
	return t, nil
}

// Approve applies a human decision to a gated phase and wakes the waiting
// coordinator. Rejection is terminal: the task fails and nothing after the
// rejected phase ever runs.
func (s *Service) Approve(ctx context.Context, taskID, phaseName string, approve bool, comments string) (*task.Task, error) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, cerr.NewError(cerr.FailedPrecondition, "task is terminal", nil)
	}

	dec := approval.Decision{
		Approved:  approve,
		DecidedBy: "human",
		Comments:  comments,
	}
	now := time.Now()
	rec, err := approval.Apply(t, phaseName, dec, now)
	if err != nil {
		return nil, err
	}
	if !approve {
		t.Status = task.StatusFailed
	}
	t.Touch()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.sink.Publish(ctx, t.ID, eventbus.EventTypeApprovalDecided, map[string]string{
		"phase":     phaseName,
		"approved":  boolString(approve),
		"record_id": rec.ID,
	})
	s.gate.Publish(taskID, phaseName, dec)
	if approve && !s.active.IsActive(taskID) {
		s.drive(taskID)
	}
	return t, nil
}

// ApproveStory applies a decision to one fan-out unit. Rejection skips the
// unit; approving a blocked unit re-queues it.
func (s *Service) ApproveStory(ctx context.Context, taskID, storyID string, approve bool, comments string) (*task.Task, error) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, cerr.NewError(cerr.FailedPrecondition, "task is terminal", nil)
	}
	o := t.Orchestration
	if o == nil {
		return nil, cerr.NewError(cerr.FailedPrecondition, "task has not been started", nil)
	}
	story, ok := o.Story(storyID)
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, "story not found", nil)
	}

	now := time.Now()
	o.AppendApproval(task.ApprovalRecord{
		ID:        ulid.Make().String(),
		Phase:     phase.TeamOrchestration,
		StoryID:   storyID,
		Approved:  approve,
		DecidedBy: "human",
		Comments:  comments,
		DecidedAt: now,
	})
	if approve {
		if story.Status == task.StoryStatusBlocked {
			story.Status = task.StoryStatusPending
		}
	} else {
		story.Status = task.StoryStatusSkipped
	}
	t.Touch()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	if approve && !s.active.IsActive(taskID) {
		s.drive(taskID)
	}
	return t, nil
}

// ConfigureAutoApproval updates the gate policy. When the coordinator is
// already blocked on a gate the new policy covers, the gate resolves
// immediately.
func (s *Service) ConfigureAutoApproval(ctx context.Context, taskID string, enabled bool, phases []string) (*task.Task, error) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	o := t.Orchestration
	if o == nil {
		return nil, cerr.NewError(cerr.FailedPrecondition, "task has not been started", nil)
	}
	o.AutoApprovalEnabled = enabled
	o.AutoApprovalPhases = phases
	t.Touch()

	if enabled && o.AutoApproves(o.CurrentPhase) && s.gate.Waiting(taskID, o.CurrentPhase) {
		dec := approval.AutoDecision()
		if _, err := approval.Apply(t, o.CurrentPhase, dec, time.Now()); err == nil {
			if err := s.repo.Update(ctx, t); err != nil {
				return nil, err
			}
			s.gate.Publish(taskID, o.CurrentPhase, dec)
			return t, nil
		}
	}
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Pause requests a cooperative stop at the next phase boundary.
func (s *Service) Pause(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusInProgress {
		return nil, cerr.NewError(cerr.FailedPrecondition, "task is not running", nil)
	}
	o := t.Orchestration
	now := time.Now()
	o.Paused = true
	o.PausedAt = &now
	o.PauseReason = task.PauseReasonManual
	t.Touch()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.gate.Interrupt(taskID)
	s.sink.Publish(ctx, t.ID, eventbus.EventTypeTaskStatusChanged, map[string]string{
		"status": string(task.StatusPaused),
		"reason": string(task.PauseReasonManual),
	})
	return t, nil
}

// Resume continues a paused task from the next phase boundary. A billing
// pause resumes exactly the outstanding fan-out units.
func (s *Service) Resume(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	o := t.Orchestration
	if o == nil || (!o.Paused && t.Status != task.StatusPaused) {
		return nil, cerr.NewError(cerr.FailedPrecondition, "task is not paused", nil)
	}
	o.Paused = false
	o.PausedAt = nil
	o.PauseReason = ""
	t.Status = task.StatusInProgress
	t.Touch()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.sink.Publish(ctx, t.ID, eventbus.EventTypeTaskStatusChanged, map[string]string{
		"status": string(t.Status),
	})
	s.drive(taskID)
	return t, nil
}

// Cancel requests cooperative termination. In-flight external calls finish;
// their results are discarded.
func (s *Service) Cancel(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, cerr.NewError(cerr.FailedPrecondition, "task is terminal", nil)
	}
	o := t.Orchestration
	if o == nil {
		t.Status = task.StatusCancelled
		t.Touch()
		if err := s.repo.Update(ctx, t); err != nil {
			return nil, err
		}
		return t, nil
	}
	o.CancelRequested = true
	t.Touch()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.gate.Interrupt(taskID)
	if !s.active.IsActive(taskID) {
		s.drive(taskID)
	}
	return t, nil
}

// InjectDirective queues an instruction for a future phase or agent.
func (s *Service) InjectDirective(ctx context.Context, taskID, content string, priority int, targetPhase, targetAgent string) (*task.Directive, error) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, cerr.NewError(cerr.FailedPrecondition, "task is terminal", nil)
	}
	o := t.Orchestration
	if o == nil {
		return nil, cerr.NewError(cerr.FailedPrecondition, "task has not been started", nil)
	}
	d := directive.Inject(o, content, priority, targetPhase, targetAgent, time.Now())
	t.Touch()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.sink.Publish(ctx, t.ID, eventbus.EventTypeDirectiveInjected, map[string]string{
		"directive_id": d.ID,
		"target_phase": targetPhase,
	})
	return &d, nil
}

// RemoveDirective deletes an unconsumed directive.
func (s *Service) RemoveDirective(ctx context.Context, taskID, directiveID string) error {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return err
	}
	o := t.Orchestration
	if o == nil {
		return cerr.NewError(cerr.FailedPrecondition, "task has not been started", nil)
	}
	if err := directive.Remove(o, directiveID); err != nil {
		return err
	}
	t.Touch()
	return s.repo.Update(ctx, t)
}

// ResolveIntervention applies a human decision to a blocked fan-out unit.
func (s *Service) ResolveIntervention(ctx context.Context, taskID string, resolution task.InterventionResolution, guidance string) (*task.Task, error) {
	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	o := t.Orchestration
	if o == nil || o.HumanIntervention == nil || !o.HumanIntervention.Required || o.HumanIntervention.Resolved {
		return nil, cerr.NewError(cerr.FailedPrecondition, "no intervention pending", nil)
	}

	now := time.Now()
	iv := o.HumanIntervention
	iv.Resolved = true
	iv.Resolution = resolution
	iv.HumanGuidance = guidance
	iv.ResolvedAt = &now

	story, _ := o.Story(iv.StoryID)
	switch resolution {
	case task.ResolutionContinue:
		if story != nil {
			done := time.Now()
			story.Status = task.StoryStatusCompleted
			story.CompletedAt = &done
			if ref, ok := t.Repository(story.RepositoryID); ok {
				ref.Status = task.RepositoryStatusDone
			}
		}
	case task.ResolutionSkip:
		if story != nil {
			story.Status = task.StoryStatusSkipped
			if ref, ok := t.Repository(story.RepositoryID); ok {
				ref.Status = task.RepositoryStatusDone
			}
		}
	case task.ResolutionRetry:
		if story != nil {
			story.Status = task.StoryStatusPending
			story.Guidance = guidance
			if ref, ok := t.Repository(story.RepositoryID); ok {
				ref.Status = task.RepositoryStatusAssigned
			}
		}
	case task.ResolutionAbort:
		o.CancelRequested = true
	default:
		return nil, cerr.NewError(cerr.InvalidArgument, "unknown resolution", nil)
	}

	t.Touch()
	if err := s.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	s.sink.Publish(ctx, t.ID, eventbus.EventTypeInterventionResolved, map[string]string{
		"resolution": string(resolution),
		"story_id":   iv.StoryID,
	})
	if !s.active.IsActive(taskID) {
		s.drive(taskID)
	}
	return t, nil
}

// drive re-invokes the coordinator in the background, detached from the
// request that triggered it.
func (s *Service) drive(taskID string) {
	go func() {
		ctx := clog.ContextWithSlog(context.Background())
		err := panicerr.Safe(func() error {
			return s.coord.Orchestrate(ctx, taskID)
		})()
		if err != nil {
			s.logger.ErrorContext(ctx, "orchestration stopped with error",
				slog.String("task_id", taskID),
				slog.Any("error", err),
			)
		}
	}()
}

func epicFor(phases []task.CoordinationPhase, repositoryID string) string {
	for _, p := range phases {
		for _, id := range p.Repositories {
			if id == repositoryID {
				return p.Name
			}
		}
	}
	return ""
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
