package task

import (
	"time"
)

// Status is the lifecycle status of a Task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further mutation except via
// an explicit resume/continue action.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PauseReason records why a task is paused.
type PauseReason string

const (
	PauseReasonManual  PauseReason = "manual"
	PauseReasonBilling PauseReason = "billing_error"
)

// Task is the aggregate root: one unit of requested work progressing
// through the pipeline.
type Task struct {
	ID            string          `yaml:"id"`
	Description   string          `yaml:"description"`
	Status        Status          `yaml:"status"`
	Repositories  []RepositoryRef `yaml:"repositories"`
	Orchestration *Orchestration  `yaml:"orchestration,omitempty"`
	CreatedAt     time.Time       `yaml:"created_at"`
	UpdatedAt     time.Time       `yaml:"updated_at"`
}

// RepositoryType classifies a repository for coordination-phase grouping.
type RepositoryType string

const (
	RepositoryTypeBackend        RepositoryType = "backend"
	RepositoryTypeAPI            RepositoryType = "api"
	RepositoryTypeFrontend       RepositoryType = "frontend"
	RepositoryTypeMobile         RepositoryType = "mobile"
	RepositoryTypeInfrastructure RepositoryType = "infrastructure"
	RepositoryTypeDocs           RepositoryType = "docs"
)

// RepositoryStatus is the per-repository execution status within a task.
type RepositoryStatus string

const (
	RepositoryStatusAssigned   RepositoryStatus = "assigned"
	RepositoryStatusInProgress RepositoryStatus = "in-progress"
	RepositoryStatusBlocked    RepositoryStatus = "blocked"
	RepositoryStatusDone       RepositoryStatus = "done"
)

// RepositoryRef is a repository participating in a task.
type RepositoryRef struct {
	RepositoryID string           `yaml:"repository_id"`
	Type         RepositoryType   `yaml:"type"`
	Status       RepositoryStatus `yaml:"status"`
	PullRequest  string           `yaml:"pull_request,omitempty"`
	Changes      string           `yaml:"changes,omitempty"`
}

// PhaseStatus is the status of one pipeline phase step.
type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusInProgress PhaseStatus = "in-progress"
	PhaseStatusCompleted  PhaseStatus = "completed"
	PhaseStatusFailed     PhaseStatus = "failed"
	PhaseStatusCancelled  PhaseStatus = "cancelled"
)

// ApprovalStatus is the decision state of a phase gate.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// Approval is the gate sub-record attached to a gated phase step.
type Approval struct {
	Status      ApprovalStatus `yaml:"status"`
	RequestedAt time.Time      `yaml:"requested_at"`
	ApprovedBy  string         `yaml:"approved_by,omitempty"`
	ApprovedAt  *time.Time     `yaml:"approved_at,omitempty"`
	Comments    string         `yaml:"comments,omitempty"`
}

// PhaseStep is the runtime record of one phase in the pipeline.
type PhaseStep struct {
	Name        string      `yaml:"name"`
	Status      PhaseStatus `yaml:"status"`
	StartedAt   *time.Time  `yaml:"started_at,omitempty"`
	CompletedAt *time.Time  `yaml:"completed_at,omitempty"`
	Attempts    int         `yaml:"attempts,omitempty"`
	Error       string      `yaml:"error,omitempty"`
	Output      string      `yaml:"output,omitempty"`
	Approval    *Approval   `yaml:"approval,omitempty"`
}

// ApprovalRecord is one append-only audit entry for a gate decision.
// Records are never mutated or deleted after append.
type ApprovalRecord struct {
	ID           string    `yaml:"id"`
	Phase        string    `yaml:"phase"`
	StoryID      string    `yaml:"story_id,omitempty"`
	Approved     bool      `yaml:"approved"`
	AutoApproved bool      `yaml:"auto_approved"`
	DecidedBy    string    `yaml:"decided_by"`
	Comments     string    `yaml:"comments,omitempty"`
	DecidedAt    time.Time `yaml:"decided_at"`
}

// Directive is a user-injected instruction consumed by a future phase.
type Directive struct {
	ID          string     `yaml:"id"`
	Content     string     `yaml:"content"`
	Priority    int        `yaml:"priority"`
	TargetPhase string     `yaml:"target_phase,omitempty"`
	TargetAgent string     `yaml:"target_agent,omitempty"`
	Consumed    bool       `yaml:"consumed"`
	ConsumedAt  *time.Time `yaml:"consumed_at,omitempty"`
	CreatedAt   time.Time  `yaml:"created_at"`
}

// InterventionResolution is the human decision for a blocked story.
type InterventionResolution string

const (
	ResolutionContinue InterventionResolution = "continue"
	ResolutionSkip     InterventionResolution = "skip"
	ResolutionAbort    InterventionResolution = "abort"
	ResolutionRetry    InterventionResolution = "retry"
)

// Intervention is raised when one story's work cannot proceed automatically.
type Intervention struct {
	Required      bool                   `yaml:"required"`
	StoryID       string                 `yaml:"story_id"`
	Reason        string                 `yaml:"reason"`
	Resolved      bool                   `yaml:"resolved"`
	Resolution    InterventionResolution `yaml:"resolution,omitempty"`
	HumanGuidance string                 `yaml:"human_guidance,omitempty"`
	RaisedAt      time.Time              `yaml:"raised_at"`
	ResolvedAt    *time.Time             `yaml:"resolved_at,omitempty"`
}

// StoryStatus is the status of one fan-out unit.
type StoryStatus string

const (
	StoryStatusPending    StoryStatus = "pending"
	StoryStatusInProgress StoryStatus = "in-progress"
	StoryStatusCompleted  StoryStatus = "completed"
	StoryStatusFailed     StoryStatus = "failed"
	StoryStatusBlocked    StoryStatus = "blocked"
	StoryStatusSkipped    StoryStatus = "skipped"
)

// Terminal reports whether the story needs no further driving.
func (s StoryStatus) Terminal() bool {
	return s == StoryStatusCompleted || s == StoryStatusSkipped
}

// Story is one independently progressing fan-out unit within the
// team-orchestration phase, scoped to a single repository.
type Story struct {
	ID           string      `yaml:"id"`
	RepositoryID string      `yaml:"repository_id"`
	EpicID       string      `yaml:"epic_id,omitempty"`
	Status       StoryStatus `yaml:"status"`
	Attempts     int         `yaml:"attempts,omitempty"`
	Error        string      `yaml:"error,omitempty"`
	Output       string      `yaml:"output,omitempty"`
	Guidance     string      `yaml:"guidance,omitempty"`
	StartedAt    *time.Time  `yaml:"started_at,omitempty"`
	CompletedAt  *time.Time  `yaml:"completed_at,omitempty"`
}

// CoordinationPhase is one entry of the auto-generated multi-repository
// ordering. Generated once per task and never regenerated.
type CoordinationPhase struct {
	Name         string      `yaml:"name"`
	Repositories []string    `yaml:"repositories"`
	Dependencies []string    `yaml:"dependencies"`
	Status       PhaseStatus `yaml:"status"`
}

// TokenStats accumulates agent usage for a task. Totals only ever increase.
type TokenStats struct {
	TokensIn  int64      `yaml:"tokens_in"`
	TokensOut int64      `yaml:"tokens_out"`
	CostUSD   float64    `yaml:"cost_usd"`
	Calls     int64      `yaml:"calls"`
	UpdatedAt *time.Time `yaml:"updated_at,omitempty"`
}

// Add accumulates one agent call's usage. Negative deltas are ignored so
// the totals stay monotonic even if a collaborator misreports.
func (t *TokenStats) Add(tokensIn, tokensOut int64, costUSD float64) {
	if tokensIn > 0 {
		t.TokensIn += tokensIn
	}
	if tokensOut > 0 {
		t.TokensOut += tokensOut
	}
	if costUSD > 0 {
		t.CostUSD += costUSD
	}
	t.Calls++
	now := time.Now()
	t.UpdatedAt = &now
}

// Orchestration is the state machine instance embedded in a Task, created
// when the task starts and owned exclusively by it.
type Orchestration struct {
	CurrentPhase        string              `yaml:"current_phase"`
	Phases              []PhaseStep         `yaml:"phases"`
	AutoApprovalEnabled bool                `yaml:"auto_approval_enabled"`
	AutoApprovalPhases  []string            `yaml:"auto_approval_phases,omitempty"`
	ApprovalHistory     []ApprovalRecord    `yaml:"approval_history,omitempty"`
	PendingDirectives   []Directive         `yaml:"pending_directives,omitempty"`
	DirectiveHistory    []Directive         `yaml:"directive_history,omitempty"`
	HumanIntervention   *Intervention       `yaml:"human_intervention,omitempty"`
	Paused              bool                `yaml:"paused"`
	PausedAt            *time.Time          `yaml:"paused_at,omitempty"`
	PauseReason         PauseReason         `yaml:"pause_reason,omitempty"`
	CancelRequested     bool                `yaml:"cancel_requested"`
	Team                []Story             `yaml:"team,omitempty"`
	CoordinationPhases  []CoordinationPhase `yaml:"coordination_phases,omitempty"`
	TokenStats          TokenStats          `yaml:"token_stats"`
	PendingEpicIDs      []string            `yaml:"pending_epic_ids,omitempty"`
	StartedAt           time.Time           `yaml:"started_at"`
}

// Step returns the phase step with the given name.
func (o *Orchestration) Step(name string) (*PhaseStep, bool) {
	for i := range o.Phases {
		if o.Phases[i].Name == name {
			return &o.Phases[i], true
		}
	}
	return nil, false
}

// StepCompleted reports whether the named phase has completed.
func (o *Orchestration) StepCompleted(name string) bool {
	step, ok := o.Step(name)
	return ok && step.Status == PhaseStatusCompleted
}

// Story returns the fan-out unit with the given ID.
func (o *Orchestration) Story(id string) (*Story, bool) {
	for i := range o.Team {
		if o.Team[i].ID == id {
			return &o.Team[i], true
		}
	}
	return nil, false
}

// AutoApproves reports whether the named phase self-approves rather
// than blocking on a human decision.
func (o *Orchestration) AutoApproves(phase string) bool {
	if !o.AutoApprovalEnabled {
		return false
	}
	if len(o.AutoApprovalPhases) == 0 {
		return true
	}
	for _, p := range o.AutoApprovalPhases {
		if p == phase {
			return true
		}
	}
	return false
}

// AppendApproval records a gate decision in the append-only audit log.
func (o *Orchestration) AppendApproval(rec ApprovalRecord) {
	o.ApprovalHistory = append(o.ApprovalHistory, rec)
}

// LastFailedPhase returns the name of the last phase marked failed, used by
// failed-task recovery where CurrentPhase may lag the actual failure point.
func (o *Orchestration) LastFailedPhase() (string, bool) {
	for i := len(o.Phases) - 1; i >= 0; i-- {
		if o.Phases[i].Status == PhaseStatusFailed {
			return o.Phases[i].Name, true
		}
	}
	return "", false
}

// Repository returns the repository record with the given ID.
func (t *Task) Repository(id string) (*RepositoryRef, bool) {
	for i := range t.Repositories {
		if t.Repositories[i].RepositoryID == id {
			return &t.Repositories[i], true
		}
	}
	return nil, false
}

// Touch bumps the task's modification time.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now()
}
