package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/forgeops/pipeforge/internal/notify"
	"github.com/forgeops/pipeforge/internal/orchestrator"
	"github.com/forgeops/pipeforge/internal/task"
	"github.com/forgeops/pipeforge/pkg/cerr"
)

// Control is the thin JSON glue over the orchestrator service. It does no
// business logic of its own; every handler decodes, delegates and encodes.
type Control struct {
	svc     *orchestrator.Service
	repo    task.Repository
	subRepo notify.SubscriptionRepository
}

func NewControl(svc *orchestrator.Service, repo task.Repository, subRepo notify.SubscriptionRepository) *Control {
	return &Control{svc: svc, repo: repo, subRepo: subRepo}
}

// Routes mounts the control surface on r.
func (c *Control) Routes(r chi.Router) {
	r.Post("/tasks", c.createTask)
	r.Get("/tasks/{taskID}", c.getTask)
	r.Post("/tasks/{taskID}/start", c.startTask)
	r.Post("/tasks/{taskID}/continue", c.continueTask)
	r.Post("/tasks/{taskID}/approve", c.approve)
	r.Post("/tasks/{taskID}/stories/{storyID}/approve", c.approveStory)
	r.Post("/tasks/{taskID}/auto-approval", c.configureAutoApproval)
	r.Post("/tasks/{taskID}/pause", c.pause)
	r.Post("/tasks/{taskID}/resume", c.resume)
	r.Post("/tasks/{taskID}/cancel", c.cancel)
	r.Post("/tasks/{taskID}/directives", c.injectDirective)
	r.Delete("/tasks/{taskID}/directives/{directiveID}", c.removeDirective)
	r.Post("/tasks/{taskID}/intervention", c.resolveIntervention)
	r.Post("/push-subscriptions", c.createSubscription)
}

type taskResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	TeamStatus   string `json:"team_status"`
	CurrentPhase string `json:"current_phase,omitempty"`
	Paused       bool   `json:"paused,omitempty"`
	Approvals    int    `json:"approvals,omitempty"`
}

func toTaskResponse(t *task.Task) *taskResponse {
	resp := &taskResponse{
		ID:         t.ID,
		Status:     string(t.Status),
		TeamStatus: string(task.AggregateRepositoryStatus(t.Repositories)),
	}
	if o := t.Orchestration; o != nil {
		resp.CurrentPhase = o.CurrentPhase
		resp.Paused = o.Paused
		resp.Approvals = len(o.ApprovalHistory)
	}
	return resp
}

func (c *Control) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		cerr.WriteJSONError(r.Context(), w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decode[T any](r *http.Request) (*T, error) {
	var v T
	if r.Body == nil || r.ContentLength == 0 {
		return &v, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "invalid request body", err)
	}
	return &v, nil
}

func (c *Control) createTask(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		Description  string `json:"description"`
		Repositories []struct {
			RepositoryID string `json:"repository_id"`
			Type         string `json:"type"`
		} `json:"repositories"`
	}](r)
	if err != nil {
		c.respond(w, r, nil, err)
		return
	}

	now := time.Now()
	t := &task.Task{
		ID:          ulid.Make().String(),
		Description: req.Description,
		Status:      task.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, repo := range req.Repositories {
		t.Repositories = append(t.Repositories, task.RepositoryRef{
			RepositoryID: repo.RepositoryID,
			Type:         task.RepositoryType(repo.Type),
			Status:       task.RepositoryStatusAssigned,
		})
	}
	if err := c.repo.Create(r.Context(), t); err != nil {
		c.respond(w, r, nil, err)
		return
	}
	c.respond(w, r, toTaskResponse(t), nil)
}

func (c *Control) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := c.repo.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		c.respond(w, r, nil, err)
		return
	}
	c.respond(w, r, toTaskResponse(t), nil)
}

func (c *Control) startTask(w http.ResponseWriter, r *http.Request) {
	t, err := c.svc.Start(r.Context(), chi.URLParam(r, "taskID"))
	c.respond(w, r, toTaskResponseOrNil(t), err)
}

func (c *Control) continueTask(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		ExtraRequirements string `json:"extra_requirements"`
	}](r)
	if err != nil {
		c.respond(w, r, nil, err)
		return
	}
	t, err := c.svc.ContinueTask(r.Context(), chi.URLParam(r, "taskID"), req.ExtraRequirements)
	c.respond(w, r, toTaskResponseOrNil(t), err)
}

func (c *Control) approve(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		Phase    string `json:"phase"`
		Approved bool   `json:"approved"`
		Comments string `json:"comments"`
	}](r)
	if err != nil {
		c.respond(w, r, nil, err)
		return
	}
	t, err := c.svc.Approve(r.Context(), chi.URLParam(r, "taskID"), req.Phase, req.Approved, req.Comments)
	c.respond(w, r, toTaskResponseOrNil(t), err)
}

func (c *Control) approveStory(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		Approved bool   `json:"approved"`
		Comments string `json:"comments"`
	}](r)
	if err != nil {
		c.respond(w, r, nil, err)
		return
	}
	t, err := c.svc.ApproveStory(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "storyID"), req.Approved, req.Comments)
	c.respond(w, r, toTaskResponseOrNil(t), err)
}

func (c *Control) configureAutoApproval(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		Enabled bool     `json:"enabled"`
		Phases  []string `json:"phases"`
	}](r)
	if err != nil {
		c.respond(w, r, nil, err)
		return
	}
	t, err := c.svc.ConfigureAutoApproval(r.Context(), chi.URLParam(r, "taskID"), req.Enabled, req.Phases)
	c.respond(w, r, toTaskResponseOrNil(t), err)
}

func (c *Control) pause(w http.ResponseWriter, r *http.Request) {
	t, err := c.svc.Pause(r.Context(), chi.URLParam(r, "taskID"))
	c.respond(w, r, toTaskResponseOrNil(t), err)
}

func (c *Control) resume(w http.ResponseWriter, r *http.Request) {
	t, err := c.svc.Resume(r.Context(), chi.URLParam(r, "taskID"))
	c.respond(w, r, toTaskResponseOrNil(t), err)
}

func (c *Control) cancel(w http.ResponseWriter, r *http.Request) {
	t, err := c.svc.Cancel(r.Context(), chi.URLParam(r, "taskID"))
	c.respond(w, r, toTaskResponseOrNil(t), err)
}

func (c *Control) injectDirective(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		Content     string `json:"content"`
		Priority    int    `json:"priority"`
		TargetPhase string `json:"target_phase"`
		TargetAgent string `json:"target_agent"`
	}](r)
	if err != nil {
		c.respond(w, r, nil, err)
		return
	}
	d, err := c.svc.InjectDirective(r.Context(), chi.URLParam(r, "taskID"), req.Content, req.Priority, req.TargetPhase, req.TargetAgent)
	if err != nil {
		c.respond(w, r, nil, err)
		return
	}
	c.respond(w, r, map[string]string{"directive_id": d.ID}, nil)
}

func (c *Control) removeDirective(w http.ResponseWriter, r *http.Request) {
	err := c.svc.RemoveDirective(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "directiveID"))
	c.respond(w, r, map[string]string{"status": "ok"}, err)
}

func (c *Control) resolveIntervention(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		Resolution string `json:"resolution"`
		Guidance   string `json:"guidance"`
	}](r)
	if err != nil {
		c.respond(w, r, nil, err)
		return
	}
	t, err := c.svc.ResolveIntervention(r.Context(), chi.URLParam(r, "taskID"), task.InterventionResolution(req.Resolution), req.Guidance)
	c.respond(w, r, toTaskResponseOrNil(t), err)
}

func (c *Control) createSubscription(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		Endpoint  string `json:"endpoint"`
		P256dhKey string `json:"p256dh_key"`
		AuthKey   string `json:"auth_key"`
	}](r)
	if err != nil {
		c.respond(w, r, nil, err)
		return
	}
	sub := &notify.Subscription{
		ID:        ulid.Make().String(),
		Endpoint:  req.Endpoint,
		P256dhKey: req.P256dhKey,
		AuthKey:   req.AuthKey,
		CreatedAt: time.Now(),
	}
	if err := c.subRepo.Create(r.Context(), sub); err != nil {
		c.respond(w, r, nil, err)
		return
	}
	c.respond(w, r, map[string]string{"id": sub.ID}, nil)
}

func toTaskResponseOrNil(t *task.Task) *taskResponse {
	if t == nil {
		return nil
	}
	return toTaskResponse(t)
}
