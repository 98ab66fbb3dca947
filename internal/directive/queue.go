package directive

import (
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forgeops/pipeforge/internal/task"
	"github.com/forgeops/pipeforge/pkg/cerr"
)

// Inject appends a directive to the pending queue. Pending entries are
// immutable until they are consumed or removed.
func Inject(o *task.Orchestration, content string, priority int, targetPhase, targetAgent string, now time.Time) task.Directive {
	d := task.Directive{
		ID:          ulid.Make().String(),
		Content:     content,
		Priority:    priority,
		TargetPhase: targetPhase,
		TargetAgent: targetAgent,
		CreatedAt:   now,
	}
	o.PendingDirectives = append(o.PendingDirectives, d)
	return d
}

// Remove deletes an unconsumed directive from the pending queue.
func Remove(o *task.Orchestration, id string) error {
	for i, d := range o.PendingDirectives {
		if d.ID != id {
			continue
		}
		o.PendingDirectives = append(o.PendingDirectives[:i], o.PendingDirectives[i+1:]...)
		return nil
	}
	return cerr.NewError(cerr.NotFound, "directive not found", nil)
}

// matches reports whether a directive applies to the upcoming phase or
// agent. Untargeted directives match everything.
func matches(d task.Directive, phaseName, agentType string) bool {
	if d.TargetPhase == "" && d.TargetAgent == "" {
		return true
	}
	if d.TargetPhase != "" && d.TargetPhase == phaseName {
		return true
	}
	if d.TargetAgent != "" && agentType != "" && d.TargetAgent == agentType {
		return true
	}
	return false
}

// Consume moves every pending directive matching the upcoming phase or agent
// to the history, marking it consumed, and returns the consumed entries in
// priority order (highest first, then oldest first). Non-matching entries
// stay pending indefinitely. Each entry moves pending to history at most
// once.
func Consume(o *task.Orchestration, phaseName, agentType string, now time.Time) []task.Directive {
	var consumed []task.Directive
	var remaining []task.Directive
	for _, d := range o.PendingDirectives {
		if !matches(d, phaseName, agentType) {
			remaining = append(remaining, d)
			continue
		}
		d.Consumed = true
		t := now
		d.ConsumedAt = &t
		consumed = append(consumed, d)
	}
	if len(consumed) == 0 {
		return nil
	}

	sort.SliceStable(consumed, func(i, j int) bool {
		if consumed[i].Priority != consumed[j].Priority {
			return consumed[i].Priority > consumed[j].Priority
		}
		return consumed[i].CreatedAt.Before(consumed[j].CreatedAt)
	})

	o.PendingDirectives = remaining
	o.DirectiveHistory = append(o.DirectiveHistory, consumed...)
	return consumed
}

// MergeContext joins consumed directive contents into one context block for
// the phase input, in consumption order.
func MergeContext(consumed []task.Directive) string {
	if len(consumed) == 0 {
		return ""
	}
	out := ""
	for i, d := range consumed {
		if i > 0 {
			out += "\n"
		}
		out += d.Content
	}
	return out
}
