package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forgeops/pipeforge/internal/eventbus"
)

// Dispatcher bridges the event bus to web push. Only events that need a
// human's attention become push notifications.
type Dispatcher struct {
	eventBus *eventbus.Bus
	sender   *Sender
}

func NewDispatcher(eventBus *eventbus.Bus, sender *Sender) *Dispatcher {
	return &Dispatcher{
		eventBus: eventBus,
		sender:   sender,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	subID, ch := d.eventBus.Subscribe(256)
	defer d.eventBus.Unsubscribe(subID)

	slog.Info("push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("push notification dispatcher stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			switch event.Type {
			case eventbus.EventTypeApprovalRequested:
				d.handleApprovalRequested(ctx, event)
			case eventbus.EventTypeInterventionRequired:
				d.handleInterventionRequired(ctx, event)
			}
		}
	}
}

func (d *Dispatcher) handleApprovalRequested(ctx context.Context, event *eventbus.Event) {
	phase := event.Payload["phase"]
	d.sender.SendToAll(ctx, &PushPayload{
		Title: "Approval Required",
		Body:  fmt.Sprintf("Task %s is waiting for approval of phase %s", event.TaskID, phase),
		URL:   fmt.Sprintf("/tasks/%s", event.TaskID),
		Tag:   event.ID,
	})
}

func (d *Dispatcher) handleInterventionRequired(ctx context.Context, event *eventbus.Event) {
	reason := event.Payload["reason"]
	d.sender.SendToAll(ctx, &PushPayload{
		Title: "Human Intervention Required",
		Body:  fmt.Sprintf("Task %s needs a decision: %s", event.TaskID, reason),
		URL:   fmt.Sprintf("/tasks/%s", event.TaskID),
		Tag:   event.ID,
	})
}
