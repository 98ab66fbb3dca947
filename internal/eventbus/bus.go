package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType identifies what happened to a task.
type EventType string

const (
	EventTypeTaskStarted          EventType = "task.started"
	EventTypeTaskStatusChanged    EventType = "task.status_changed"
	EventTypeTaskCompleted        EventType = "task.completed"
	EventTypePhaseStarted         EventType = "phase.started"
	EventTypePhaseCompleted       EventType = "phase.completed"
	EventTypePhaseFailed          EventType = "phase.failed"
	EventTypeApprovalRequested    EventType = "approval.requested"
	EventTypeApprovalDecided      EventType = "approval.decided"
	EventTypeDirectiveInjected    EventType = "directive.injected"
	EventTypeDirectiveConsumed    EventType = "directive.consumed"
	EventTypeInterventionRequired EventType = "intervention.required"
	EventTypeInterventionResolved EventType = "intervention.resolved"
	EventTypeStoryCompleted       EventType = "story.completed"
)

// Event is a task lifecycle notification fanned out to subscribers.
type Event struct {
	ID        string
	Type      EventType
	TaskID    string
	Payload   map[string]string
	CreatedAt time.Time
}

// Bus is an in-process publish/subscribe fan-out. Delivery is best effort:
// a subscriber with a full buffer misses the event rather than blocking
// the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

func (b *Bus) PublishNew(eventType EventType, taskID string, payload map[string]string) {
	b.Publish(&Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		TaskID:    taskID,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}
