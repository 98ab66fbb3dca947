package notify

import (
	"context"

	"github.com/forgeops/pipeforge/internal/eventbus"
)

// Sink receives fire-and-forget task lifecycle notifications. A sink must
// never block or fail the caller; delivery problems are its own business.
type Sink interface {
	Publish(ctx context.Context, taskID string, eventType eventbus.EventType, payload map[string]string)
}

// BusSink publishes notifications onto the in-process event bus.
type BusSink struct {
	bus *eventbus.Bus
}

func NewBusSink(bus *eventbus.Bus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Publish(ctx context.Context, taskID string, eventType eventbus.EventType, payload map[string]string) {
	s.bus.PublishNew(eventType, taskID, payload)
}

// MultiSink fans one notification out to several sinks.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Publish(ctx context.Context, taskID string, eventType eventbus.EventType, payload map[string]string) {
	for _, sink := range s.sinks {
		sink.Publish(ctx, taskID, eventType, payload)
	}
}

// NopSink discards every notification.
type NopSink struct{}

func (NopSink) Publish(ctx context.Context, taskID string, eventType eventbus.EventType, payload map[string]string) {
}
