package workflow

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType tags a typed workflow event.
type EventType string

const (
	EventWorkflowStarted    EventType = "workflow_started"
	EventWorkflowPaused     EventType = "workflow_paused"
	EventWorkflowResumed    EventType = "workflow_resumed"
	EventWorkflowCompleted  EventType = "workflow_completed"
	EventWorkflowFailed     EventType = "workflow_failed"
	EventWorkflowCancelled  EventType = "workflow_cancelled"
	EventWorkflowRolledBack EventType = "workflow_rolled_back"
	EventTaskStarted        EventType = "task_started"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventTaskSkipped        EventType = "task_skipped"
	EventApprovalRequired   EventType = "approval_required"
	EventApprovalGranted    EventType = "approval_granted"
	EventApprovalRejected   EventType = "approval_rejected"
	EventApprovalExpired    EventType = "approval_expired"
	EventCheckpointCreated  EventType = "checkpoint_created"
)

// Event is one entry of an instance's ordered event sequence. Sequence
// numbers are per-instance and strictly increasing; events for a given task
// are published Started-before-Completed/Failed.
type Event struct {
	Type       EventType      `json:"type"`
	InstanceID string         `json:"instance_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Sequence   int64          `json:"sequence"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// subscriberBuffer bounds a live subscriber channel; slow consumers drop
// events rather than stall the engine. The retained history stays complete.
const subscriberBuffer = 64

type instanceStream struct {
	seq     int64
	history []Event
	subs    map[int]chan Event
	nextSub int
}

// EventBus retains the ordered event history per instance and fans events
// out to live subscribers.
type EventBus struct {
	mu      sync.Mutex
	streams map[string]*instanceStream
	logger  *zap.Logger
}

// NewEventBus creates an event bus.
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		streams: make(map[string]*instanceStream),
		logger:  logger.With(zap.String("component", "event_bus")),
	}
}

func (b *EventBus) stream(instanceID string) *instanceStream {
	s, ok := b.streams[instanceID]
	if !ok {
		s = &instanceStream{subs: make(map[int]chan Event)}
		b.streams[instanceID] = s
	}
	return s
}

// Publish appends the event to the instance history and delivers it to live
// subscribers. Delivery is non-blocking; a full subscriber drops the event.
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	s := b.stream(ev.InstanceID)
	s.seq++
	ev.Sequence = s.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.history = append(s.history, ev)
	subs := make([]chan Event, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber buffer full, dropping event",
				zap.String("instance_id", ev.InstanceID),
				zap.String("type", string(ev.Type)),
			)
		}
	}
}

// Subscribe returns a live channel for an instance's events plus a cancel
// function. With replay, the retained history is queued ahead of live events
// so the caller observes the full ordered sequence.
func (b *EventBus) Subscribe(instanceID string, replay bool) (<-chan Event, func()) {
	b.mu.Lock()
	s := b.stream(instanceID)
	size := subscriberBuffer
	if replay && len(s.history) > size {
		size = len(s.history) + subscriberBuffer
	}
	ch := make(chan Event, size)
	if replay {
		for _, ev := range s.history {
			ch <- ev
		}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if cur, ok := s.subs[id]; ok && cur == ch {
			delete(s.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// History returns a copy of the ordered event sequence for an instance.
func (b *EventBus) History(instanceID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[instanceID]
	if !ok {
		return nil
	}
	out := make([]Event, len(s.history))
	copy(out, s.history)
	return out
}
