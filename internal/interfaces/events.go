package interfaces

import "context"

// EventType identifies a domain event.
type EventType string

const (
	// EventJobStatusChanged fires after a job's status is persisted.
	EventJobStatusChanged EventType = "job.status_changed"
	// EventFrameStatusChanged fires after an animation frame's status is persisted.
	EventFrameStatusChanged EventType = "frame.status_changed"
	// EventAnimationStatusChanged fires after an animation parent rolls up.
	EventAnimationStatusChanged EventType = "animation.status_changed"
	// EventTiledJobStatusChanged fires after a tiled job parent rolls up.
	EventTiledJobStatusChanged EventType = "tiledjob.status_changed"
	// EventWorkerRegistered fires when a worker registers or re-registers.
	EventWorkerRegistered EventType = "worker.registered"
)

// CauseAggregator marks events emitted by the aggregator's own cascaded
// writes. The aggregator ignores them to avoid re-entering its signal chain.
const CauseAggregator = "aggregator"

// Event is a domain event published after a state mutation is persisted.
type Event struct {
	Type    EventType              `json:"type"`
	Cause   string                 `json:"cause,omitempty"`
	Payload map[string]interface{} `json:"payload"`
}

// EventHandler processes a published event.
type EventHandler func(ctx context.Context, event Event) error

// EventService is a process-local pub/sub bus.
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	// Publish delivers asynchronously; handler errors are logged.
	Publish(ctx context.Context, event Event) error
	// PublishSync waits for all handlers; used where ordering matters
	// (aggregation observes one child transition at a time).
	PublishSync(ctx context.Context, event Event) error
	Close() error
}
