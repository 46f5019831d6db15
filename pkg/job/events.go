package job

import "time"

// EventType names a job lifecycle announcement.
type EventType string

const (
	EventCreated   EventType = "job_created"
	EventStarted   EventType = "job_started"
	EventProgress  EventType = "job_progress"
	EventPaused    EventType = "job_paused"
	EventResumed   EventType = "job_resumed"
	EventCompleted EventType = "job_completed"
	EventFailed    EventType = "job_failed"
	EventRetried   EventType = "job_retried"
)

// Event is delivered to observers after a job mutation. Job is a snapshot taken
// under the table lock; From is the previous status for lifecycle events.
type Event struct {
	Type     EventType       `json:"type"`
	Job      Job             `json:"job"`
	From     Status          `json:"from,omitempty"`
	Progress *ProgressUpdate `json:"progress,omitempty"`
	At       time.Time       `json:"at"`
}

// Observer receives job events synchronously and in emission order.
// Implementations must return quickly and must not call mutating Orchestrator
// methods from OnJobEvent.
type Observer interface {
	OnJobEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnJobEvent(e Event) { f(e) }
