package services

import "github.com/atelierml/backend/internal/models"

// Event is a callback-driven input to the job state machine.
type Event string

const (
	// EventProgress is a worker progress/ack callback.
	EventProgress Event = "progress"
	// EventCompleted is a worker success callback.
	EventCompleted Event = "completed"
	// EventFailed is a worker failure classified as terminal (or with
	// retries exhausted).
	EventFailed Event = "failed"
	// EventRetry is a worker failure classified as transient with retry
	// budget remaining.
	EventRetry Event = "retry"
)

// transitions is the full lifecycle table. Terminal states accept nothing;
// the queue delivers at least once and out of order, so every input missing
// from this table is a stale duplicate to absorb, not an error.
var transitions = map[models.JobState]map[Event]models.JobState{
	models.JobStateQueued: {
		EventProgress:  models.JobStateProcessing,
		EventCompleted: models.JobStateCompleted,
		EventFailed:    models.JobStateFailed,
		EventRetry:     models.JobStateRetrying,
	},
	models.JobStateProcessing: {
		EventProgress:  models.JobStateProcessing,
		EventCompleted: models.JobStateCompleted,
		EventFailed:    models.JobStateFailed,
		EventRetry:     models.JobStateRetrying,
	},
	models.JobStateRetrying: {
		EventProgress:  models.JobStateProcessing,
		EventCompleted: models.JobStateCompleted,
		EventFailed:    models.JobStateFailed,
		EventRetry:     models.JobStateRetrying,
	},
}

// Transition is the pure transition function. ok is false when the event is
// not valid from the current state; callers absorb that silently (the
// webhook still answers success) and log it.
func Transition(current models.JobState, event Event) (next models.JobState, ok bool) {
	byEvent, found := transitions[current]
	if !found {
		return current, false
	}
	next, ok = byEvent[event]
	if !ok {
		return current, false
	}
	return next, true
}
