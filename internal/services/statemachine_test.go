package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atelierml/backend/internal/models"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		current models.JobState
		event   Event
		next    models.JobState
		ok      bool
	}{
		{"queued accepts progress", models.JobStateQueued, EventProgress, models.JobStateProcessing, true},
		{"queued accepts completed", models.JobStateQueued, EventCompleted, models.JobStateCompleted, true},
		{"queued accepts failed", models.JobStateQueued, EventFailed, models.JobStateFailed, true},
		{"queued accepts retry", models.JobStateQueued, EventRetry, models.JobStateRetrying, true},
		{"processing self-loops on progress", models.JobStateProcessing, EventProgress, models.JobStateProcessing, true},
		{"processing accepts completed", models.JobStateProcessing, EventCompleted, models.JobStateCompleted, true},
		{"processing accepts retry", models.JobStateProcessing, EventRetry, models.JobStateRetrying, true},
		{"retrying returns to processing on progress", models.JobStateRetrying, EventProgress, models.JobStateProcessing, true},
		{"retrying accepts completed", models.JobStateRetrying, EventCompleted, models.JobStateCompleted, true},
		{"retrying accepts failed", models.JobStateRetrying, EventFailed, models.JobStateFailed, true},
		{"completed rejects progress", models.JobStateCompleted, EventProgress, models.JobStateCompleted, false},
		{"completed rejects failed", models.JobStateCompleted, EventFailed, models.JobStateCompleted, false},
		{"failed rejects completed", models.JobStateFailed, EventCompleted, models.JobStateFailed, false},
		{"failed rejects retry", models.JobStateFailed, EventRetry, models.JobStateFailed, false},
		{"unknown state rejects everything", models.JobState("bogus"), EventProgress, models.JobState("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok := Transition(tt.current, tt.event)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.next, next)
		})
	}
}

func TestTransition_TerminalStatesAbsorbEverything(t *testing.T) {
	events := []Event{EventProgress, EventCompleted, EventFailed, EventRetry}
	for _, state := range []models.JobState{models.JobStateCompleted, models.JobStateFailed} {
		for _, event := range events {
			next, ok := Transition(state, event)
			assert.False(t, ok, "terminal state %s must reject %s", state, event)
			assert.Equal(t, state, next)
		}
	}
}

func TestTransition_EventualTerminalUnderAnySequence(t *testing.T) {
	// Whatever interleaving of callbacks arrives, once a terminal state is
	// reached no further input moves the job.
	sequence := []Event{EventProgress, EventRetry, EventProgress, EventCompleted, EventFailed, EventProgress, EventRetry}

	state := models.JobStateQueued
	for _, event := range sequence {
		if next, ok := Transition(state, event); ok {
			state = next
		}
	}

	assert.Equal(t, models.JobStateCompleted, state)
}
