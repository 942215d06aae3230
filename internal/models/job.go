package models

import (
	"encoding/json"
	"time"
)

// JobType names the durable queue a job is published to.
type JobType string

const (
	JobTypeTraining   JobType = "model_training"
	JobTypeGeneration JobType = "image_generation"
)

// JobState is the lifecycle state of a long-running job.
//
// queued -> processing -> {retrying -> processing}* -> completed | failed
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateProcessing JobState = "processing"
	JobStateRetrying   JobState = "retrying"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// Terminal reports whether no further transitions are accepted.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Progress is the worker-reported progress payload, stored as JSONB.
// Training workers report epochs, inference workers report steps.
type Progress struct {
	CurrentStep      *int      `json:"current_step,omitempty"`
	TotalSteps       *int      `json:"total_steps,omitempty"`
	CurrentEpoch     *int      `json:"current_epoch,omitempty"`
	TotalEpochs      *int      `json:"total_epochs,omitempty"`
	ProgressPercent  float64   `json:"progress_percent"`
	EstimatedSeconds *int      `json:"estimated_seconds,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TrainingParams is the job-specific payload for style training.
type TrainingParams struct {
	StyleID    int64    `json:"style_id" validate:"required,gt=0"`
	ImagePaths []string `json:"image_paths" validate:"required,min=1,max=10,dive,required"`
	NumEpochs  int      `json:"num_epochs" validate:"omitempty,gt=0,lte=1000"`
}

// GenerationParams is the job-specific payload for image generation.
type GenerationParams struct {
	StyleID     int64  `json:"style_id" validate:"required,gt=0"`
	LoraPath    string `json:"lora_path" validate:"required"`
	Prompt      string `json:"prompt" validate:"required"`
	AspectRatio string `json:"aspect_ratio" validate:"required,oneof=1:1 2:2 1:2"`
	Seed        *int64 `json:"seed,omitempty"`
}

// Job is one unit of asynchronous work tracked end-to-end. Rows are created
// by the job service (tokens already debited) and mutated only by the webhook
// pipeline. Jobs are never deleted; terminal rows are kept for history.
type Job struct {
	ID             int64           `json:"id" db:"id"`
	OwnerID        int64           `json:"owner_id" db:"owner_id"`
	Type           JobType         `json:"type" db:"job_type"`
	State          JobState        `json:"state" db:"state"`
	TaskID         string          `json:"task_id" db:"task_id"`
	RetryCount     int             `json:"retry_count" db:"retry_count"`
	ConsumedTokens int64           `json:"consumed_tokens" db:"consumed_tokens"`
	Params         json.RawMessage `json:"params" db:"params"`
	Progress       *Progress       `json:"progress,omitempty" db:"progress"`
	ResultRef      *string         `json:"result_ref,omitempty" db:"result_ref"`
	Metadata       map[string]any  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// ProcessedWebhook makes callback processing idempotent. Retries reuse the
// original task_id, so failure events are keyed per attempt. Rows expire
// after a bounded retention window; task ids are not reused beyond it.
type ProcessedWebhook struct {
	TaskID     string    `json:"task_id" db:"task_id"`
	EventType  string    `json:"event_type" db:"event_type"`
	Attempt    int       `json:"attempt" db:"attempt"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}
