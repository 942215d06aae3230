package models

import "time"

// Notification types emitted by the webhook pipeline.
const (
	NotificationTrainingComplete   = "style_training_complete"
	NotificationTrainingFailed     = "style_training_failed"
	NotificationGenerationComplete = "generation_complete"
	NotificationGenerationFailed   = "generation_failed"
)

// Notification is a user-facing system notification. Delivery is
// fire-and-forget; a failed insert never rolls back a job transition.
type Notification struct {
	ID          int64          `json:"id" db:"id"`
	RecipientID int64          `json:"recipient_id" db:"recipient_id"`
	Type        string         `json:"type" db:"type"`
	TargetType  string         `json:"target_type" db:"target_type"`
	TargetID    int64          `json:"target_id" db:"target_id"`
	Metadata    map[string]any `json:"metadata,omitempty" db:"metadata"`
	IsRead      bool           `json:"is_read" db:"is_read"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}
