package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/atelierml/backend/internal/models"
)

// Notifier is the user-facing notification sink. Fire-and-forget: a failure
// here must never roll back the state transition that triggered it.
type Notifier interface {
	Notify(recipientID int64, notifType, targetType string, targetID int64, metadata map[string]any)
}

// NotificationService persists notification rows and fans them out over a
// Redis channel for the realtime layer. Redis is optional.
type NotificationService struct {
	db    *sql.DB
	redis *redis.Client
	log   *logrus.Logger
}

func NewNotificationService(db *sql.DB, rdb *redis.Client, log *logrus.Logger) *NotificationService {
	return &NotificationService{db: db, redis: rdb, log: log}
}

func (ns *NotificationService) Notify(recipientID int64, notifType, targetType string, targetID int64, metadata map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notification := models.Notification{
		RecipientID: recipientID,
		Type:        notifType,
		TargetType:  targetType,
		TargetID:    targetID,
		Metadata:    metadata,
		CreatedAt:   time.Now(),
	}

	rawMeta, err := json.Marshal(metadata)
	if err != nil {
		ns.log.WithField("subsystem", "notifications").WithError(err).Error("marshal metadata")
		return
	}

	err = ns.db.QueryRowContext(ctx, `
		INSERT INTO notifications (recipient_id, type, target_type, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		notification.RecipientID, notification.Type, notification.TargetType,
		notification.TargetID, rawMeta, notification.CreatedAt).Scan(&notification.ID)
	if err != nil {
		ns.log.WithFields(logrus.Fields{
			"subsystem":    "notifications",
			"recipient_id": recipientID,
			"type":         notifType,
		}).WithError(err).Error("notification insert failed")
		return
	}

	if ns.redis == nil {
		return
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		return
	}
	channel := fmt.Sprintf("notifications:%d", recipientID)
	if err := ns.redis.Publish(ctx, channel, payload).Err(); err != nil {
		ns.log.WithField("subsystem", "notifications").WithError(err).Warn("redis publish failed")
	}
}
