package database

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"classwatch/internal/model"
)

// NotificationDatabase is the append-only notification sink
type NotificationDatabase interface {
	CreateNotification(ctx context.Context, notification *model.Notification) error
}

// CreateNotification appends a message record addressed to one recipient.
func (m *mongoDB) CreateNotification(ctx context.Context, notification *model.Notification) error {
	if notification.ID.IsZero() {
		notification.ID = primitive.NewObjectID()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now()
	}

	_, err := m.notificationsCol.InsertOne(ctx, notification)
	if err != nil {
		log.Error().Err(err).Str("recipientID", notification.RecipientID).Msg("Failed to create notification")
		return err
	}

	log.Debug().
		Str("recipientID", notification.RecipientID).
		Str("title", notification.Title).
		Msg("Created notification")
	return nil
}
