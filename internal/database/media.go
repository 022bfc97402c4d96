package database

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"classwatch/internal/model"
)

// Filter fields allowed for range-mode video selection. Restricted to the
// indexed time fields so the query stays index-backed.
const (
	VideoFilterStartTime = "startTime"
	VideoFilterEndTime   = "endTime"
)

// MediaDatabase defines operations on screenshots and video artifacts
type MediaDatabase interface {
	// List non-deleted screenshots for a (class, student) pair in a time
	// range, ordered ascending by capture time
	ListScreenshots(ctx context.Context, classID, studentUID string, start, end time.Time) ([]*model.Screenshot, error)

	// Record a completed video build output
	CreateVideoArtifact(ctx context.Context, artifact *model.VideoArtifact) error

	// List completed video artifacts for a class whose filterField falls in
	// [start, end]
	ListCompletedVideos(ctx context.Context, classID, filterField string, start, end time.Time) ([]*model.VideoArtifact, error)
}

// screenshotFilter matches a student's live captures in a time range. The
// deleted condition is $ne true rather than equals false: documents written
// by the capture front end may omit the field entirely and still count as
// live.
func screenshotFilter(classID, studentUID string, start, end time.Time) bson.M {
	return bson.M{
		"classId":    classID,
		"studentUid": studentUID,
		"deleted":    bson.M{"$ne": true},
		"capturedAt": bson.M{"$gte": start, "$lte": end},
	}
}

// ListScreenshots returns the time-ordered capture sequence for one student.
func (m *mongoDB) ListScreenshots(ctx context.Context, classID, studentUID string, start, end time.Time) ([]*model.Screenshot, error) {
	opts := options.Find().SetSort(bson.M{"capturedAt": 1})

	cursor, err := m.screenshotsCol.Find(ctx, screenshotFilter(classID, studentUID, start, end), opts)
	if err != nil {
		log.Error().Err(err).Str("classID", classID).Str("studentUID", studentUID).Msg("Failed to list screenshots")
		return nil, err
	}
	defer cursor.Close(ctx)

	var screenshots []*model.Screenshot
	if err := cursor.All(ctx, &screenshots); err != nil {
		log.Error().Err(err).Msg("Failed to decode screenshots")
		return nil, err
	}

	return screenshots, nil
}

// CreateVideoArtifact records a completed video build output.
func (m *mongoDB) CreateVideoArtifact(ctx context.Context, artifact *model.VideoArtifact) error {
	if artifact.ID.IsZero() {
		artifact.ID = primitive.NewObjectID()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}

	_, err := m.videosCol.InsertOne(ctx, artifact)
	if err != nil {
		log.Error().Err(err).Str("videoPath", artifact.VideoPath).Msg("Failed to create video artifact")
		return err
	}

	log.Debug().Str("videoPath", artifact.VideoPath).Msg("Created video artifact")
	return nil
}

// ListCompletedVideos queries completed video artifacts by time range on the
// requested filter field.
func (m *mongoDB) ListCompletedVideos(ctx context.Context, classID, filterField string, start, end time.Time) ([]*model.VideoArtifact, error) {
	switch filterField {
	case VideoFilterStartTime, VideoFilterEndTime:
	case "":
		filterField = VideoFilterEndTime
	default:
		return nil, fmt.Errorf("unsupported video filter field: %s", filterField)
	}

	filter := bson.M{
		"classId":   classID,
		"status":    model.StatusCompleted,
		filterField: bson.M{"$gte": start, "$lte": end},
	}

	cursor, err := m.videosCol.Find(ctx, filter)
	if err != nil {
		log.Error().Err(err).Str("classID", classID).Str("filterField", filterField).Msg("Failed to list completed videos")
		return nil, err
	}
	defer cursor.Close(ctx)

	var videos []*model.VideoArtifact
	if err := cursor.All(ctx, &videos); err != nil {
		log.Error().Err(err).Msg("Failed to decode video artifacts")
		return nil, err
	}

	return videos, nil
}
