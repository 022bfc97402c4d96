package database

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"classwatch/internal/model"
)

// ErrJobNotClaimable is returned when a claim finds the job missing or no
// longer pending. Duplicate trigger deliveries land here and must be ignored
// without side effects.
var ErrJobNotClaimable = errors.New("job is not pending")

// ErrJobNotFound is returned when a job id resolves to no document.
var ErrJobNotFound = errors.New("job not found")

// JobDatabase defines job-document operations
type JobDatabase interface {
	// Create a new job in pending state
	CreateJob(ctx context.Context, job *model.Job) error

	// Get a job by ID
	GetJobByID(ctx context.Context, id primitive.ObjectID) (*model.Job, error)

	// Atomically claim a pending job for processing
	ClaimJob(ctx context.Context, id primitive.ObjectID) (*model.Job, error)

	// Move a job to a terminal status
	FinishJob(ctx context.Context, id primitive.ObjectID, status model.JobStatus) error

	// Move a job to failed with a human-readable message and diagnostics
	FailJob(ctx context.Context, id primitive.ObjectID, errMsg, errDetails string) error

	// Record the video build outputs and complete the job
	CompleteVideoBuildJob(ctx context.Context, id primitive.ObjectID, videoPath string, duration float64, size int64) error

	// Record the archive path and complete the job
	CompleteZipJob(ctx context.Context, id primitive.ObjectID, zipPath string) error

	// Record import counters and finish the job
	FinishImportJob(ctx context.Context, id primitive.ObjectID, status model.JobStatus, processed, notFound, total int) error

	// Append analysis progress with set-union semantics
	AppendAnalysisProgress(ctx context.Context, id primitive.ObjectID, aiJobIDs []primitive.ObjectID, failed []model.FailedVideo) error

	// Append an operator-visible note to the job
	AppendJobNote(ctx context.Context, id primitive.ObjectID, note string) error

	// Reset failure state ahead of a retry attempt, capturing an audit entry
	PrepareRetry(ctx context.Context, id primitive.ObjectID, attempt model.RetryAttempt) error

	// List jobs for a class, optionally filtered by status
	ListJobs(ctx context.Context, classID string, status model.JobStatus, limit, offset int) ([]*model.Job, error)
}

// CreateJob creates a new job in the database
func (m *mongoDB) CreateJob(ctx context.Context, job *model.Job) error {
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.StatusPending
	}

	_, err := m.jobsCol.InsertOne(ctx, job)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID.Hex()).Msg("Failed to create job")
		return err
	}

	log.Debug().Str("jobID", job.ID.Hex()).Str("type", job.Type).Msg("Created new job")
	return nil
}

// GetJobByID retrieves a job by its ID
func (m *mongoDB) GetJobByID(ctx context.Context, id primitive.ObjectID) (*model.Job, error) {
	var job model.Job
	err := m.jobsCol.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrJobNotFound
		}
		log.Error().Err(err).Str("jobID", id.Hex()).Msg("Failed to get job")
		return nil, err
	}

	return &job, nil
}

// ClaimJob transitions a job from pending to processing in a single
// compare-and-set. Only one caller can win the claim; everyone else gets
// ErrJobNotClaimable.
func (m *mongoDB) ClaimJob(ctx context.Context, id primitive.ObjectID) (*model.Job, error) {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":    model.StatusProcessing,
			"startedAt": now,
			"updatedAt": now,
		},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var job model.Job
	err := m.jobsCol.FindOneAndUpdate(
		ctx,
		bson.M{"_id": id, "status": model.StatusPending},
		update,
		opts,
	).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrJobNotClaimable
		}
		log.Error().Err(err).Str("jobID", id.Hex()).Msg("Failed to claim job")
		return nil, err
	}

	log.Debug().Str("jobID", id.Hex()).Str("type", job.Type).Msg("Claimed job")
	return &job, nil
}

// FinishJob moves a job to a terminal status and stamps finishedAt.
func (m *mongoDB) FinishJob(ctx context.Context, id primitive.ObjectID, status model.JobStatus) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":     status,
			"finishedAt": now,
			"updatedAt":  now,
		},
	}

	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		log.Error().Err(err).Str("jobID", id.Hex()).Str("status", string(status)).Msg("Failed to finish job")
		return err
	}

	log.Debug().Str("jobID", id.Hex()).Str("status", string(status)).Msg("Finished job")
	return nil
}

// FailJob moves a job to failed, recording the message and diagnostics.
func (m *mongoDB) FailJob(ctx context.Context, id primitive.ObjectID, errMsg, errDetails string) error {
	now := time.Now()
	set := bson.M{
		"status":     model.StatusFailed,
		"error":      errMsg,
		"finishedAt": now,
		"updatedAt":  now,
	}
	if errDetails != "" {
		set["errorDetails"] = errDetails
	}

	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		log.Error().Err(err).Str("jobID", id.Hex()).Msg("Failed to mark job as failed")
		return err
	}

	log.Debug().Str("jobID", id.Hex()).Str("error", errMsg).Msg("Marked job failed")
	return nil
}

// CompleteVideoBuildJob records the built video's path, duration and size.
func (m *mongoDB) CompleteVideoBuildJob(ctx context.Context, id primitive.ObjectID, videoPath string, duration float64, size int64) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":     model.StatusCompleted,
			"videoPath":  videoPath,
			"duration":   duration,
			"size":       size,
			"finishedAt": now,
			"updatedAt":  now,
		},
	}

	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		log.Error().Err(err).Str("jobID", id.Hex()).Msg("Failed to complete video build job")
		return err
	}

	return nil
}

// CompleteZipJob records the uploaded archive path.
func (m *mongoDB) CompleteZipJob(ctx context.Context, id primitive.ObjectID, zipPath string) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":     model.StatusCompleted,
			"zipPath":    zipPath,
			"finishedAt": now,
			"updatedAt":  now,
		},
	}

	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		log.Error().Err(err).Str("jobID", id.Hex()).Msg("Failed to complete zip job")
		return err
	}

	return nil
}

// FinishImportJob records the import counters alongside the terminal status.
func (m *mongoDB) FinishImportJob(ctx context.Context, id primitive.ObjectID, status model.JobStatus, processed, notFound, total int) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":         status,
			"processedCount": processed,
			"notFoundCount":  notFound,
			"totalRows":      total,
			"finishedAt":     now,
			"updatedAt":      now,
		},
	}

	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		log.Error().Err(err).Str("jobID", id.Hex()).Msg("Failed to finish import job")
		return err
	}

	return nil
}

// AppendAnalysisProgress grows aiJobIds and failedVideos via $addToSet so a
// reordered or redelivered batch completion can never lose or duplicate
// previously recorded outcomes.
func (m *mongoDB) AppendAnalysisProgress(ctx context.Context, id primitive.ObjectID, aiJobIDs []primitive.ObjectID, failed []model.FailedVideo) error {
	if len(aiJobIDs) == 0 && len(failed) == 0 {
		return nil
	}

	addToSet := bson.M{}
	if len(aiJobIDs) > 0 {
		addToSet["aiJobIds"] = bson.M{"$each": aiJobIDs}
	}
	if len(failed) > 0 {
		addToSet["failedVideos"] = bson.M{"$each": failed}
	}

	update := bson.M{
		"$addToSet": addToSet,
		"$set":      bson.M{"updatedAt": time.Now()},
	}

	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		log.Error().Err(err).
			Str("jobID", id.Hex()).
			Int("aiJobs", len(aiJobIDs)).
			Int("failed", len(failed)).
			Msg("Failed to append analysis progress")
		return err
	}

	log.Debug().
		Str("jobID", id.Hex()).
		Int("aiJobs", len(aiJobIDs)).
		Int("failed", len(failed)).
		Msg("Appended analysis progress")
	return nil
}

// AppendJobNote pushes an operator-visible note onto the job.
func (m *mongoDB) AppendJobNote(ctx context.Context, id primitive.ObjectID, note string) error {
	update := bson.M{
		"$push": bson.M{"notes": note},
		"$set":  bson.M{"updatedAt": time.Now()},
	}

	_, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		log.Error().Err(err).Str("jobID", id.Hex()).Str("note", note).Msg("Failed to append job note")
		return err
	}

	return nil
}

// PrepareRetry clears failedVideos, appends the audit entry and moves the job
// back to processing in one update. failedVideos is replaced, not appended:
// the retry attempt rebuilds it from its own outcomes.
func (m *mongoDB) PrepareRetry(ctx context.Context, id primitive.ObjectID, attempt model.RetryAttempt) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"failedVideos": []model.FailedVideo{},
			"status":       model.StatusProcessing,
			"startedAt":    now,
			"updatedAt":    now,
			"error":        "",
			"errorDetails": "",
		},
		"$unset": bson.M{"finishedAt": ""},
		"$push":  bson.M{"retryHistory": attempt},
	}

	result, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		log.Error().Err(err).Str("jobID", id.Hex()).Msg("Failed to prepare job retry")
		return err
	}
	if result.MatchedCount == 0 {
		return ErrJobNotFound
	}

	log.Debug().Str("jobID", id.Hex()).Int("videoCount", attempt.VideoCount).Msg("Prepared job retry")
	return nil
}

// ListJobs retrieves jobs for a class, newest first
func (m *mongoDB) ListJobs(ctx context.Context, classID string, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSkip(int64(offset)).
		SetSort(bson.M{"createdAt": -1})

	filter := bson.M{"classId": classID}
	if status != "" {
		filter["status"] = status
	}

	cursor, err := m.jobsCol.Find(ctx, filter, opts)
	if err != nil {
		log.Error().Err(err).Str("classID", classID).Msg("Failed to list jobs")
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		log.Error().Err(err).Msg("Failed to decode jobs")
		return nil, err
	}

	return jobs, nil
}
