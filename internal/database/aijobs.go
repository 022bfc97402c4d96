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

// AIJobDatabase defines operations on the append-only AI invocation log
type AIJobDatabase interface {
	// Append a new AI job record and return its id
	InsertAIJob(ctx context.Context, record *model.AIJobRecord) (primitive.ObjectID, error)

	// Atomically insert a processing placeholder for the record's idempotency
	// key unless a processing or completed record already holds it. Returns
	// the inserted placeholder and true, or the prior holder and false.
	InsertAIJobIfAbsent(ctx context.Context, record *model.AIJobRecord) (*model.AIJobRecord, bool, error)

	// Land a processing placeholder on its terminal outcome
	ResolveAIJob(ctx context.Context, id primitive.ObjectID, outcome model.AIJobOutcome) error

	// Find the most recent record matching the idempotency key, nil when none
	FindAIJobByMediaAndPrompt(ctx context.Context, mediaPath, promptHash string) (*model.AIJobRecord, error)

	// List cost-bearing records older than cutoff whose usage was never charged
	ListUnrecordedUsage(ctx context.Context, cutoff time.Time, limit int) ([]*model.AIJobRecord, error)

	// List failed records belonging to a batch analysis job
	ListFailedAIJobsByMaster(ctx context.Context, masterJobID primitive.ObjectID) ([]*model.AIJobRecord, error)

	// Flip usageRecorded exactly once; nil record means someone already did
	MarkUsageRecorded(ctx context.Context, id primitive.ObjectID) (*model.AIJobRecord, error)

	// List a class's AI invocation history, newest first
	ListAIJobsByClass(ctx context.Context, classID string, limit, offset int) ([]*model.AIJobRecord, error)
}

// InsertAIJob appends a record to the AI invocation log. Pure append: usage
// accounting is driven separately by the record-created event.
func (m *mongoDB) InsertAIJob(ctx context.Context, record *model.AIJobRecord) (primitive.ObjectID, error) {
	if record.ID.IsZero() {
		record.ID = primitive.NewObjectID()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	_, err := m.aiJobsCol.InsertOne(ctx, record)
	if err != nil {
		log.Error().Err(err).Str("classID", record.ClassID).Msg("Failed to insert AI job record")
		return primitive.NilObjectID, err
	}

	log.Debug().
		Str("aiJobID", record.ID.Hex()).
		Str("status", string(record.Status)).
		Float64("cost", record.Cost).
		Msg("Logged AI job record")
	return record.ID, nil
}

// InsertAIJobIfAbsent claims the idempotency key with an upsert: the
// placeholder is written only when no processing or completed record exists
// for the (media path, prompt hash) pair, so two concurrent workers racing on
// the same unit resolve to a single owner. Terminal failures do not hold the
// key; a retry appends a fresh attempt alongside them.
func (m *mongoDB) InsertAIJobIfAbsent(ctx context.Context, record *model.AIJobRecord) (*model.AIJobRecord, bool, error) {
	if record.ID.IsZero() {
		record.ID = primitive.NewObjectID()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if len(record.MediaPaths) == 0 {
		return nil, false, errors.New("AI job record has no media path")
	}

	// The key fields are matched with $elemMatch/$in rather than bare
	// equality so the upsert does not try to merge them from the filter into
	// the inserted document, which would conflict with $setOnInsert.
	filter := bson.M{
		"mediaPaths": bson.M{"$elemMatch": bson.M{"$eq": record.MediaPaths[0]}},
		"promptHash": bson.M{"$in": []string{record.PromptHash}},
		"status":     bson.M{"$in": []model.AIJobStatus{model.AIJobProcessing, model.AIJobCompleted}},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetSort(bson.M{"timestamp": -1})

	var out model.AIJobRecord
	err := m.aiJobsCol.FindOneAndUpdate(ctx, filter, bson.M{"$setOnInsert": record}, opts).Decode(&out)
	if err != nil {
		log.Error().Err(err).Str("mediaPath", record.MediaPaths[0]).Msg("Failed to claim AI job slot")
		return nil, false, err
	}

	created := out.ID == record.ID
	if created {
		log.Debug().
			Str("aiJobID", out.ID.Hex()).
			Str("mediaPath", record.MediaPaths[0]).
			Msg("Claimed AI job slot")
	}
	return &out, created, nil
}

// ResolveAIJob updates a processing placeholder to its terminal outcome. The
// status guard keeps a late or duplicate resolve from clobbering a record
// that already settled.
func (m *mongoDB) ResolveAIJob(ctx context.Context, id primitive.ObjectID, outcome model.AIJobOutcome) error {
	set := bson.M{
		"status": outcome.Status,
		"cost":   outcome.Cost,
	}
	if outcome.Usage != nil {
		set["usage"] = outcome.Usage
	}
	if outcome.Result != "" {
		set["result"] = outcome.Result
	}
	if outcome.ErrorDetails != "" {
		set["errorDetails"] = outcome.ErrorDetails
	}

	result, err := m.aiJobsCol.UpdateOne(ctx,
		bson.M{"_id": id, "status": model.AIJobProcessing},
		bson.M{"$set": set},
	)
	if err != nil {
		log.Error().Err(err).Str("aiJobID", id.Hex()).Msg("Failed to resolve AI job record")
		return err
	}
	if result.MatchedCount == 0 {
		return errors.New("AI job record is not in processing state")
	}

	log.Debug().
		Str("aiJobID", id.Hex()).
		Str("status", string(outcome.Status)).
		Float64("cost", outcome.Cost).
		Msg("Resolved AI job record")
	return nil
}

// FindAIJobByMediaAndPrompt searches the log for the most recent record whose
// media paths contain mediaPath and whose prompt hash matches. Returns
// (nil, nil) when no prior attempt exists.
func (m *mongoDB) FindAIJobByMediaAndPrompt(ctx context.Context, mediaPath, promptHash string) (*model.AIJobRecord, error) {
	opts := options.FindOne().SetSort(bson.M{"timestamp": -1})

	var record model.AIJobRecord
	err := m.aiJobsCol.FindOne(ctx, bson.M{
		"mediaPaths": mediaPath,
		"promptHash": promptHash,
	}, opts).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		log.Error().Err(err).Str("mediaPath", mediaPath).Msg("Failed to look up AI job record")
		return nil, err
	}

	return &record, nil
}

// ListUnrecordedUsage retrieves cost-bearing records that were never charged
// to the quota ledger and are old enough that their usage event should have
// arrived by now. Feeds the reconciliation sweep that repairs lost events.
func (m *mongoDB) ListUnrecordedUsage(ctx context.Context, cutoff time.Time, limit int) ([]*model.AIJobRecord, error) {
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.M{"timestamp": 1})

	cursor, err := m.aiJobsCol.Find(ctx, bson.M{
		"cost":          bson.M{"$gt": 0},
		"usageRecorded": false,
		"timestamp":     bson.M{"$lte": cutoff},
	}, opts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list unrecorded usage")
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*model.AIJobRecord
	if err := cursor.All(ctx, &records); err != nil {
		log.Error().Err(err).Msg("Failed to decode AI job records")
		return nil, err
	}

	return records, nil
}

// ListFailedAIJobsByMaster retrieves failed records for a batch job, used to
// reconstruct a retry list for legacy jobs without a failedVideos field.
func (m *mongoDB) ListFailedAIJobsByMaster(ctx context.Context, masterJobID primitive.ObjectID) ([]*model.AIJobRecord, error) {
	cursor, err := m.aiJobsCol.Find(ctx, bson.M{
		"masterJobId": masterJobID,
		"status":      model.AIJobFailed,
	})
	if err != nil {
		log.Error().Err(err).Str("masterJobID", masterJobID.Hex()).Msg("Failed to list failed AI jobs")
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*model.AIJobRecord
	if err := cursor.All(ctx, &records); err != nil {
		log.Error().Err(err).Msg("Failed to decode AI job records")
		return nil, err
	}

	return records, nil
}

// MarkUsageRecorded flips the usageRecorded flag in a compare-and-set. The
// winning caller gets the record back and owns the ledger increment; losers
// (event redeliveries) get nil and must not charge again.
func (m *mongoDB) MarkUsageRecorded(ctx context.Context, id primitive.ObjectID) (*model.AIJobRecord, error) {
	var record model.AIJobRecord
	err := m.aiJobsCol.FindOneAndUpdate(
		ctx,
		bson.M{"_id": id, "usageRecorded": false},
		bson.M{"$set": bson.M{"usageRecorded": true}},
	).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		log.Error().Err(err).Str("aiJobID", id.Hex()).Msg("Failed to mark usage recorded")
		return nil, err
	}

	return &record, nil
}

// ListAIJobsByClass retrieves a class's invocation history, newest first
func (m *mongoDB) ListAIJobsByClass(ctx context.Context, classID string, limit, offset int) ([]*model.AIJobRecord, error) {
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSkip(int64(offset)).
		SetSort(bson.M{"timestamp": -1})

	cursor, err := m.aiJobsCol.Find(ctx, bson.M{"classId": classID}, opts)
	if err != nil {
		log.Error().Err(err).Str("classID", classID).Msg("Failed to list AI jobs by class")
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*model.AIJobRecord
	if err := cursor.All(ctx, &records); err != nil {
		log.Error().Err(err).Msg("Failed to decode AI job records")
		return nil, err
	}

	return records, nil
}
