package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"classwatch/internal/model"
)

// QuotaDatabase defines operations on the per-class AI-spend and storage
// ledgers. All mutations are atomic increments so they stay correct under
// concurrent batches spending against the same class.
type QuotaDatabase interface {
	// Read the class's quota ledger; found is false when the class is unknown
	GetClassAIUsage(ctx context.Context, classID string) (usage *model.ClassAIUsage, found bool, err error)

	// Atomically add cost to the class's running spend, initializing the
	// ledger entry on first spend
	IncrementAIUsedQuota(ctx context.Context, classID string, cost float64) error

	// Administrative: set the class's spend ceiling
	SetClassAIQuota(ctx context.Context, classID string, quota float64) error

	// Atomically add bytes to one storage category for the class
	IncrementStorageUsage(ctx context.Context, classID, category string, bytes int64) error

	// Read the class's storage ledger
	GetStorageUsage(ctx context.Context, classID string) (*model.StorageUsage, error)
}

// GetClassAIUsage reads the "ai" ledger nested under the class document.
func (m *mongoDB) GetClassAIUsage(ctx context.Context, classID string) (*model.ClassAIUsage, bool, error) {
	opts := options.FindOne().SetProjection(bson.M{"ai": 1})

	var class model.Class
	err := m.classesCol.FindOne(ctx, bson.M{"classId": classID}, opts).Decode(&class)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		log.Error().Err(err).Str("classID", classID).Msg("Failed to read class AI usage")
		return nil, false, err
	}

	return &class.AI, true, nil
}

// IncrementAIUsedQuota adds cost to aiUsedQuota with an atomic $inc. The
// upsert handles the first-spend-ever case: a brand new ledger entry starts
// at cost with the default quota ceiling.
func (m *mongoDB) IncrementAIUsedQuota(ctx context.Context, classID string, cost float64) error {
	update := bson.M{
		"$inc":         bson.M{"ai.aiUsedQuota": cost},
		"$setOnInsert": bson.M{"ai.aiQuota": model.DefaultAIQuota},
		"$set":         bson.M{"updatedAt": time.Now()},
	}

	opts := options.Update().SetUpsert(true)
	_, err := m.classesCol.UpdateOne(ctx, bson.M{"classId": classID}, update, opts)
	if err != nil {
		log.Error().Err(err).Str("classID", classID).Float64("cost", cost).Msg("Failed to increment AI used quota")
		return err
	}

	log.Debug().Str("classID", classID).Float64("cost", cost).Msg("Incremented AI used quota")
	return nil
}

// SetClassAIQuota sets the spend ceiling, the administrative correction path.
func (m *mongoDB) SetClassAIQuota(ctx context.Context, classID string, quota float64) error {
	update := bson.M{
		"$set": bson.M{
			"ai.aiQuota": quota,
			"updatedAt":  time.Now(),
		},
	}

	opts := options.Update().SetUpsert(true)
	_, err := m.classesCol.UpdateOne(ctx, bson.M{"classId": classID}, update, opts)
	if err != nil {
		log.Error().Err(err).Str("classID", classID).Float64("quota", quota).Msg("Failed to set class AI quota")
		return err
	}

	return nil
}

// IncrementStorageUsage adds bytes to one category of the storage ledger.
func (m *mongoDB) IncrementStorageUsage(ctx context.Context, classID, category string, bytes int64) error {
	switch category {
	case model.StorageScreenshots, model.StorageVideos, model.StorageZips:
	default:
		return fmt.Errorf("unknown storage category: %s", category)
	}

	update := bson.M{
		"$inc": bson.M{"storage." + category: bytes},
		"$set": bson.M{"updatedAt": time.Now()},
	}

	opts := options.Update().SetUpsert(true)
	_, err := m.classesCol.UpdateOne(ctx, bson.M{"classId": classID}, update, opts)
	if err != nil {
		log.Error().Err(err).
			Str("classID", classID).
			Str("category", category).
			Int64("bytes", bytes).
			Msg("Failed to increment storage usage")
		return err
	}

	return nil
}

// GetStorageUsage reads the class's storage ledger.
func (m *mongoDB) GetStorageUsage(ctx context.Context, classID string) (*model.StorageUsage, error) {
	opts := options.FindOne().SetProjection(bson.M{"storage": 1})

	var class model.Class
	err := m.classesCol.FindOne(ctx, bson.M{"classId": classID}, opts).Decode(&class)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &model.StorageUsage{}, nil
		}
		log.Error().Err(err).Str("classID", classID).Msg("Failed to read storage usage")
		return nil, err
	}

	return &class.Storage, nil
}
