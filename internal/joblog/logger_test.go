package joblog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"classwatch/internal/model"
)

type fakeAIJobDB struct {
	records   []*model.AIJobRecord
	insertErr error
}

func (f *fakeAIJobDB) InsertAIJob(_ context.Context, record *model.AIJobRecord) (primitive.ObjectID, error) {
	if f.insertErr != nil {
		return primitive.NilObjectID, f.insertErr
	}
	if record.ID.IsZero() {
		record.ID = primitive.NewObjectID()
	}
	f.records = append(f.records, record)
	return record.ID, nil
}

func (f *fakeAIJobDB) InsertAIJobIfAbsent(_ context.Context, record *model.AIJobRecord) (*model.AIJobRecord, bool, error) {
	if f.insertErr != nil {
		return nil, false, f.insertErr
	}
	for _, existing := range f.records {
		if existing.PromptHash != record.PromptHash {
			continue
		}
		if existing.Status != model.AIJobProcessing && existing.Status != model.AIJobCompleted {
			continue
		}
		for _, path := range existing.MediaPaths {
			if path == record.MediaPaths[0] {
				return existing, false, nil
			}
		}
	}
	if record.ID.IsZero() {
		record.ID = primitive.NewObjectID()
	}
	f.records = append(f.records, record)
	return record, true, nil
}

func (f *fakeAIJobDB) ResolveAIJob(_ context.Context, id primitive.ObjectID, outcome model.AIJobOutcome) error {
	for _, record := range f.records {
		if record.ID != id {
			continue
		}
		if record.Status != model.AIJobProcessing {
			return errors.New("AI job record is not in processing state")
		}
		record.Status = outcome.Status
		record.Usage = outcome.Usage
		record.Cost = outcome.Cost
		record.Result = outcome.Result
		record.ErrorDetails = outcome.ErrorDetails
		return nil
	}
	return errors.New("AI job record not found")
}

func (f *fakeAIJobDB) ListUnrecordedUsage(context.Context, time.Time, int) ([]*model.AIJobRecord, error) {
	return nil, nil
}

func (f *fakeAIJobDB) FindAIJobByMediaAndPrompt(context.Context, string, string) (*model.AIJobRecord, error) {
	return nil, nil
}

func (f *fakeAIJobDB) ListFailedAIJobsByMaster(context.Context, primitive.ObjectID) ([]*model.AIJobRecord, error) {
	return nil, nil
}

func (f *fakeAIJobDB) MarkUsageRecorded(context.Context, primitive.ObjectID) (*model.AIJobRecord, error) {
	return nil, nil
}

func (f *fakeAIJobDB) ListAIJobsByClass(context.Context, string, int, int) ([]*model.AIJobRecord, error) {
	return nil, nil
}

type recordingPublisher struct {
	exchange   string
	routingKey string
	bodies     [][]byte
	headers    []amqp.Table
	err        error
}

func (p *recordingPublisher) Publish(exchange, routingKey string, body []byte, headers amqp.Table) error {
	if p.err != nil {
		return p.err
	}
	p.exchange = exchange
	p.routingKey = routingKey
	p.bodies = append(p.bodies, body)
	p.headers = append(p.headers, headers)
	return nil
}

func TestLogJobEmitsUsageEventForCostBearingRecord(t *testing.T) {
	db := &fakeAIJobDB{}
	publisher := &recordingPublisher{}
	logger := NewLogger(db, publisher, "classwatch", "usage-events")

	id, err := logger.LogJob(context.Background(), &model.AIJobRecord{
		ClassID: "class-1",
		Status:  model.AIJobCompleted,
		Cost:    0.02,
	})
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	require.Len(t, publisher.bodies, 1)
	assert.Equal(t, "classwatch", publisher.exchange)
	assert.Equal(t, "usage-events", publisher.routingKey)
	assert.Equal(t, "ai_job_created", publisher.headers[0]["event"])

	var event UsageEvent
	require.NoError(t, json.Unmarshal(publisher.bodies[0], &event))
	assert.Equal(t, id.Hex(), event.AIJobID)
}

func TestLogJobSkipsUsageEventForFreeRecord(t *testing.T) {
	db := &fakeAIJobDB{}
	publisher := &recordingPublisher{}
	logger := NewLogger(db, publisher, "classwatch", "usage-events")

	// Blocked and failed records are logged at cost zero; nothing to charge.
	_, err := logger.LogJob(context.Background(), &model.AIJobRecord{
		ClassID: "class-1",
		Status:  model.AIJobBlockedByQuota,
		Cost:    0,
	})
	require.NoError(t, err)
	assert.Empty(t, publisher.bodies)
}

func TestLogJobSurvivesPublishFailure(t *testing.T) {
	db := &fakeAIJobDB{}
	publisher := &recordingPublisher{err: errors.New("broker gone")}
	logger := NewLogger(db, publisher, "classwatch", "usage-events")

	// The record write is the source of truth; a lost event must not fail
	// the analysis path.
	id, err := logger.LogJob(context.Background(), &model.AIJobRecord{Cost: 0.02})
	require.NoError(t, err)
	assert.False(t, id.IsZero())
	require.Len(t, db.records, 1)
}

func TestLogJobPropagatesInsertFailure(t *testing.T) {
	db := &fakeAIJobDB{insertErr: errors.New("write concern")}
	logger := NewLogger(db, &recordingPublisher{}, "classwatch", "usage-events")

	_, err := logger.LogJob(context.Background(), &model.AIJobRecord{Cost: 0.02})
	assert.Error(t, err)
}

func TestStartJobInsertsProcessingPlaceholder(t *testing.T) {
	db := &fakeAIJobDB{}
	logger := NewLogger(db, &recordingPublisher{}, "classwatch", "usage-events")

	record, created, err := logger.StartJob(context.Background(), &model.AIJobRecord{
		ClassID:    "class-1",
		PromptHash: "abc",
		MediaPaths: []string{"classes/class-1/videos/v1.mp4"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.AIJobProcessing, record.Status)
	require.Len(t, db.records, 1)
}

func TestStartJobYieldsToExistingHolder(t *testing.T) {
	db := &fakeAIJobDB{}
	logger := NewLogger(db, &recordingPublisher{}, "classwatch", "usage-events")

	first, created, err := logger.StartJob(context.Background(), &model.AIJobRecord{
		PromptHash: "abc",
		MediaPaths: []string{"classes/class-1/videos/v1.mp4"},
	})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := logger.StartJob(context.Background(), &model.AIJobRecord{
		PromptHash: "abc",
		MediaPaths: []string{"classes/class-1/videos/v1.mp4"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	require.Len(t, db.records, 1)
}

func TestResolveJobEmitsUsageEventForCostBearingOutcome(t *testing.T) {
	db := &fakeAIJobDB{}
	publisher := &recordingPublisher{}
	logger := NewLogger(db, publisher, "classwatch", "usage-events")

	record, _, err := logger.StartJob(context.Background(), &model.AIJobRecord{
		PromptHash: "abc",
		MediaPaths: []string{"classes/class-1/videos/v1.mp4"},
	})
	require.NoError(t, err)
	assert.Empty(t, publisher.bodies)

	err = logger.ResolveJob(context.Background(), record.ID, model.AIJobOutcome{
		Status: model.AIJobCompleted,
		Usage:  &model.TokenUsage{InputTokens: 100, OutputTokens: 50},
		Cost:   0.02,
		Result: "analysis text",
	})
	require.NoError(t, err)

	assert.Equal(t, model.AIJobCompleted, record.Status)
	assert.Equal(t, 0.02, record.Cost)

	require.Len(t, publisher.bodies, 1)
	var event UsageEvent
	require.NoError(t, json.Unmarshal(publisher.bodies[0], &event))
	assert.Equal(t, record.ID.Hex(), event.AIJobID)
}

func TestResolveJobSkipsUsageEventForFailedOutcome(t *testing.T) {
	db := &fakeAIJobDB{}
	publisher := &recordingPublisher{}
	logger := NewLogger(db, publisher, "classwatch", "usage-events")

	record, _, err := logger.StartJob(context.Background(), &model.AIJobRecord{
		PromptHash: "abc",
		MediaPaths: []string{"classes/class-1/videos/v1.mp4"},
	})
	require.NoError(t, err)

	err = logger.ResolveJob(context.Background(), record.ID, model.AIJobOutcome{
		Status:       model.AIJobFailed,
		ErrorDetails: "model refused",
	})
	require.NoError(t, err)

	assert.Equal(t, model.AIJobFailed, record.Status)
	assert.Empty(t, publisher.bodies)
}
