// Package joblog appends AI invocation records to the audit log. Every code
// path through the orchestrators — success, quota-block, or exception —
// produces exactly one record per analysis unit attempted.
package joblog

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"classwatch/internal/database"
	"classwatch/internal/model"
)

// UsageEvent announces the creation of a cost-bearing AI job record. The
// usage consumer reacts to it by charging the class quota ledger.
type UsageEvent struct {
	AIJobID string `json:"ai_job_id"`
}

// Publisher is the slice of the broker client the logger needs.
type Publisher interface {
	Publish(exchange, routingKey string, body []byte, headers amqp.Table) error
}

// Logger appends AI job records and emits usage events for cost-bearing ones.
type Logger struct {
	db              database.AIJobDatabase
	publisher       Publisher
	exchangeName    string
	usageRoutingKey string
}

func NewLogger(db database.AIJobDatabase, publisher Publisher, exchangeName, usageRoutingKey string) *Logger {
	return &Logger{
		db:              db,
		publisher:       publisher,
		exchangeName:    exchangeName,
		usageRoutingKey: usageRoutingKey,
	}
}

// LogJob appends a timestamped record and returns its id. The write itself is
// a pure append; quota accounting rides on the emitted usage event so a crash
// between the two self-heals on redelivery.
func (l *Logger) LogJob(ctx context.Context, record *model.AIJobRecord) (primitive.ObjectID, error) {
	id, err := l.db.InsertAIJob(ctx, record)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("failed to log AI job record: %w", err)
	}

	if record.Cost > 0 {
		if err := l.publishUsageEvent(id); err != nil {
			// The record exists with usageRecorded false; the usage
			// consumer's reconciliation sweep will charge it. Do not fail
			// the analysis path.
			log.Error().Err(err).Str("aiJobID", id.Hex()).Msg("Failed to publish usage event")
		}
	}

	return id, nil
}

// StartJob claims the idempotency slot for an analysis unit by inserting a
// processing placeholder. When a processing or completed record already holds
// the slot, the holder comes back with created false and the caller must
// reference it instead of invoking the model.
func (l *Logger) StartJob(ctx context.Context, record *model.AIJobRecord) (*model.AIJobRecord, bool, error) {
	record.Status = model.AIJobProcessing

	holder, created, err := l.db.InsertAIJobIfAbsent(ctx, record)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim AI job slot: %w", err)
	}
	return holder, created, nil
}

// ResolveJob lands a placeholder on its terminal outcome and emits a usage
// event when the outcome carries cost.
func (l *Logger) ResolveJob(ctx context.Context, id primitive.ObjectID, outcome model.AIJobOutcome) error {
	if err := l.db.ResolveAIJob(ctx, id, outcome); err != nil {
		return fmt.Errorf("failed to resolve AI job record: %w", err)
	}

	if outcome.Cost > 0 {
		if err := l.publishUsageEvent(id); err != nil {
			// Same repair path as LogJob: the reconciliation sweep picks
			// up resolved records whose event never arrived.
			log.Error().Err(err).Str("aiJobID", id.Hex()).Msg("Failed to publish usage event")
		}
	}

	return nil
}

func (l *Logger) publishUsageEvent(id primitive.ObjectID) error {
	body, err := json.Marshal(UsageEvent{AIJobID: id.Hex()})
	if err != nil {
		return err
	}

	return l.publisher.Publish(l.exchangeName, l.usageRoutingKey, body, amqp.Table{
		"event": "ai_job_created",
	})
}
