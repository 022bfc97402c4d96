package quota

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"classwatch/internal/config"
	"classwatch/internal/joblog"
	"classwatch/internal/model"
	"classwatch/internal/rabbitmq"
)

const (
	// reconcileGrace is how long a cost-bearing record may stay uncharged
	// before the sweep treats its usage event as lost rather than in flight.
	reconcileGrace = 5 * time.Minute

	reconcileInterval  = 10 * time.Minute
	reconcileBatchSize = 500
)

// UsageStore is the slice of the database the usage consumer needs.
type UsageStore interface {
	MarkUsageRecorded(ctx context.Context, id primitive.ObjectID) (*model.AIJobRecord, error)
	ListUnrecordedUsage(ctx context.Context, cutoff time.Time, limit int) ([]*model.AIJobRecord, error)
	IncrementAIUsedQuota(ctx context.Context, classID string, cost float64) error
}

// UsageConsumer applies quota increments in reaction to AI-job-record
// creation events. Accounting is decoupled from the analysis code path: a
// crash after a record is logged but before usage is charged self-heals on
// the next event delivery, and the usageRecorded compare-and-set on the
// record guarantees at most one charge per record under redelivery. A
// periodic reconciliation sweep repairs records whose event was never
// published at all.
type UsageConsumer struct {
	db     UsageStore
	rabbit rabbitmq.Client
	cfg    config.RabbitMQConfig
}

func NewUsageConsumer(db UsageStore, rabbit rabbitmq.Client, cfg config.RabbitMQConfig) *UsageConsumer {
	return &UsageConsumer{db: db, rabbit: rabbit, cfg: cfg}
}

// Start declares the usage queue topology and consumes events until the
// context is cancelled.
func (c *UsageConsumer) Start(ctx context.Context, consumerTag string) error {
	if err := c.rabbit.DeclareExchange(c.cfg.ExchangeName, "direct"); err != nil {
		return err
	}

	queue, err := c.rabbit.DeclareQueue(c.cfg.UsageQueueName)
	if err != nil {
		return err
	}

	if err := c.rabbit.BindQueue(queue.Name, c.cfg.ExchangeName, c.cfg.UsageQueueName); err != nil {
		return err
	}

	deliveries, err := c.rabbit.Consume(queue.Name, consumerTag)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				log.Info().Str("consumerTag", consumerTag).Msg("Usage consumer stopping")
				return
			case delivery, ok := <-deliveries:
				if !ok {
					log.Warn().Msg("Usage delivery channel closed")
					return
				}
				c.handleDelivery(ctx, delivery)
			}
		}
	}()

	go func() {
		// Sweep once at startup to catch records orphaned while the
		// consumer was down, then on the reconcile interval.
		c.reconcile(ctx)

		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.reconcile(ctx)
			}
		}
	}()

	log.Info().Str("queue", queue.Name).Msg("Usage consumer started")
	return nil
}

// reconcile charges cost-bearing records whose usage event never arrived,
// typically because the publish after the record write failed. Each record
// goes through the same compare-and-set path as event-driven charges, so a
// late-arriving event for a swept record is a no-op.
func (c *UsageConsumer) reconcile(ctx context.Context) {
	cutoff := time.Now().Add(-reconcileGrace)

	records, err := c.db.ListUnrecordedUsage(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Usage reconciliation sweep failed to list records")
		return
	}

	charged := 0
	for _, record := range records {
		if err := c.chargeRecord(ctx, record.ID); err != nil {
			log.Error().Err(err).Str("aiJobID", record.ID.Hex()).Msg("Usage reconciliation failed to charge record")
			continue
		}
		charged++
	}

	if charged > 0 {
		log.Info().Int("charged", charged).Msg("Usage reconciliation swept uncharged records")
	}
}

// chargeRecord claims a record's usageRecorded flag and applies the quota
// increment. Winning the compare-and-set grants ownership of the increment;
// losing means another delivery or sweep already charged the record.
func (c *UsageConsumer) chargeRecord(ctx context.Context, aiJobID primitive.ObjectID) error {
	record, err := c.db.MarkUsageRecorded(ctx, aiJobID)
	if err != nil {
		return err
	}
	if record == nil {
		log.Debug().Str("aiJobID", aiJobID.Hex()).Msg("Usage already recorded, skipping")
		return nil
	}

	if record.Cost > 0 {
		if err := c.db.IncrementAIUsedQuota(ctx, record.ClassID, record.Cost); err != nil {
			return err
		}

		log.Info().
			Str("aiJobID", aiJobID.Hex()).
			Str("classID", record.ClassID).
			Float64("cost", record.Cost).
			Msg("Charged AI usage to class quota")
	}

	return nil
}

func (c *UsageConsumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var event joblog.UsageEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		log.Error().Err(err).Msg("Malformed usage event, rejecting")
		delivery.Nack(false, false)
		return
	}

	aiJobID, err := primitive.ObjectIDFromHex(event.AIJobID)
	if err != nil {
		log.Error().Err(err).Str("aiJobID", event.AIJobID).Msg("Usage event carries invalid record id, rejecting")
		delivery.Nack(false, false)
		return
	}

	if err := c.chargeRecord(ctx, aiJobID); err != nil {
		log.Error().Err(err).Str("aiJobID", event.AIJobID).Msg("Failed to charge usage record, requeueing")
		delivery.Nack(false, true)
		return
	}

	delivery.Ack(false)
}
