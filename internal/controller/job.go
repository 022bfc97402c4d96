package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"classwatch/internal/config"
	"classwatch/internal/database"
	"classwatch/internal/model"
	"classwatch/internal/orchestrator"
	"classwatch/internal/rabbitmq"
)

// JobController handles job operations
type JobController interface {
	// CreateJob persists a new pending job and enqueues its trigger message
	CreateJob(ctx context.Context, job *model.Job) error

	// ProcessJobs starts consuming and processing job messages
	ProcessJobs(ctx context.Context) error

	// StopProcessing stops the job consumers
	StopProcessing()

	// GetJob retrieves one job by hex id
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	// ListJobs lists a class's jobs, optionally filtered by status
	ListJobs(ctx context.Context, classID string, status model.JobStatus, limit, offset int) ([]*model.Job, error)

	// GetAvailableJobTypes maps registered job types to worker names
	GetAvailableJobTypes() map[string]string
}

// jobController implements JobController
type jobController struct {
	db           database.JobDatabase
	rabbitClient rabbitmq.Client
	rabbitConfig config.RabbitMQConfig
	registry     orchestrator.WorkerRegistry
	consumerTag  string
	shutdown     chan struct{}
	wg           sync.WaitGroup
}

// NewJobController creates a new job controller
func NewJobController(db database.JobDatabase, rabbitClient rabbitmq.Client,
	rabbitConfig config.RabbitMQConfig, registry orchestrator.WorkerRegistry) JobController {
	return &jobController{
		db:           db,
		rabbitClient: rabbitClient,
		rabbitConfig: rabbitConfig,
		registry:     registry,
		shutdown:     make(chan struct{}),
	}
}

func (c *jobController) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	id, err := primitive.ObjectIDFromHex(jobID)
	if err != nil {
		return nil, fmt.Errorf("invalid job id: %w", err)
	}
	return c.db.GetJobByID(ctx, id)
}

// ListJobs implements JobController.
func (c *jobController) ListJobs(ctx context.Context, classID string, status model.JobStatus, limit, offset int) ([]*model.Job, error) {
	return c.db.ListJobs(ctx, classID, status, limit, offset)
}

// CreateJob persists the job in pending state and enqueues it
func (c *jobController) CreateJob(ctx context.Context, job *model.Job) error {
	if _, ok := c.registry.Get(job.Type); !ok {
		return fmt.Errorf("job type not found in registry: %v", job.Type)
	}

	job.Status = model.StatusPending
	if err := c.db.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if err := c.enqueueJob(job); err != nil {
		// The pending document exists but no trigger will arrive; mark it
		// failed so it does not sit pending forever.
		if failErr := c.db.FailJob(ctx, job.ID, "failed to enqueue job", err.Error()); failErr != nil {
			log.Error().Err(failErr).Str("jobId", job.ID.Hex()).Msg("Failed to mark unenqueued job as failed")
		}
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Info().
		Str("jobId", job.ID.Hex()).
		Str("jobType", job.Type).
		Str("classId", job.ClassID).
		Msg("Job created and enqueued")

	return nil
}

// enqueueJob publishes a job trigger message
func (c *jobController) enqueueJob(job *model.Job) error {
	headers := amqp.Table{
		"job_id":   job.ID.Hex(),
		"job_type": job.Type,
	}

	// ID-only payload; the full job document lives in the store
	message := map[string]string{
		"job_id": job.ID.Hex(),
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = c.rabbitClient.Publish(
		c.rabbitConfig.ExchangeName,
		c.rabbitConfig.JobQueueName,
		messageBytes,
		headers,
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}

// ProcessJobs starts consuming job messages
func (c *jobController) ProcessJobs(ctx context.Context) error {
	if len(c.registry.AvailableWorkers()) == 0 {
		return fmt.Errorf("no job workers registered")
	}

	queueName := c.rabbitConfig.JobQueueName

	err := c.rabbitClient.DeclareExchange(c.rabbitConfig.ExchangeName, "direct")
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := c.rabbitClient.DeclareQueue(queueName)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	err = c.rabbitClient.BindQueue(queueName, c.rabbitConfig.ExchangeName, queueName)
	if err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queueName, err)
	}

	c.consumerTag = fmt.Sprintf("jobs-consumer-%s", primitive.NewObjectID().Hex())
	c.startConsumer(ctx, queue.Name, c.consumerTag)

	log.Info().Int("workers", len(c.registry.AvailableWorkers())).Msg("Job processing started")
	return nil
}

// StopProcessing stops all job consumers
func (c *jobController) StopProcessing() {
	close(c.shutdown)
	c.wg.Wait()
	log.Info().Msg("Job processing stopped")
}

// startConsumer starts a consumer for the jobs queue
func (c *jobController) startConsumer(ctx context.Context, queueName, consumerTag string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		log.Info().
			Str("queue", queueName).
			Str("consumerTag", consumerTag).
			Msg("Starting job consumer")

		for {
			select {
			case <-ctx.Done():
				log.Info().Str("consumerTag", consumerTag).Msg("Context cancelled, stopping consumer")
				return
			case <-c.shutdown:
				log.Info().Str("consumerTag", consumerTag).Msg("Shutdown signal received, stopping consumer")
				return
			default:
			}

			deliveries, err := c.rabbitClient.Consume(queueName, consumerTag)
			if err != nil {
				log.Error().
					Err(err).
					Str("queue", queueName).
					Msg("Failed to consume from queue")

				time.Sleep(5 * time.Second)
				continue
			}

			for delivery := range deliveries {
				c.processDelivery(ctx, delivery)
			}

			log.Warn().
				Str("queue", queueName).
				Str("consumerTag", consumerTag).
				Msg("Consumer channel closed, reconnecting...")

			time.Sleep(5 * time.Second)
		}
	}()
}

// processDelivery handles a single job trigger message
func (c *jobController) processDelivery(ctx context.Context, delivery amqp.Delivery) {
	jobIDStr, ok := delivery.Headers["job_id"].(string)
	if !ok {
		log.Error().Msg("Message missing job_id header, rejecting")
		delivery.Nack(false, false)
		return
	}
	jobID, err := primitive.ObjectIDFromHex(jobIDStr)
	if err != nil {
		log.Error().Str("jobId", jobIDStr).Msg("Message carries invalid job_id, rejecting")
		delivery.Nack(false, false)
		return
	}

	jobType, ok := delivery.Headers["job_type"].(string)
	if !ok {
		log.Error().Str("jobId", jobID.Hex()).Msg("Message missing job_type header, rejecting")
		delivery.Nack(false, false)
		return
	}

	logger := log.With().
		Str("jobId", jobID.Hex()).
		Str("jobType", jobType).
		Logger()

	worker, exists := c.registry.Get(jobType)
	if !exists {
		logger.Error().Msg("No worker registered for job type")
		c.db.FailJob(ctx, jobID, "no worker registered for job type", "")
		delivery.Ack(false)
		return
	}

	// Claim pending -> processing atomically. Losing the claim means a
	// duplicate trigger delivery; skip without side effects.
	job, err := c.db.ClaimJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, database.ErrJobNotClaimable) {
			logger.Info().Msg("Job not claimable, skipping duplicate delivery")
			delivery.Ack(false)
			return
		}
		logger.Error().Err(err).Msg("Failed to claim job, requeueing")
		delivery.Nack(false, true)
		return
	}

	logger.Info().Msg("Processing job")

	status, runErr := c.runWorker(ctx, worker, job)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("Job processing failed")
		if failErr := c.db.FailJob(ctx, jobID, runErr.Error(), errorDetails(runErr)); failErr != nil {
			logger.Error().Err(failErr).Msg("Failed to mark job as failed")
		}
	} else {
		logger.Info().Str("status", string(status)).Msg("Job processed")
	}

	delivery.Ack(false)
}

// panicError carries a recovered panic plus its stack to the failure path.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.value)
}

// runWorker dispatches to the worker, converting a panic into a job failure
// instead of crashing the consumer.
func (c *jobController) runWorker(ctx context.Context, worker orchestrator.Worker, job *model.Job) (status model.JobStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	return worker.Run(ctx, job)
}

func errorDetails(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return pe.stack
	}
	return ""
}

func (c *jobController) GetAvailableJobTypes() map[string]string {
	jobTypeMap := make(map[string]string)

	for _, jobType := range c.registry.AvailableWorkers() {
		worker, _ := c.registry.Get(jobType)
		jobTypeMap[jobType] = worker.Name()
	}

	return jobTypeMap
}
