package controller

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"classwatch/internal/config"
	"classwatch/internal/database"
	"classwatch/internal/model"
	"classwatch/internal/orchestrator"
)

// fakeJobDB is an in-memory database.JobDatabase covering what the
// controller touches.
type fakeJobDB struct {
	jobs map[primitive.ObjectID]*model.Job
}

func newFakeJobDB() *fakeJobDB {
	return &fakeJobDB{jobs: make(map[primitive.ObjectID]*model.Job)}
}

func (f *fakeJobDB) CreateJob(_ context.Context, job *model.Job) error {
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobDB) GetJobByID(_ context.Context, id primitive.ObjectID) (*model.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobDB) ClaimJob(_ context.Context, id primitive.ObjectID) (*model.Job, error) {
	job, ok := f.jobs[id]
	if !ok || job.Status != model.StatusPending {
		return nil, database.ErrJobNotClaimable
	}
	job.Status = model.StatusProcessing
	return job, nil
}

func (f *fakeJobDB) FinishJob(_ context.Context, id primitive.ObjectID, status model.JobStatus) error {
	f.jobs[id].Status = status
	return nil
}

func (f *fakeJobDB) FailJob(_ context.Context, id primitive.ObjectID, errMsg, errDetails string) error {
	job, ok := f.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	job.Status = model.StatusFailed
	job.Error = errMsg
	job.ErrorDetails = errDetails
	return nil
}

func (f *fakeJobDB) CompleteVideoBuildJob(context.Context, primitive.ObjectID, string, float64, int64) error {
	return nil
}

func (f *fakeJobDB) CompleteZipJob(context.Context, primitive.ObjectID, string) error { return nil }

func (f *fakeJobDB) FinishImportJob(context.Context, primitive.ObjectID, model.JobStatus, int, int, int) error {
	return nil
}

func (f *fakeJobDB) AppendAnalysisProgress(context.Context, primitive.ObjectID, []primitive.ObjectID, []model.FailedVideo) error {
	return nil
}

func (f *fakeJobDB) AppendJobNote(context.Context, primitive.ObjectID, string) error { return nil }

func (f *fakeJobDB) PrepareRetry(context.Context, primitive.ObjectID, model.RetryAttempt) error {
	return nil
}

func (f *fakeJobDB) ListJobs(context.Context, string, model.JobStatus, int, int) ([]*model.Job, error) {
	return nil, nil
}

// fakeRabbit records published messages.
type fakeRabbit struct {
	published  []amqp.Table
	publishErr error
}

func (f *fakeRabbit) Close() error { return nil }

func (f *fakeRabbit) DeclareExchange(_, _ string) error { return nil }

func (f *fakeRabbit) DeclareQueue(name string) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}
func (f *fakeRabbit) BindQueue(_, _, _ string) error { return nil }
func (f *fakeRabbit) Publish(_, _ string, _ []byte, headers amqp.Table) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, headers)
	return nil
}
func (f *fakeRabbit) Consume(string, string) (<-chan amqp.Delivery, error) {
	return nil, errors.New("not consuming in tests")
}
func (f *fakeRabbit) Health() error { return nil }

type scriptedWorker struct {
	jobType string
	status  model.JobStatus
	err     error
	panics  bool
}

func (w *scriptedWorker) Run(context.Context, *model.Job) (model.JobStatus, error) {
	if w.panics {
		panic("worker exploded")
	}
	return w.status, w.err
}

func (w *scriptedWorker) Name() string { return "Scripted Worker" }
func (w *scriptedWorker) Type() string { return w.jobType }

func newControllerUnderTest(db *fakeJobDB, rabbit *fakeRabbit, workers ...orchestrator.Worker) *jobController {
	cfg := config.RabbitMQConfig{ExchangeName: "classwatch", JobQueueName: "jobs"}
	return NewJobController(db, rabbit, cfg, orchestrator.NewWorkerRegistry(workers...)).(*jobController)
}

func TestCreateJobPersistsAndEnqueues(t *testing.T) {
	db := newFakeJobDB()
	rabbit := &fakeRabbit{}
	c := newControllerUnderTest(db, rabbit, &scriptedWorker{jobType: model.JobTypeVideoBuild})

	job := &model.Job{Type: model.JobTypeVideoBuild, ClassID: "class-1"}
	require.NoError(t, c.CreateJob(context.Background(), job))

	assert.Equal(t, model.StatusPending, db.jobs[job.ID].Status)
	require.Len(t, rabbit.published, 1)
	assert.Equal(t, job.ID.Hex(), rabbit.published[0]["job_id"])
	assert.Equal(t, model.JobTypeVideoBuild, rabbit.published[0]["job_type"])
}

func TestCreateJobRejectsUnknownType(t *testing.T) {
	c := newControllerUnderTest(newFakeJobDB(), &fakeRabbit{})

	err := c.CreateJob(context.Background(), &model.Job{Type: "no_such_type"})
	assert.Error(t, err)
}

func TestCreateJobFailsJobWhenEnqueueFails(t *testing.T) {
	db := newFakeJobDB()
	rabbit := &fakeRabbit{publishErr: errors.New("broker gone")}
	c := newControllerUnderTest(db, rabbit, &scriptedWorker{jobType: model.JobTypeVideoBuild})

	job := &model.Job{Type: model.JobTypeVideoBuild, ClassID: "class-1"}
	err := c.CreateJob(context.Background(), job)
	require.Error(t, err)

	// The orphaned pending document is marked failed so it never sits
	// pending without a trigger.
	assert.Equal(t, model.StatusFailed, db.jobs[job.ID].Status)
	assert.Equal(t, "failed to enqueue job", db.jobs[job.ID].Error)
}

func TestGetJobRejectsMalformedID(t *testing.T) {
	c := newControllerUnderTest(newFakeJobDB(), &fakeRabbit{})

	_, err := c.GetJob(context.Background(), "not-a-hex-id")
	assert.Error(t, err)
}

func TestGetAvailableJobTypes(t *testing.T) {
	c := newControllerUnderTest(newFakeJobDB(), &fakeRabbit{},
		&scriptedWorker{jobType: model.JobTypeVideoBuild},
		&scriptedWorker{jobType: model.JobTypeVideoZip},
	)

	types := c.GetAvailableJobTypes()
	assert.Len(t, types, 2)
	assert.Equal(t, "Scripted Worker", types[model.JobTypeVideoBuild])
}

func TestRunWorkerConvertsPanicToError(t *testing.T) {
	c := newControllerUnderTest(newFakeJobDB(), &fakeRabbit{})
	worker := &scriptedWorker{jobType: model.JobTypeVideoBuild, panics: true}

	_, err := c.runWorker(context.Background(), worker, &model.Job{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker panic: worker exploded")

	// The recovered stack rides along for the job's error details.
	assert.Contains(t, errorDetails(err), "goroutine")
}

func TestErrorDetailsForPlainError(t *testing.T) {
	assert.Empty(t, errorDetails(errors.New("ordinary failure")))
}

type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error { f.acked = true; return nil }
func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}
func (f *fakeAcknowledger) Reject(uint64, bool) error { f.nacked = true; return nil }

func delivery(ack *fakeAcknowledger, headers amqp.Table) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, Headers: headers}
}

func TestProcessDeliveryRunsClaimedJob(t *testing.T) {
	db := newFakeJobDB()
	worker := &scriptedWorker{jobType: model.JobTypeVideoBuild, status: model.StatusCompleted}
	c := newControllerUnderTest(db, &fakeRabbit{}, worker)

	job := &model.Job{Type: model.JobTypeVideoBuild, Status: model.StatusPending}
	require.NoError(t, db.CreateJob(context.Background(), job))

	ack := &fakeAcknowledger{}
	c.processDelivery(context.Background(), delivery(ack, amqp.Table{
		"job_id":   job.ID.Hex(),
		"job_type": model.JobTypeVideoBuild,
	}))

	assert.True(t, ack.acked)
	assert.Equal(t, model.StatusProcessing, db.jobs[job.ID].Status)
}

func TestProcessDeliverySkipsDuplicateTrigger(t *testing.T) {
	db := newFakeJobDB()
	worker := &scriptedWorker{jobType: model.JobTypeVideoBuild, status: model.StatusCompleted}
	c := newControllerUnderTest(db, &fakeRabbit{}, worker)

	// Already claimed by a previous delivery.
	job := &model.Job{Type: model.JobTypeVideoBuild, Status: model.StatusProcessing}
	require.NoError(t, db.CreateJob(context.Background(), job))

	ack := &fakeAcknowledger{}
	c.processDelivery(context.Background(), delivery(ack, amqp.Table{
		"job_id":   job.ID.Hex(),
		"job_type": model.JobTypeVideoBuild,
	}))

	// Duplicate is acknowledged without requeue and without side effects.
	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Equal(t, model.StatusProcessing, db.jobs[job.ID].Status)
}

func TestProcessDeliveryRejectsMalformedMessage(t *testing.T) {
	c := newControllerUnderTest(newFakeJobDB(), &fakeRabbit{})

	ack := &fakeAcknowledger{}
	c.processDelivery(context.Background(), delivery(ack, amqp.Table{"job_type": "x"}))

	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestProcessDeliveryFailsJobOnWorkerError(t *testing.T) {
	db := newFakeJobDB()
	worker := &scriptedWorker{jobType: model.JobTypeVideoBuild, err: errors.New("encode blew up")}
	c := newControllerUnderTest(db, &fakeRabbit{}, worker)

	job := &model.Job{Type: model.JobTypeVideoBuild, Status: model.StatusPending}
	require.NoError(t, db.CreateJob(context.Background(), job))

	ack := &fakeAcknowledger{}
	c.processDelivery(context.Background(), delivery(ack, amqp.Table{
		"job_id":   job.ID.Hex(),
		"job_type": model.JobTypeVideoBuild,
	}))

	assert.True(t, ack.acked)
	assert.Equal(t, model.StatusFailed, db.jobs[job.ID].Status)
	assert.Equal(t, "encode blew up", db.jobs[job.ID].Error)
}
