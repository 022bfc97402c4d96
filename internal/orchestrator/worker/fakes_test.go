package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"classwatch/internal/database"
	"classwatch/internal/model"
)

// fakeDatabase is an in-memory database.Database for worker tests.
type fakeDatabase struct {
	mu sync.Mutex

	jobs        map[primitive.ObjectID]*model.Job
	aiJobs      []*model.AIJobRecord
	classes     map[string]*model.ClassAIUsage
	storage     map[string]*model.StorageUsage
	screenshots []*model.Screenshot
	videos      []*model.VideoArtifact
	students    map[string]string // lowercased email -> uid
	properties  map[string]model.StudentProperty
	notes       []model.Notification

	progressWrites int
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{
		jobs:       make(map[primitive.ObjectID]*model.Job),
		classes:    make(map[string]*model.ClassAIUsage),
		storage:    make(map[string]*model.StorageUsage),
		students:   make(map[string]string),
		properties: make(map[string]model.StudentProperty),
	}
}

var _ database.Database = (*fakeDatabase)(nil)

func (f *fakeDatabase) Health() error { return nil }

func (f *fakeDatabase) CreateJob(_ context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	if job.Status == "" {
		job.Status = model.StatusPending
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeDatabase) GetJobByID(_ context.Context, id primitive.ObjectID) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeDatabase) ClaimJob(_ context.Context, id primitive.ObjectID) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != model.StatusPending {
		return nil, database.ErrJobNotClaimable
	}
	now := time.Now()
	job.Status = model.StatusProcessing
	job.StartedAt = &now
	return job, nil
}

func (f *fakeDatabase) FinishJob(_ context.Context, id primitive.ObjectID, status model.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	now := time.Now()
	job.Status = status
	job.FinishedAt = &now
	return nil
}

func (f *fakeDatabase) FailJob(_ context.Context, id primitive.ObjectID, errMsg, errDetails string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	now := time.Now()
	job.Status = model.StatusFailed
	job.Error = errMsg
	job.ErrorDetails = errDetails
	job.FinishedAt = &now
	return nil
}

func (f *fakeDatabase) CompleteVideoBuildJob(_ context.Context, id primitive.ObjectID, videoPath string, duration float64, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	job.Status = model.StatusCompleted
	job.VideoPath = videoPath
	job.Duration = duration
	job.Size = size
	return nil
}

func (f *fakeDatabase) CompleteZipJob(_ context.Context, id primitive.ObjectID, zipPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	job.Status = model.StatusCompleted
	job.ZipPath = zipPath
	return nil
}

func (f *fakeDatabase) FinishImportJob(_ context.Context, id primitive.ObjectID, status model.JobStatus, processed, notFound, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	job.Status = status
	job.ProcessedCount = processed
	job.NotFoundCount = notFound
	job.TotalRows = total
	return nil
}

func (f *fakeDatabase) AppendAnalysisProgress(_ context.Context, id primitive.ObjectID, aiJobIDs []primitive.ObjectID, failed []model.FailedVideo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	f.progressWrites++

	for _, newID := range aiJobIDs {
		duplicate := false
		for _, existing := range job.AIJobIDs {
			if existing == newID {
				duplicate = true
				break
			}
		}
		if !duplicate {
			job.AIJobIDs = append(job.AIJobIDs, newID)
		}
	}

	for _, newFailed := range failed {
		duplicate := false
		for _, existing := range job.FailedVideos {
			if existing == newFailed {
				duplicate = true
				break
			}
		}
		if !duplicate {
			job.FailedVideos = append(job.FailedVideos, newFailed)
		}
	}

	return nil
}

func (f *fakeDatabase) AppendJobNote(_ context.Context, id primitive.ObjectID, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	job.Notes = append(job.Notes, note)
	return nil
}

func (f *fakeDatabase) PrepareRetry(_ context.Context, id primitive.ObjectID, attempt model.RetryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	now := time.Now()
	job.FailedVideos = nil
	job.Status = model.StatusProcessing
	job.StartedAt = &now
	job.FinishedAt = nil
	job.Error = ""
	job.ErrorDetails = ""
	job.RetryHistory = append(job.RetryHistory, attempt)
	return nil
}

func (f *fakeDatabase) ListJobs(_ context.Context, classID string, status model.JobStatus, _, _ int) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []*model.Job
	for _, job := range f.jobs {
		if job.ClassID != classID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (f *fakeDatabase) InsertAIJob(_ context.Context, record *model.AIJobRecord) (primitive.ObjectID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record.ID.IsZero() {
		record.ID = primitive.NewObjectID()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	f.aiJobs = append(f.aiJobs, record)
	return record.ID, nil
}

func (f *fakeDatabase) InsertAIJobIfAbsent(_ context.Context, record *model.AIJobRecord) (*model.AIJobRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.aiJobs) - 1; i >= 0; i-- {
		existing := f.aiJobs[i]
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
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	f.aiJobs = append(f.aiJobs, record)
	return record, true, nil
}

func (f *fakeDatabase) ResolveAIJob(_ context.Context, id primitive.ObjectID, outcome model.AIJobOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.aiJobs {
		if record.ID != id {
			continue
		}
		if record.Status != model.AIJobProcessing {
			return fmt.Errorf("AI job record is not in processing state")
		}
		record.Status = outcome.Status
		record.Usage = outcome.Usage
		record.Cost = outcome.Cost
		record.Result = outcome.Result
		record.ErrorDetails = outcome.ErrorDetails
		return nil
	}
	return fmt.Errorf("AI job record not found: %s", id.Hex())
}

func (f *fakeDatabase) ListUnrecordedUsage(_ context.Context, cutoff time.Time, limit int) ([]*model.AIJobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var records []*model.AIJobRecord
	for _, record := range f.aiJobs {
		if record.Cost <= 0 || record.UsageRecorded || record.Timestamp.After(cutoff) {
			continue
		}
		records = append(records, record)
		if len(records) == limit {
			break
		}
	}
	return records, nil
}

func (f *fakeDatabase) FindAIJobByMediaAndPrompt(_ context.Context, mediaPath, promptHash string) (*model.AIJobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Most recent first
	for i := len(f.aiJobs) - 1; i >= 0; i-- {
		record := f.aiJobs[i]
		if record.PromptHash != promptHash {
			continue
		}
		for _, path := range record.MediaPaths {
			if path == mediaPath {
				return record, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeDatabase) ListFailedAIJobsByMaster(_ context.Context, masterJobID primitive.ObjectID) ([]*model.AIJobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var records []*model.AIJobRecord
	for _, record := range f.aiJobs {
		if record.MasterJobID == masterJobID && record.Status == model.AIJobFailed {
			records = append(records, record)
		}
	}
	return records, nil
}

func (f *fakeDatabase) MarkUsageRecorded(_ context.Context, id primitive.ObjectID) (*model.AIJobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.aiJobs {
		if record.ID == id && !record.UsageRecorded {
			record.UsageRecorded = true
			return record, nil
		}
	}
	return nil, nil
}

func (f *fakeDatabase) ListAIJobsByClass(_ context.Context, classID string, _, _ int) ([]*model.AIJobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var records []*model.AIJobRecord
	for _, record := range f.aiJobs {
		if record.ClassID == classID {
			records = append(records, record)
		}
	}
	return records, nil
}

func (f *fakeDatabase) GetClassAIUsage(_ context.Context, classID string) (*model.ClassAIUsage, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	usage, ok := f.classes[classID]
	if !ok {
		return nil, false, nil
	}
	return usage, true, nil
}

func (f *fakeDatabase) IncrementAIUsedQuota(_ context.Context, classID string, cost float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	usage, ok := f.classes[classID]
	if !ok {
		usage = &model.ClassAIUsage{AIQuota: model.DefaultAIQuota}
		f.classes[classID] = usage
	}
	usage.AIUsedQuota += cost
	return nil
}

func (f *fakeDatabase) SetClassAIQuota(_ context.Context, classID string, quota float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	usage, ok := f.classes[classID]
	if !ok {
		usage = &model.ClassAIUsage{}
		f.classes[classID] = usage
	}
	usage.AIQuota = quota
	return nil
}

func (f *fakeDatabase) IncrementStorageUsage(_ context.Context, classID, category string, bytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	storage, ok := f.storage[classID]
	if !ok {
		storage = &model.StorageUsage{}
		f.storage[classID] = storage
	}
	switch category {
	case model.StorageScreenshots:
		storage.Screenshots += bytes
	case model.StorageVideos:
		storage.Videos += bytes
	case model.StorageZips:
		storage.Zips += bytes
	default:
		return fmt.Errorf("unknown storage category: %s", category)
	}
	return nil
}

func (f *fakeDatabase) GetStorageUsage(_ context.Context, classID string) (*model.StorageUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	storage, ok := f.storage[classID]
	if !ok {
		return &model.StorageUsage{}, nil
	}
	return storage, nil
}

func (f *fakeDatabase) ListScreenshots(_ context.Context, classID, studentUID string, start, end time.Time) ([]*model.Screenshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var shots []*model.Screenshot
	for _, shot := range f.screenshots {
		if shot.ClassID != classID || shot.StudentUID != studentUID || shot.Deleted {
			continue
		}
		if shot.CapturedAt.Before(start) || shot.CapturedAt.After(end) {
			continue
		}
		shots = append(shots, shot)
	}
	return shots, nil
}

func (f *fakeDatabase) CreateVideoArtifact(_ context.Context, artifact *model.VideoArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if artifact.ID.IsZero() {
		artifact.ID = primitive.NewObjectID()
	}
	f.videos = append(f.videos, artifact)
	return nil
}

func (f *fakeDatabase) ListCompletedVideos(_ context.Context, classID, _ string, start, end time.Time) ([]*model.VideoArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var videos []*model.VideoArtifact
	for _, video := range f.videos {
		if video.ClassID != classID || video.Status != model.StatusCompleted {
			continue
		}
		if video.EndTime.Before(start) || video.EndTime.After(end) {
			continue
		}
		videos = append(videos, video)
	}
	return videos, nil
}

func (f *fakeDatabase) FindUIDsByEmails(_ context.Context, _ string, emails []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resolved := make(map[string]string)
	for _, email := range emails {
		key := normalizeEmail(email)
		if uid, ok := f.students[key]; ok {
			resolved[key] = uid
		}
	}
	return resolved, nil
}

func (f *fakeDatabase) BulkUpsertStudentProperties(_ context.Context, classID string, props []model.StudentProperty) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, prop := range props {
		existing, ok := f.properties[prop.StudentUID]
		if !ok {
			existing = model.StudentProperty{
				ClassID:    classID,
				StudentUID: prop.StudentUID,
				Properties: make(map[string]string),
			}
		}
		for key, value := range prop.Properties {
			existing.Properties[key] = value
		}
		f.properties[prop.StudentUID] = existing
	}
	return nil
}

func (f *fakeDatabase) CreateNotification(_ context.Context, notification *model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, *notification)
	return nil
}

func normalizeEmail(email string) string {
	out := make([]rune, 0, len(email))
	for _, r := range email {
		if r == ' ' || r == '\t' {
			continue
		}
		if 'A' <= r && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}

// fakePublisher records usage events published by the job logger.
type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (p *fakePublisher) Publish(_, routingKey string, _ []byte, _ amqp.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, routingKey)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// fakeFileService is an in-memory blob store. Downloads materialize canned
// object content into local files; uploads capture the stored keys.
type fakeFileService struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]map[string]string // key -> metadata

	downloadErr error
	uploadErr   error
}

func newFakeFileService() *fakeFileService {
	return &fakeFileService{
		objects: make(map[string][]byte),
		uploads: make(map[string]map[string]string),
	}
}

func (f *fakeFileService) DownloadFile(_ context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return f.downloadErr
	}
	content, ok := f.objects[key]
	if !ok {
		return fmt.Errorf("object not found: %s", key)
	}
	return os.WriteFile(localPath, content, 0o644)
}

func (f *fakeFileService) UploadFile(_ context.Context, localPath, key string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	content, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.objects[key] = content
	f.uploads[key] = metadata
	return nil
}

func (f *fakeFileService) DeleteFile(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeFileService) ObjectSize(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.objects[key]
	if !ok {
		return 0, fmt.Errorf("object not found: %s", key)
	}
	return int64(len(content)), nil
}

func (f *fakeFileService) TestConnection(_ context.Context) error { return nil }
