package cache

import (
	"context"
	"encoding/json"
	"time"

	"classwatch/internal/model"
)

// jobStatusTTL keeps cached job reads short-lived; UIs poll job status and a
// stale answer self-corrects within seconds.
const jobStatusTTL = 10 * time.Second

// JobCache is a read-through cache of job documents for status polling.
type JobCache struct {
	cache Cache
}

func NewJobCache(cache Cache) *JobCache {
	return &JobCache{cache: cache}
}

func jobKey(jobID string) string {
	return "job:" + jobID
}

// Get returns the cached job, or ErrCacheMiss.
func (j *JobCache) Get(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := j.cache.Get(ctx, jobKey(jobID))
	if err != nil {
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		// A corrupt entry behaves like a miss; the store is authoritative.
		j.cache.Delete(ctx, jobKey(jobID))
		return nil, ErrCacheMiss
	}

	return &job, nil
}

// Set caches the job for the polling TTL.
func (j *JobCache) Set(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return j.cache.Set(ctx, jobKey(job.ID.Hex()), data, jobStatusTTL)
}

// Invalidate drops the cached job, used after mutations like retry.
func (j *JobCache) Invalidate(ctx context.Context, jobID string) error {
	return j.cache.Delete(ctx, jobKey(jobID))
}
