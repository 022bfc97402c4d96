package orchestrator

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type WorkerRegistry interface {
	Register(string, Worker)
	Get(string) (Worker, bool)
	AvailableWorkers() []string
}

// Registry is a central registry for job workers keyed by job type.
type Registry struct {
	workers map[string]Worker
	mu      sync.RWMutex
}

func NewWorkerRegistry(workers ...Worker) WorkerRegistry {
	registry := Registry{
		workers: make(map[string]Worker),
	}

	for _, w := range workers {
		registry.Register(w.Type(), w)
	}

	return &registry
}

// Register adds a worker to the registry
func (r *Registry) Register(jobType string, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workers[jobType] = w

	log.Info().
		Str("jobType", jobType).
		Str("worker", w.Name()).
		Msg("Registered job worker")
}

// Get retrieves a worker by job type
func (r *Registry) Get(jobType string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.workers[jobType]
	return w, exists
}

// AvailableWorkers returns the job types with a registered worker
func (r *Registry) AvailableWorkers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.workers))
	for jobType := range r.workers {
		types = append(types, jobType)
	}

	return types
}
