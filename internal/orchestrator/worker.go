package orchestrator

import (
	"context"

	"classwatch/internal/model"
)

// Worker executes one job kind end to end. Run persists the job's result
// fields and terminal status itself and returns the status it landed on. A
// non-nil error means the run aborted before reaching a terminal status; the
// controller then records the job as failed with the error message.
type Worker interface {
	// Run processes a claimed job and returns its terminal status
	Run(ctx context.Context, job *model.Job) (model.JobStatus, error)

	// Name returns the human-readable worker name
	Name() string

	// Type returns the job type the worker handles
	Type() string
}

// SplitIntoBatches divides a slice of items into batches of the specified
// size. The last batch may be smaller.
func SplitIntoBatches[T any](items []T, batchSize int) [][]T {
	if batchSize <= 0 {
		return nil
	}

	if len(items) == 0 {
		return [][]T{}
	}

	numBatches := (len(items) + batchSize - 1) / batchSize
	batches := make([][]T, 0, numBatches)

	for i := 0; i < len(items); i += batchSize {
		end := i + batchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[i:end])
	}

	return batches
}
