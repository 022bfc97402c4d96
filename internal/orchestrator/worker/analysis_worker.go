package worker

import (
	"context"

	"classwatch/internal/model"
	"classwatch/internal/orchestrator"
)

const AnalysisName = "Video Analysis Worker"

// analysisWorker adapts the shared analysis engine to the worker surface.
// The same engine backs the synchronous retry endpoint.
type analysisWorker struct {
	engine *AnalysisEngine
}

func NewAnalysisWorker(engine *AnalysisEngine) orchestrator.Worker {
	return &analysisWorker{engine: engine}
}

// Name implements orchestrator.Worker.
func (w *analysisWorker) Name() string {
	return AnalysisName
}

// Type implements orchestrator.Worker.
func (w *analysisWorker) Type() string {
	return model.JobTypeVideoAnalysis
}

// Run implements orchestrator.Worker.
func (w *analysisWorker) Run(ctx context.Context, job *model.Job) (model.JobStatus, error) {
	return w.engine.Run(ctx, job)
}
