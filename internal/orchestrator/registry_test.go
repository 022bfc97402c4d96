package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classwatch/internal/model"
)

type stubWorker struct {
	name    string
	jobType string
}

func (s *stubWorker) Run(context.Context, *model.Job) (model.JobStatus, error) {
	return model.StatusCompleted, nil
}

func (s *stubWorker) Name() string { return s.name }
func (s *stubWorker) Type() string { return s.jobType }

func TestRegistryRegistersConstructorWorkers(t *testing.T) {
	registry := NewWorkerRegistry(
		&stubWorker{name: "Build", jobType: model.JobTypeVideoBuild},
		&stubWorker{name: "Zip", jobType: model.JobTypeVideoZip},
	)

	worker, ok := registry.Get(model.JobTypeVideoBuild)
	require.True(t, ok)
	assert.Equal(t, "Build", worker.Name())

	assert.ElementsMatch(t, []string{model.JobTypeVideoBuild, model.JobTypeVideoZip}, registry.AvailableWorkers())
}

func TestRegistryGetUnknownType(t *testing.T) {
	registry := NewWorkerRegistry()

	_, ok := registry.Get(model.JobTypeVideoAnalysis)
	assert.False(t, ok)
	assert.Empty(t, registry.AvailableWorkers())
}

func TestRegistryRegisterOverwrites(t *testing.T) {
	registry := NewWorkerRegistry(&stubWorker{name: "First", jobType: model.JobTypeVideoBuild})
	registry.Register(model.JobTypeVideoBuild, &stubWorker{name: "Second", jobType: model.JobTypeVideoBuild})

	worker, ok := registry.Get(model.JobTypeVideoBuild)
	require.True(t, ok)
	assert.Equal(t, "Second", worker.Name())
}
