// Package protocol defines the contracts between the workflow kernel and its
// external collaborators: step executors, workspace isolation, and advisory
// consultation. The kernel depends on these interfaces only; concrete
// implementations register through pkg/registry.
package protocol

import (
	"context"

	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/resume"
)

// ExecutionRequest carries everything an executor needs for one attempt of
// one step. Resume is non-nil when the attempt continues from a checkpoint;
// Workspace is non-nil when an isolation provider is configured.
type ExecutionRequest struct {
	TaskID     string
	WorkflowID string
	Step       *models.StepDefinition
	Attempt    int
	Vars       map[string]string
	Resume     *resume.Plan
	Workspace  IsolationHandle
}

// StepResult is what an executor reports back. Metric feeds gate evaluation
// when the step has one; Context is the opaque blob the checkpoint manager
// snapshots; Output flows into the workflow state for later steps.
type StepResult struct {
	Metric    *float64
	Artifacts []models.ArtifactRef
	Context   []byte
	Output    map[string]any
}

// StepExecutor runs one attempt of a step. A non-nil error marks the attempt
// failed and routes through retry policy; returning (nil, nil) is a contract
// violation.
type StepExecutor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*StepResult, error)
}

// ExecutorFactory builds executors from definition-supplied configuration.
type ExecutorFactory interface {
	ID() string
	Create(config map[string]any) (StepExecutor, error)
}
