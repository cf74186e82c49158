package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkflowState_AllStepsPending(t *testing.T) {
	def := validDefinition()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	state := NewWorkflowState("task-1", def, now)

	assert.Equal(t, WorkflowStatusCreated, state.Status)
	assert.Equal(t, CurrentSchemaVersion, state.SchemaVersion)
	assert.Equal(t, uint64(0), state.Revision)
	require.Len(t, state.Steps, 3)

	for id, rec := range state.Steps {
		assert.Equal(t, id, rec.StepID)
		assert.Equal(t, StepStatusPending, rec.Status)
	}
}

func TestWorkflowState_RecalculateProgress(t *testing.T) {
	def := validDefinition()
	state := NewWorkflowState("task-1", def, time.Now())

	state.RecalculateProgress()
	assert.InDelta(t, 0.0, state.Progress, 1e-9)

	state.Steps["plan"].Status = StepStatusCompleted
	state.RecalculateProgress()
	assert.InDelta(t, 1.0/3.0, state.Progress, 1e-9)

	state.Steps["implement"].Status = StepStatusSkipped
	state.Steps["fix"].Status = StepStatusCompleted
	state.RecalculateProgress()
	assert.InDelta(t, 1.0, state.Progress, 1e-9)
}

func TestWorkflowState_Clone_IsDeep(t *testing.T) {
	def := validDefinition()
	state := NewWorkflowState("task-1", def, time.Now())
	state.ActiveSteps = []string{"plan"}
	state.Steps["plan"].Artifacts = []ArtifactRef{{Name: "plan.md", Path: "/tmp/plan.md"}}
	state.LastError = &ErrorRecord{
		Category:    ErrorCategoryTimeout,
		Suggestions: []RecoverySuggestion{{Action: "retry", Confidence: 0.5}},
	}

	clone := state.Clone()

	clone.Steps["plan"].Status = StepStatusRunning
	clone.Steps["plan"].Artifacts[0].Name = "changed"
	clone.ActiveSteps[0] = "changed"
	clone.LastError.Suggestions[0].Action = "changed"

	assert.Equal(t, StepStatusPending, state.Steps["plan"].Status)
	assert.Equal(t, "plan.md", state.Steps["plan"].Artifacts[0].Name)
	assert.Equal(t, []string{"plan"}, state.ActiveSteps)
	assert.Equal(t, "retry", state.LastError.Suggestions[0].Action)
}

func TestStepStatus_IsTerminal(t *testing.T) {
	assert.True(t, StepStatusCompleted.IsTerminal())
	assert.True(t, StepStatusSkipped.IsTerminal())
	assert.False(t, StepStatusRunning.IsTerminal())
	assert.False(t, StepStatusFailed.IsTerminal())
}

func TestWorkflowStatus_IsTerminal(t *testing.T) {
	assert.True(t, WorkflowStatusCompleted.IsTerminal())
	assert.True(t, WorkflowStatusAborted.IsTerminal())
	assert.False(t, WorkflowStatusPaused.IsTerminal())
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BackoffBase: Duration(90 * time.Second)}

	data, err := json.Marshal(policy)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"1m30s"`)

	var decoded RetryPolicy

	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, policy.BackoffBase, decoded.BackoffBase)
}

func TestDuration_AcceptsIntegerNanoseconds(t *testing.T) {
	var policy RetryPolicy

	require.NoError(t, json.Unmarshal([]byte(`{"max_attempts":1,"backoff_base":1000000000}`), &policy))
	assert.Equal(t, time.Second, policy.BackoffBase.Std())
}

func TestDuration_RejectsGarbage(t *testing.T) {
	var d Duration

	assert.Error(t, json.Unmarshal([]byte(`"not-a-duration"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}
