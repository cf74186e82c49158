package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/models"
)

func TestNewBaseEvent(t *testing.T) {
	event := NewBaseEvent(WorkflowStartedEvent, "wf-1")

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, WorkflowStartedEvent, event.Type)
	assert.Equal(t, "wf-1", event.WorkflowID)
	assert.WithinDuration(t, time.Now().UTC(), event.Timestamp, time.Second)
	assert.NotNil(t, event.Metadata)
}

func TestStepFailed_JSONSerialization(t *testing.T) {
	original := StepFailed{
		BaseEvent: NewBaseEvent(StepFailedEvent, "wf-1"),
		StepID:    "implement",
		Attempt:   3,
		Error:     "connection refused",
		Category:  models.ErrorCategoryConnectivity,
		Severity:  models.SeverityTransient,
		Final:     true,
		Action:    models.FailureActionAbort,
	}

	jsonData, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), `"step_id":"implement"`)
	assert.Contains(t, string(jsonData), `"category":"connectivity"`)

	var deserialized StepFailed

	err = json.Unmarshal(jsonData, &deserialized)
	require.NoError(t, err)
	assert.Equal(t, original.StepID, deserialized.StepID)
	assert.Equal(t, original.Attempt, deserialized.Attempt)
	assert.Equal(t, original.Category, deserialized.Category)
	assert.True(t, deserialized.Final)
	assert.Equal(t, StepFailedEvent, deserialized.GetType())
}

func TestGateEvaluated_JSONSerialization(t *testing.T) {
	original := GateEvaluated{
		BaseEvent: NewBaseEvent(GateEvaluatedEvent, "wf-1"),
		StepID:    "implement",
		Result: models.GateResult{
			Metric:    "coverage",
			Value:     0.93,
			Threshold: 0.9,
			Passed:    true,
			Attempt:   1,
		},
	}

	jsonData, err := json.Marshal(original)
	require.NoError(t, err)

	var deserialized GateEvaluated

	err = json.Unmarshal(jsonData, &deserialized)
	require.NoError(t, err)
	assert.Equal(t, original.Result, deserialized.Result)
	assert.InEpsilon(t, 0.93, deserialized.Result.Value, 1e-9)
}

func TestEventTypes(t *testing.T) {
	tests := []struct {
		event    interface{ GetType() EventType }
		expected EventType
	}{
		{WorkflowStarted{}, WorkflowStartedEvent},
		{WorkflowPaused{}, WorkflowPausedEvent},
		{WorkflowResumed{}, WorkflowResumedEvent},
		{WorkflowCompleted{}, WorkflowCompletedEvent},
		{WorkflowFailed{}, WorkflowFailedEvent},
		{WorkflowAborted{}, WorkflowAbortedEvent},
		{StepStarted{}, StepStartedEvent},
		{StepCompleted{}, StepCompletedEvent},
		{StepFailed{}, StepFailedEvent},
		{StepRetrying{}, StepRetryingEvent},
		{StepSkipped{}, StepSkippedEvent},
		{GateEvaluated{}, GateEvaluatedEvent},
		{CheckpointCaptured{}, CheckpointCapturedEvent},
		{StateCorruptionDetected{}, StateCorruptionDetectedEvent},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.event.GetType())
	}
}
