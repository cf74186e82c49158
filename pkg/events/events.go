// Package events defines event types and structures for workflow lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/drover-io/drover/pkg/models"
)

type EventType string

const Topic = "drover.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow lifecycle events.
	WorkflowStartedEvent   EventType = "workflow.started"
	WorkflowPausedEvent    EventType = "workflow.paused"
	WorkflowResumedEvent   EventType = "workflow.resumed"
	WorkflowCompletedEvent EventType = "workflow.completed"
	WorkflowFailedEvent    EventType = "workflow.failed"
	WorkflowAbortedEvent   EventType = "workflow.aborted"

	// Step lifecycle events.
	StepStartedEvent   EventType = "step.started"
	StepCompletedEvent EventType = "step.completed"
	StepFailedEvent    EventType = "step.failed"
	StepRetryingEvent  EventType = "step.retrying"
	StepSkippedEvent   EventType = "step.skipped"

	// Quality gate and durability events.
	GateEvaluatedEvent           EventType = "gate.evaluated"
	CheckpointCapturedEvent      EventType = "checkpoint.captured"
	StateCorruptionDetectedEvent EventType = "state.corruption_detected"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

type WorkflowStarted struct {
	BaseEvent

	DefinitionID string            `json:"definition_id"`
	WorkflowName string            `json:"workflow_name"`
	Vars         map[string]string `json:"vars,omitempty"`
	Resumed      bool              `json:"resumed"`
}

func (w WorkflowStarted) GetType() EventType {
	return WorkflowStartedEvent
}

type WorkflowPaused struct {
	BaseEvent

	Reason       string `json:"reason"`
	PausedAtStep string `json:"paused_at_step,omitempty"`
}

func (w WorkflowPaused) GetType() EventType {
	return WorkflowPausedEvent
}

type WorkflowResumed struct {
	BaseEvent

	PauseDuration time.Duration `json:"pause_duration"`
}

func (w WorkflowResumed) GetType() EventType {
	return WorkflowResumedEvent
}

type WorkflowCompleted struct {
	BaseEvent

	Duration       time.Duration `json:"duration"`
	StepsCompleted int           `json:"steps_completed"`
	StepsSkipped   int           `json:"steps_skipped"`
}

func (w WorkflowCompleted) GetType() EventType {
	return WorkflowCompletedEvent
}

type WorkflowFailed struct {
	BaseEvent

	StepID   string        `json:"step_id,omitempty"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (w WorkflowFailed) GetType() EventType {
	return WorkflowFailedEvent
}

type WorkflowAborted struct {
	BaseEvent

	Reason   string `json:"reason"`
	LastStep string `json:"last_step,omitempty"`
}

func (w WorkflowAborted) GetType() EventType {
	return WorkflowAbortedEvent
}

type StepStarted struct {
	BaseEvent

	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
}

func (s StepStarted) GetType() EventType {
	return StepStartedEvent
}

type StepCompleted struct {
	BaseEvent

	StepID    string               `json:"step_id"`
	Attempt   int                  `json:"attempt"`
	Duration  time.Duration        `json:"duration"`
	Artifacts []models.ArtifactRef `json:"artifacts,omitempty"`
}

func (s StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

type StepFailed struct {
	BaseEvent

	StepID   string               `json:"step_id"`
	Attempt  int                  `json:"attempt"`
	Error    string               `json:"error"`
	Category models.ErrorCategory `json:"category"`
	Severity models.Severity      `json:"severity"`
	Final    bool                 `json:"final"`
	Action   models.FailureAction `json:"action,omitempty"`
}

func (s StepFailed) GetType() EventType {
	return StepFailedEvent
}

type StepRetrying struct {
	BaseEvent

	StepID      string        `json:"step_id"`
	NextAttempt int           `json:"next_attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
}

func (s StepRetrying) GetType() EventType {
	return StepRetryingEvent
}

type StepSkipped struct {
	BaseEvent

	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

func (s StepSkipped) GetType() EventType {
	return StepSkippedEvent
}

type GateEvaluated struct {
	BaseEvent

	StepID string            `json:"step_id"`
	Result models.GateResult `json:"result"`
	Routed string            `json:"routed,omitempty"`
}

func (g GateEvaluated) GetType() EventType {
	return GateEvaluatedEvent
}

type CheckpointCaptured struct {
	BaseEvent

	StepID     string `json:"step_id"`
	Sequence   uint64 `json:"sequence"`
	Compressed bool   `json:"compressed"`
	SizeBytes  int    `json:"size_bytes"`
}

func (c CheckpointCaptured) GetType() EventType {
	return CheckpointCapturedEvent
}

// StateCorruptionDetected is published when loading a persisted state fails
// checksum verification and the manager falls back to an older revision.
type StateCorruptionDetected struct {
	BaseEvent

	BadRevision       uint64 `json:"bad_revision"`
	RecoveredRevision uint64 `json:"recovered_revision,omitempty"`
	Recovered         bool   `json:"recovered"`
}

func (s StateCorruptionDetected) GetType() EventType {
	return StateCorruptionDetectedEvent
}
