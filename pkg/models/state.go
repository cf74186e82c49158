package models

import "time"

// CurrentSchemaVersion is the schema version newly persisted workflow states
// carry. Older records are migrated forward at load time.
const CurrentSchemaVersion = 3

// StepStatus represents the lifecycle state of a single step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"   // Defined, not yet dispatched
	StepStatusRunning   StepStatus = "running"   // Executor working on it
	StepStatusPaused    StepStatus = "paused"    // Held at an operator's request
	StepStatusCompleted StepStatus = "completed" // Finished, gate passed or absent
	StepStatusFailed    StepStatus = "failed"    // Execution error or gate failure
	StepStatusRetrying  StepStatus = "retrying"  // Waiting out backoff before re-run
	StepStatusSkipped   StepStatus = "skipped"   // Deliberately not executed
)

// IsTerminal reports whether no further transition can leave this status.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// WorkflowStatus represents the lifecycle state of a whole workflow run.
type WorkflowStatus string

const (
	WorkflowStatusCreated   WorkflowStatus = "created"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusAborted   WorkflowStatus = "aborted"
)

func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusAborted
}

// ArtifactRef points at a file a step produced, with enough metadata to
// detect tampering or loss when a resume revalidates it.
type ArtifactRef struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// GateResult records one evaluation of a step's quality gate.
type GateResult struct {
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	Passed      bool      `json:"passed"`
	Attempt     int       `json:"attempt"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// StepTransition is one entry in a step's audit trail.
type StepTransition struct {
	From   StepStatus `json:"from"`
	To     StepStatus `json:"to"`
	At     time.Time  `json:"at"`
	Reason string     `json:"reason,omitempty"`
}

// WorkflowTransition is one entry in the workflow-level audit trail.
type WorkflowTransition struct {
	From   WorkflowStatus `json:"from"`
	To     WorkflowStatus `json:"to"`
	At     time.Time      `json:"at"`
	Reason string         `json:"reason,omitempty"`
}

// StepRecord is the durable execution record of one step.
type StepRecord struct {
	StepID      string           `json:"step_id"`
	Status      StepStatus       `json:"status"`
	Attempts    int              `json:"attempts"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	Gate        []GateResult     `json:"gate,omitempty"`
	Artifacts   []ArtifactRef    `json:"artifacts,omitempty"`
	Output      map[string]any   `json:"output,omitempty"`   // Executor-reported results, visible to later steps
	Advisory    []string         `json:"advisory,omitempty"` // Notes attached by consulted specialists
	History     []StepTransition `json:"history,omitempty"`
}

// WorkflowState is the single durable truth about a workflow run. Revision
// increases by exactly one on every save; History carries the ordered
// workflow-level transitions for audit and recovery confidence.
type WorkflowState struct {
	WorkflowID    string                 `json:"workflow_id"    validate:"required"`
	DefinitionID  string                 `json:"definition_id"  validate:"required"`
	SchemaVersion int                    `json:"schema_version"`
	Status        WorkflowStatus         `json:"status"`
	Steps         map[string]*StepRecord `json:"steps"`
	ActiveSteps   []string               `json:"active_steps,omitempty"`
	Progress      float64                `json:"progress"`
	Revision      uint64                 `json:"revision"`
	History       []WorkflowTransition   `json:"history,omitempty"`
	LastError     *ErrorRecord           `json:"last_error,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// NewWorkflowState builds the initial state for a definition: every step
// pending, workflow created, revision zero until the first save.
func NewWorkflowState(workflowID string, def *WorkflowDefinition, now time.Time) *WorkflowState {
	steps := make(map[string]*StepRecord, len(def.Steps))
	for _, step := range def.Steps {
		steps[step.ID] = &StepRecord{
			StepID: step.ID,
			Status: StepStatusPending,
		}
	}

	return &WorkflowState{
		WorkflowID:    workflowID,
		DefinitionID:  def.ID,
		SchemaVersion: CurrentSchemaVersion,
		Status:        WorkflowStatusCreated,
		Steps:         steps,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Step returns the record for a step ID, or nil.
func (s *WorkflowState) Step(id string) *StepRecord {
	return s.Steps[id]
}

// RecalculateProgress sets Progress to the terminal fraction of all steps.
func (s *WorkflowState) RecalculateProgress() {
	if len(s.Steps) == 0 {
		s.Progress = 0

		return
	}

	terminal := 0

	for _, rec := range s.Steps {
		if rec.Status.IsTerminal() {
			terminal++
		}
	}

	s.Progress = float64(terminal) / float64(len(s.Steps))
}

// Clone returns a deep copy, so stores can hand out states without aliasing
// their internal records.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}

	cp := *s

	cp.Steps = make(map[string]*StepRecord, len(s.Steps))
	for id, rec := range s.Steps {
		cp.Steps[id] = rec.Clone()
	}

	cp.ActiveSteps = append([]string(nil), s.ActiveSteps...)
	cp.History = append([]WorkflowTransition(nil), s.History...)

	if s.LastError != nil {
		errCopy := *s.LastError
		errCopy.Suggestions = append([]RecoverySuggestion(nil), s.LastError.Suggestions...)
		cp.LastError = &errCopy
	}

	return &cp
}

// Clone returns a deep copy of the step record.
func (r *StepRecord) Clone() *StepRecord {
	if r == nil {
		return nil
	}

	cp := *r

	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}

	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}

	cp.Gate = append([]GateResult(nil), r.Gate...)
	cp.Artifacts = append([]ArtifactRef(nil), r.Artifacts...)
	cp.Advisory = append([]string(nil), r.Advisory...)
	cp.History = append([]StepTransition(nil), r.History...)

	if r.Output != nil {
		cp.Output = make(map[string]any, len(r.Output))
		for k, v := range r.Output {
			cp.Output[k] = v
		}
	}

	return &cp
}
