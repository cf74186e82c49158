// Package statemachine defines the legal lifecycle transitions for steps and
// workflows. It is pure: no I/O and no clock reads, callers pass time in.
// Every status mutation in the repo goes through TransitionStep or
// TransitionWorkflow so the audit history stays complete.
package statemachine

import (
	"errors"
	"fmt"
	"time"

	"github.com/drover-io/drover/pkg/models"
)

// ErrInvalidTransition is returned (wrapped) for any move the transition
// tables do not allow, including same-state moves.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError carries the rejected move for logs and callers.
type InvalidTransitionError struct {
	Entity string // "step" or "workflow"
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %q: invalid transition from %q to %q", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsInvalidTransition checks if an error is a transition legality failure.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

var stepTransitions = map[models.StepStatus][]models.StepStatus{
	models.StepStatusPending:   {models.StepStatusRunning, models.StepStatusSkipped},
	models.StepStatusRunning:   {models.StepStatusPaused, models.StepStatusCompleted, models.StepStatusFailed},
	models.StepStatusPaused:    {models.StepStatusRunning, models.StepStatusSkipped},
	models.StepStatusFailed:    {models.StepStatusRetrying, models.StepStatusSkipped},
	models.StepStatusRetrying:  {models.StepStatusRunning},
	models.StepStatusCompleted: {},
	models.StepStatusSkipped:   {},
}

var workflowTransitions = map[models.WorkflowStatus][]models.WorkflowStatus{
	models.WorkflowStatusCreated: {models.WorkflowStatusRunning},
	models.WorkflowStatusRunning: {
		models.WorkflowStatusPaused,
		models.WorkflowStatusCompleted,
		models.WorkflowStatusFailed,
		models.WorkflowStatusAborted,
	},
	models.WorkflowStatusPaused:    {models.WorkflowStatusRunning, models.WorkflowStatusAborted},
	models.WorkflowStatusCompleted: {},
	models.WorkflowStatusFailed:    {},
	models.WorkflowStatusAborted:   {},
}

// CanTransitionStep reports whether the step move is legal.
func CanTransitionStep(from, to models.StepStatus) bool {
	for _, allowed := range stepTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// CanTransitionWorkflow reports whether the workflow move is legal.
func CanTransitionWorkflow(from, to models.WorkflowStatus) bool {
	for _, allowed := range workflowTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// TransitionStep applies a legal step transition in place: status, the
// started/completed timestamps, and an appended history entry. An illegal
// move changes nothing and returns InvalidTransitionError.
func TransitionStep(rec *models.StepRecord, to models.StepStatus, reason string, now time.Time) error {
	from := rec.Status
	if !CanTransitionStep(from, to) {
		return &InvalidTransitionError{Entity: "step", ID: rec.StepID, From: string(from), To: string(to)}
	}

	rec.Status = to

	if to == models.StepStatusRunning && rec.StartedAt == nil {
		startedAt := now
		rec.StartedAt = &startedAt
	}

	if to.IsTerminal() {
		completedAt := now
		rec.CompletedAt = &completedAt
	}

	rec.History = append(rec.History, models.StepTransition{
		From:   from,
		To:     to,
		At:     now,
		Reason: reason,
	})

	return nil
}

// TransitionWorkflow applies a legal workflow transition in place, appending
// to the workflow-level history. An illegal move changes nothing and returns
// InvalidTransitionError.
func TransitionWorkflow(state *models.WorkflowState, to models.WorkflowStatus, reason string, now time.Time) error {
	from := state.Status
	if !CanTransitionWorkflow(from, to) {
		return &InvalidTransitionError{Entity: "workflow", ID: state.WorkflowID, From: string(from), To: string(to)}
	}

	state.Status = to
	state.History = append(state.History, models.WorkflowTransition{
		From:   from,
		To:     to,
		At:     now,
		Reason: reason,
	})

	return nil
}
